// Package lifecycle provides the minimal Service/Manager pair the
// runtime's long-running components (HTTP service, worker pool, metrics
// collector) are built against.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/xynlabs/xyn/internal/logging"
)

// Service is anything the Manager can start and stop in order.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse,
// so a later service may depend on an earlier one (e.g. the HTTP service
// depends on the store already being reachable).
type Manager struct {
	Log      *logging.Logger
	services []Service
}

// NewManager constructs an empty Manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{Log: log}
}

// Register appends a service to the start order.
func (m *Manager) Register(s Service) {
	m.services = append(m.services, s)
}

// Start starts every registered service in order. If one fails, the
// services already started are stopped in reverse before the error is
// returned.
func (m *Manager) Start(ctx context.Context) error {
	for i, s := range m.services {
		m.Log.WithFields(map[string]any{"service": s.Name()}).Info("starting service")
		if err := s.Start(ctx); err != nil {
			m.stopFrom(ctx, i-1)
			return fmt.Errorf("starting %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Stop stops every registered service in reverse order, collecting but not
// short-circuiting on individual errors.
func (m *Manager) Stop(ctx context.Context) error {
	return m.stopFrom(ctx, len(m.services)-1)
}

func (m *Manager) stopFrom(ctx context.Context, lastIdx int) error {
	var firstErr error
	for i := lastIdx; i >= 0; i-- {
		s := m.services[i]
		m.Log.WithFields(map[string]any{"service": s.Name()}).Info("stopping service")
		if err := s.Stop(ctx); err != nil {
			m.Log.WithFields(map[string]any{"service": s.Name(), "error": err}).Error("service stop failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
