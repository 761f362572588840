// Package httpapi serves the versioned JSON API over net/http.ServeMux: a
// thin Service owning an *http.Server, Start/Stop satisfying
// lifecycle.Service, and a middleware chain applied once at mount time.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/xynlabs/xyn/internal/executor"
	"github.com/xynlabs/xyn/internal/logging"
	"github.com/xynlabs/xyn/internal/metrics"
	"github.com/xynlabs/xyn/internal/queue"
	"github.com/xynlabs/xyn/internal/store"
)

// Service owns the HTTP listener for the /api/v1 surface plus /health and
// /metrics.
type Service struct {
	Addr     string
	Store    store.Store
	Queue    *queue.Engine
	Registry *executor.Registry
	Log      *logging.Logger
	Version  string
	started  time.Time

	srv *http.Server
}

// Name identifies this service in lifecycle logs.
func (s *Service) Name() string { return "httpapi" }

// Start builds the mux and listens in a background goroutine; listener
// errors other than a clean shutdown are logged.
func (s *Service) Start(ctx context.Context) error {
	s.started = time.Now().UTC()
	h := &handler{service: s}

	mux := http.NewServeMux()
	h.mount(mux)

	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           wrapWithCORS(metrics.InstrumentHandler(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Log.WithFields(map[string]any{"error": err}).Error("http server exited")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
