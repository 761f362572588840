// Package store provides typed persistence for runs, steps, events,
// artifacts, packs and pack installations, with both an in-memory and a
// PostgreSQL implementation behind one interface.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/events"
	"github.com/xynlabs/xyn/internal/model"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status RunStatusFilter
	Limit  int
	Cursor string
}

// RunStatusFilter optionally constrains ListRuns to one status.
type RunStatusFilter struct {
	Set   bool
	Value model.RunStatus
}

// EventFilter narrows ListEvents; zero-value fields are unconstrained.
type EventFilter struct {
	EventName     string
	RunID         *uuid.UUID
	CorrelationID *uuid.UUID
	Limit         int
	Cursor        string
}

// Store is the full persistence contract for the runtime.
type Store interface {
	events.Sink

	// Runs
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, string, error)

	// Claim/lease/finalize protocol
	Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (model.Run, bool, error)
	RenewLease(ctx context.Context, runID uuid.UUID, workerID string, leaseDuration time.Duration) (bool, error)
	ReclaimExpired(ctx context.Context) ([]uuid.UUID, error)
	CompleteRun(ctx context.Context, runID uuid.UUID, outputs []byte) error
	FailRunTerminal(ctx context.Context, runID uuid.UUID, errPayload []byte) error
	FailRunRetry(ctx context.Context, runID uuid.UUID, runAt time.Time, errPayload []byte) error
	CancelRun(ctx context.Context, runID uuid.UUID) (model.Run, error)
	FinalizeCancelledRun(ctx context.Context, runID uuid.UUID) error

	// Steps
	CreateStep(ctx context.Context, step model.Step) (model.Step, error)
	UpdateStep(ctx context.Context, step model.Step) error
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)

	// Events
	ListEventsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]model.Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, string, error)

	// Artifacts
	CreateArtifact(ctx context.Context, artifact model.Artifact) (model.Artifact, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error)

	// Packs
	GetPackByRef(ctx context.Context, packRef string) (model.Pack, error)

	// Pack installations
	ClaimInstallation(ctx context.Context, installation model.PackInstallation) (model.PackInstallation, bool, error)
	GetInstallation(ctx context.Context, packRef, envID string) (model.PackInstallation, error)
	UpdateInstallationMigrationState(ctx context.Context, id uuid.UUID, migrationID string) error
	FinalizeInstallation(ctx context.Context, id uuid.UUID, runID uuid.UUID, version string) error
	FailInstallation(ctx context.Context, id uuid.UUID, errPayload []byte) error

	// Run edges
	CreateRunEdge(ctx context.Context, edge model.RunEdge) error

	// Metrics collector queries
	QueueDepthByStatus(ctx context.Context) (map[model.RunStatus]int64, error)
	QueueReadyDepth(ctx context.Context) (int64, error)
	QueueFutureDepth(ctx context.Context) (int64, error)
	QueueOldestReadySeconds(ctx context.Context) (float64, error)
	RunningWithExpiredLease(ctx context.Context) (int64, error)
	RunningWithActiveLease(ctx context.Context) (int64, error)
}
