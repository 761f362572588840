package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/store"
	"github.com/xynlabs/xyn/internal/xynerr"
)

// Engine is the thin coordinator in front of the store's claim/lease
// primitives: this package claims/renews/reclaims/finalizes, while
// internal/executor drives step execution.
type Engine struct {
	Store store.Store
	Opts  Options
}

// New constructs an Engine with normalized options.
func New(s store.Store, opts Options) *Engine {
	opts.Normalize()
	return &Engine{Store: s, Opts: opts}
}

// Claim attempts to claim the next eligible run for workerID. ok is false
// when no row was eligible; the caller should sleep IdlePoll and retry.
func (e *Engine) Claim(ctx context.Context, workerID string) (model.Run, bool, error) {
	run, _, err := e.Store.Claim(ctx, workerID, e.Opts.LeaseDuration)
	if err != nil {
		return model.Run{}, false, err
	}
	if run.ID == uuid.Nil {
		return model.Run{}, false, nil
	}
	return run, true, nil
}

// Renew extends the lease on a running run. A false result with a nil error
// means the lease was lost and the caller must abort without further
// state writes.
func (e *Engine) Renew(ctx context.Context, runID uuid.UUID, workerID string) (bool, error) {
	return e.Store.RenewLease(ctx, runID, workerID, e.Opts.LeaseDuration)
}

// ReclaimExpired sweeps expired leases back to queued. Called on a fixed
// cadence, or via the cron-driven reclaim sweep in internal/worker.
func (e *Engine) ReclaimExpired(ctx context.Context) ([]uuid.UUID, error) {
	return e.Store.ReclaimExpired(ctx)
}

// Complete finalizes a run as completed.
func (e *Engine) Complete(ctx context.Context, runID uuid.UUID, outputs []byte) error {
	return e.Store.CompleteRun(ctx, runID, outputs)
}

// Fail finalizes a run's terminal step failure by delegating the retry
// decision to the backoff policy: retry (queued, scheduled run_at) when
// attempts remain, otherwise terminal failure.
func (e *Engine) Fail(ctx context.Context, run model.Run, errPayload []byte) error {
	if run.MaxAttempts == nil || run.Attempt < *run.MaxAttempts {
		// run.Attempt counts claims used (1-based after the claim SQL's
		// increment); Backoff's exponent is zero-based, so attempt k
		// schedules within [0, min(cap, base*mult^(k-1))].
		delay := Backoff(e.Opts, run.Attempt-1)
		return e.Store.FailRunRetry(ctx, run.ID, time.Now().UTC().Add(delay), errPayload)
	}
	return e.Store.FailRunTerminal(ctx, run.ID, errPayload)
}

// Cancel requests cancellation of a run: immediate for queued runs,
// cooperative (flagged, observed at the next step boundary) for running
// ones.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	return e.Store.CancelRun(ctx, runID)
}

// CheckLostLease returns a typed KindLostLease error when renew fails,
// giving callers a uniform way to abort and log.
func CheckLostLease(renewed bool) error {
	if renewed {
		return nil
	}
	return xynerr.New(xynerr.KindLostLease, "lease renewal failed: lost lease")
}
