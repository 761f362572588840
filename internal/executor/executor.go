// Package executor drives a claimed run's ordered step plan: resolve
// template -> invoke handler -> emit, one step at a time, with cooperative
// cancellation checked at step boundaries.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/events"
	"github.com/xynlabs/xyn/internal/logging"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/queue"
	"github.com/xynlabs/xyn/internal/store"
	"github.com/xynlabs/xyn/internal/xynerr"
)

// Executor drives one run's step plan to completion or failure.
// RunDeadline and MaxSteps are safety rails: a run exceeding either fails
// terminally, with no retry.
type Executor struct {
	Store    store.Store
	Queue    *queue.Engine
	Registry *Registry
	Log      *logging.Logger

	RunDeadline time.Duration
	MaxSteps    int
}

// New constructs an Executor with the default safety rails (60 minute
// wall clock, 200 steps).
func New(s store.Store, q *queue.Engine, reg *Registry, log *logging.Logger) *Executor {
	return &Executor{Store: s, Queue: q, Registry: reg, Log: log, RunDeadline: 60 * time.Minute, MaxSteps: 200}
}

// Run drives run to completion, failure, or cooperative cancellation. It
// is the per-run body invoked by the worker after a successful claim.
func (x *Executor) Run(ctx context.Context, run model.Run) error {
	bp, err := x.Registry.Lookup(run.BlueprintRef)
	if err != nil {
		_ = x.Queue.Fail(ctx, run, mustMarshal(errorPayload(err)))
		return err
	}

	var inputs map[string]any
	_ = json.Unmarshal(run.Inputs, &inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}

	stepOutputs := make(map[string]map[string]any)
	started := time.Now().UTC()
	if run.StartedAt != nil {
		started = *run.StartedAt
	}

	for idx, def := range bp.Steps {
		if x.isCancelRequested(ctx, run.ID) {
			return x.cancelCooperatively(ctx, run)
		}
		if x.MaxSteps > 0 && idx >= x.MaxSteps {
			return x.failTerminal(ctx, run, xynerr.New(xynerr.KindStepBudgetExceeded,
				fmt.Sprintf("run exceeded step budget of %d", x.MaxSteps)))
		}
		if x.RunDeadline > 0 && time.Since(started) > x.RunDeadline {
			return x.failTerminal(ctx, run, xynerr.New(xynerr.KindRunDeadlineExceed,
				fmt.Sprintf("run exceeded wall-clock deadline of %s", x.RunDeadline)))
		}

		step, err := x.runStep(ctx, run, idx, def, inputs, stepOutputs)
		if err != nil {
			// Queue.Fail delegates to the retry policy, which self-emits
			// either xyn.run.failed (terminal) or xyn.run.retry_scheduled
			// (retry) atomically with the status transition.
			if failErr := x.Queue.Fail(ctx, run, mustMarshal(errorPayload(err))); failErr != nil {
				return failErr
			}
			return err
		}
		if step.Outputs != nil {
			var outs map[string]any
			_ = json.Unmarshal(step.Outputs, &outs)
			stepOutputs[def.ID] = outs
		}
	}

	return x.Queue.Complete(ctx, run.ID, nil)
}

func (x *Executor) runStep(ctx context.Context, run model.Run, idx int, def StepDef, inputs map[string]any, priorOutputs map[string]map[string]any) (model.Step, error) {
	resolved, err := ResolveParams(def.Params, ResolutionContext{Inputs: inputs, Steps: priorOutputs})
	if err != nil {
		return model.Step{}, err
	}

	step, err := x.Store.CreateStep(ctx, model.Step{
		RunID:  run.ID,
		Idx:    idx,
		Kind:   model.StepKind(def.Kind),
		Status: model.StepCreated,
		Inputs: mustMarshal(resolved),
	})
	if err != nil {
		return model.Step{}, err
	}

	now := time.Now().UTC()
	step.Status = model.StepRunning
	step.StartedAt = &now
	if err := x.Store.UpdateStep(ctx, step); err != nil {
		return model.Step{}, err
	}
	_, _ = x.Store.Emit(ctx, events.Emission{
		EventName: events.StepStarted, CorrelationID: run.CorrelationID, RunID: &run.ID, StepID: &step.ID,
	})

	outputs, handlerErr := x.invoke(ctx, run.ID, def.Handler, resolved)

	completed := time.Now().UTC()
	step.CompletedAt = &completed
	if handlerErr != nil {
		step.Status = model.StepFailed
		step.Error = mustMarshal(errorPayload(handlerErr))
		_ = x.Store.UpdateStep(ctx, step)
		_, _ = x.Store.Emit(ctx, events.Emission{
			EventName: events.StepFailed, CorrelationID: run.CorrelationID, RunID: &run.ID, StepID: &step.ID,
			Data: errorPayload(handlerErr),
		})
		return step, handlerErr
	}

	step.Status = model.StepCompleted
	step.Outputs = mustMarshal(outputs)
	if err := x.Store.UpdateStep(ctx, step); err != nil {
		return model.Step{}, err
	}
	_, _ = x.Store.Emit(ctx, events.Emission{
		EventName: events.StepCompleted, CorrelationID: run.CorrelationID, RunID: &run.ID, StepID: &step.ID,
	})
	return step, nil
}

// transientRetries bounds statement-level retries of a handler that failed
// on a transient database error before the step is failed for good.
const transientRetries = 3

// invoke calls the step handler, converting a panic into a typed
// handler_crash error so a bug in one handler never takes down the worker.
// Transient database errors are retried with a short linear backoff.
func (x *Executor) invoke(ctx context.Context, runID uuid.UUID, handler StepHandler, params map[string]any) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs, err = nil, xynerr.New(xynerr.KindHandlerCrash, fmt.Sprintf("step handler panic: %v", r))
		}
	}()

	var lastErr error
	for attempt := 0; attempt < transientRetries; attempt++ {
		outputs, lastErr = handler(ctx, runID, params)
		if lastErr == nil {
			return outputs, nil
		}
		if !xynerr.Is(lastErr, xynerr.KindTransientDBError) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, xynerr.Wrap(xynerr.KindStepHandlerError, "step handler error", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return nil, xynerr.Wrap(xynerr.KindStepHandlerError, "step handler error", lastErr)
}

func (x *Executor) isCancelRequested(ctx context.Context, runID uuid.UUID) bool {
	run, err := x.Store.GetRun(ctx, runID)
	if err != nil {
		return false
	}
	return run.CancelRequested()
}

func (x *Executor) cancelCooperatively(ctx context.Context, run model.Run) error {
	return x.Store.FinalizeCancelledRun(ctx, run.ID)
}

// failTerminal writes the terminal failed state directly, bypassing the
// retry policy: safety-rail violations never auto-retry.
func (x *Executor) failTerminal(ctx context.Context, run model.Run, err error) error {
	if failErr := x.Store.FailRunTerminal(ctx, run.ID, mustMarshal(errorPayload(err))); failErr != nil {
		return failErr
	}
	return err
}

func errorPayload(err error) map[string]any {
	payload := map[string]any{"message": err.Error()}
	if xe, ok := err.(*xynerr.Error); ok {
		payload["kind"] = string(xe.Kind)
		if len(xe.Details) > 0 {
			payload["details"] = xe.Details
		}
	}
	return payload
}

func mustMarshal(v any) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
