package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/xynlabs/xyn/internal/events"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/xynerr"
)

// PGStore implements Store on PostgreSQL tables. Row locks are scoped to
// one short transaction each; no lock is held across statements issued by
// different methods.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed store.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) Emit(ctx context.Context, e events.Emission) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.DB.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, step_id, data, resource_ref)
		values ($1, $2, now(), $3, $4, $5, $6, nullif($7, ''))
	`, id, e.EventName, e.CorrelationID, nullableUUID(e.RunID), nullableUUID(e.StepID), events.MarshalData(e.Data), e.ResourceRef)
	if err != nil {
		return uuid.Nil, xynerr.Wrap(xynerr.KindTransientDBError, "emit event", err)
	}
	return id, nil
}

func (s *PGStore) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if run.RunAt.IsZero() {
		run.RunAt = time.Now().UTC()
	}
	if run.CorrelationID == uuid.Nil {
		run.CorrelationID = run.ID
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into runs
			(id, name, blueprint_ref, status, run_at, priority, max_attempts,
			 actor, correlation_id, inputs, parent_run_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		returning id, name, blueprint_ref, status, run_at, priority, attempt, max_attempts,
			queued_at, locked_at, locked_by, lease_expires_at, started_at, completed_at,
			actor, correlation_id, inputs, outputs, error, parent_run_id, created_at, updated_at
	`, run.ID, run.Name, run.BlueprintRef, run.Status, run.RunAt, run.Priority, run.MaxAttempts,
		run.Actor, run.CorrelationID, jsonOrEmpty(run.Inputs), nullableUUID(run.ParentRunID))

	created, err := scanRun(row)
	if err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "insert run", err)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
		values ($1, 'xyn.run.created', now(), $2, $3, '{}'::jsonb)
	`, uuid.New(), created.CorrelationID, created.ID); err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "emit run created", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return created, nil
}

func (s *PGStore) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := s.DB.QueryRowContext(ctx, `
		select id, name, blueprint_ref, status, run_at, priority, attempt, max_attempts,
			queued_at, locked_at, locked_by, lease_expires_at, started_at, completed_at,
			actor, correlation_id, inputs, outputs, error, parent_run_id, created_at, updated_at
		from runs where id = $1
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, xynerr.NotFound("run", id.String())
	}
	if err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "get run", err)
	}
	return run, nil
}

func (s *PGStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any
	n := 1
	if filter.Status.Set {
		where = append(where, fmt.Sprintf("status = $%d", n))
		args = append(args, filter.Status.Value)
		n++
	}
	if filter.Cursor != "" {
		if cursorID, err := uuid.Parse(filter.Cursor); err == nil {
			where = append(where, fmt.Sprintf("created_at > (select created_at from runs where id = $%d)", n))
			args = append(args, cursorID)
			n++
		}
	}
	query := `
		select id, name, blueprint_ref, status, run_at, priority, attempt, max_attempts,
			queued_at, locked_at, locked_by, lease_expires_at, started_at, completed_at,
			actor, correlation_id, inputs, outputs, error, parent_run_id, created_at, updated_at
		from runs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by created_at asc limit $%d", n)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", xynerr.Wrap(xynerr.KindTransientDBError, "list runs", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, "", xynerr.Wrap(xynerr.KindTransientDBError, "scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, "", xynerr.Wrap(xynerr.KindTransientDBError, "list runs", err)
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID.String()
	}
	return out, next, nil
}

// Claim atomically selects the next eligible row with FOR UPDATE SKIP
// LOCKED and flips it to running, stamping lease metadata and incrementing
// attempt. The xyn.run.started event commits in the same transaction.
func (s *PGStore) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (model.Run, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, false, xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		with c as (
			select id from runs
			where status = 'queued' and run_at <= now()
			order by priority asc, run_at asc, queued_at asc, created_at asc
			for update skip locked
			limit 1
		)
		update runs
		set status = 'running',
		    locked_at = now(),
		    locked_by = $1,
		    lease_expires_at = now() + $2::interval,
		    started_at = coalesce(started_at, now()),
		    attempt = attempt + 1,
		    updated_at = now()
		from c where runs.id = c.id
		returning runs.id, runs.name, runs.blueprint_ref, runs.status, runs.run_at, runs.priority,
			runs.attempt, runs.max_attempts, runs.queued_at, runs.locked_at, runs.locked_by,
			runs.lease_expires_at, runs.started_at, runs.completed_at, runs.actor,
			runs.correlation_id, runs.inputs, runs.outputs, runs.error, runs.parent_run_id,
			runs.created_at, runs.updated_at
	`, workerID, fmt.Sprintf("%d seconds", int(leaseDuration.Seconds())))

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, false, nil
	}
	if err != nil {
		return model.Run{}, false, xynerr.Wrap(xynerr.KindTransientDBError, "claim", err)
	}

	wasReclaimed := run.Attempt > 1
	data := map[string]any{}
	if wasReclaimed {
		data["reclaimed"] = true
	}
	if _, err := tx.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
		values ($1, 'xyn.run.started', now(), $2, $3, $4)
	`, uuid.New(), run.CorrelationID, run.ID, events.MarshalData(data)); err != nil {
		return model.Run{}, false, xynerr.Wrap(xynerr.KindTransientDBError, "emit run started", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Run{}, false, xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return run, wasReclaimed, nil
}

func (s *PGStore) RenewLease(ctx context.Context, runID uuid.UUID, workerID string, leaseDuration time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		update runs
		set lease_expires_at = now() + $1::interval, updated_at = now()
		where id = $2 and locked_by = $3 and status = 'running'
	`, fmt.Sprintf("%d seconds", int(leaseDuration.Seconds())), runID, workerID)
	if err != nil {
		return false, xynerr.Wrap(xynerr.KindTransientDBError, "renew lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xynerr.Wrap(xynerr.KindTransientDBError, "renew lease rows affected", err)
	}
	return n > 0, nil
}

// ReclaimExpired implements the reclaim sweep: any running row whose lease
// has expired goes back to queued, attempt unchanged (already incremented
// at claim time), and xyn.run.reclaimed is emitted for each.
func (s *PGStore) ReclaimExpired(ctx context.Context) ([]uuid.UUID, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		update runs
		set status = 'queued', locked_by = null, lease_expires_at = null, updated_at = now()
		where status = 'running' and lease_expires_at < now()
		returning id, correlation_id
	`)
	if err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "reclaim expired", err)
	}

	var ids, correlations []uuid.UUID
	for rows.Next() {
		var id, corr uuid.UUID
		if err := rows.Scan(&id, &corr); err != nil {
			rows.Close()
			return nil, xynerr.Wrap(xynerr.KindTransientDBError, "scan reclaimed", err)
		}
		ids = append(ids, id)
		correlations = append(correlations, corr)
	}
	if err := rows.Close(); err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "reclaim expired", err)
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
			values ($1, 'xyn.run.reclaimed', now(), $2, $3, '{}'::jsonb)
		`, uuid.New(), correlations[i], id); err != nil {
			return nil, xynerr.Wrap(xynerr.KindTransientDBError, "emit reclaimed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return ids, nil
}

func (s *PGStore) CompleteRun(ctx context.Context, runID uuid.UUID, outputs []byte) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var correlationID uuid.UUID
	if err := tx.QueryRowContext(ctx, `
		update runs
		set status = 'completed', outputs = $1, completed_at = now(),
		    locked_by = null, lease_expires_at = null, updated_at = now()
		where id = $2
		returning correlation_id
	`, jsonOrEmpty(outputs), runID).Scan(&correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xynerr.NotFound("run", runID.String())
		}
		return xynerr.Wrap(xynerr.KindTransientDBError, "complete run", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
		values ($1, 'xyn.run.completed', now(), $2, $3, '{}'::jsonb)
	`, uuid.New(), correlationID, runID); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "emit run completed", err)
	}
	if err := tx.Commit(); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return nil
}

func (s *PGStore) FailRunTerminal(ctx context.Context, runID uuid.UUID, errPayload []byte) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var correlationID uuid.UUID
	if err := tx.QueryRowContext(ctx, `
		update runs
		set status = 'failed', error = $1, completed_at = now(),
		    locked_by = null, lease_expires_at = null, updated_at = now()
		where id = $2
		returning correlation_id
	`, jsonOrEmpty(errPayload), runID).Scan(&correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xynerr.NotFound("run", runID.String())
		}
		return xynerr.Wrap(xynerr.KindTransientDBError, "fail run", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
		values ($1, 'xyn.run.failed', now(), $2, $3, '{}'::jsonb)
	`, uuid.New(), correlationID, runID); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "emit run failed", err)
	}
	if err := tx.Commit(); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return nil
}

func (s *PGStore) FailRunRetry(ctx context.Context, runID uuid.UUID, runAt time.Time, errPayload []byte) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var correlationID uuid.UUID
	if err := tx.QueryRowContext(ctx, `
		update runs
		set status = 'queued', run_at = $1, error = $2,
		    locked_by = null, lease_expires_at = null, updated_at = now()
		where id = $3
		returning correlation_id
	`, runAt, jsonOrEmpty(errPayload), runID).Scan(&correlationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xynerr.NotFound("run", runID.String())
		}
		return xynerr.Wrap(xynerr.KindTransientDBError, "schedule retry", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
		values ($1, 'xyn.run.retry_scheduled', now(), $2, $3, '{}'::jsonb)
	`, uuid.New(), correlationID, runID); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "emit retry scheduled", err)
	}
	if err := tx.Commit(); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return nil
}

func (s *PGStore) CancelRun(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		select id, name, blueprint_ref, status, run_at, priority, attempt, max_attempts,
			queued_at, locked_at, locked_by, lease_expires_at, started_at, completed_at,
			actor, correlation_id, inputs, outputs, error, parent_run_id, created_at, updated_at
		from runs where id = $1 for update
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, xynerr.NotFound("run", runID.String())
	}
	if err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "lock run", err)
	}

	switch run.Status {
	case model.RunQueued:
		if _, err := tx.ExecContext(ctx, `
			update runs set status = 'cancelled', completed_at = now(), updated_at = now() where id = $1
		`, runID); err != nil {
			return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "cancel queued run", err)
		}
		run.Status = model.RunCancelled
		if _, err := tx.ExecContext(ctx, `
			insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
			values ($1, 'xyn.run.cancelled', now(), $2, $3, '{}'::jsonb)
		`, uuid.New(), run.CorrelationID, runID); err != nil {
			return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "emit run cancelled", err)
		}
	case model.RunRunning:
		if _, err := tx.ExecContext(ctx, `
			update runs set error = $1, updated_at = now() where id = $2
		`, events.MarshalData(map[string]any{"cancel_requested": true}), runID); err != nil {
			return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "flag cancel requested", err)
		}
	default:
		// terminal already: idempotent no-op
	}

	if err := tx.Commit(); err != nil {
		return model.Run{}, xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return run, nil
}

// FinalizeCancelledRun transitions a running run whose cooperative cancel
// flag the executor has observed into the cancelled terminal state,
// distinct from CancelRun's request-to-cancel semantics.
func (s *PGStore) FinalizeCancelledRun(ctx context.Context, runID uuid.UUID) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var correlationID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		update runs
		set status = 'cancelled', completed_at = now(),
		    locked_by = null, lease_expires_at = null, updated_at = now()
		where id = $1 and status = 'running'
		returning correlation_id
	`, runID).Scan(&correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.Commit() // already finalized or not running; idempotent no-op
	}
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "finalize cancelled run", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, data)
		values ($1, 'xyn.run.cancelled', now(), $2, $3, '{}'::jsonb)
	`, uuid.New(), correlationID, runID); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "emit run cancelled", err)
	}
	if err := tx.Commit(); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return nil
}

func (s *PGStore) CreateStep(ctx context.Context, step model.Step) (model.Step, error) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.Status == "" {
		step.Status = model.StepCreated
	}
	row := s.DB.QueryRowContext(ctx, `
		insert into steps (id, run_id, idx, kind, status, inputs)
		values ($1,$2,$3,$4,$5,$6)
		returning id, run_id, idx, kind, status, inputs, outputs, error, started_at, completed_at,
			logs_artifact_id, created_at, updated_at
	`, step.ID, step.RunID, step.Idx, step.Kind, step.Status, jsonOrEmpty(step.Inputs))
	created, err := scanStep(row)
	if err != nil {
		return model.Step{}, xynerr.Wrap(xynerr.KindTransientDBError, "insert step", err)
	}
	return created, nil
}

func (s *PGStore) UpdateStep(ctx context.Context, step model.Step) error {
	_, err := s.DB.ExecContext(ctx, `
		update steps
		set status = $1, outputs = $2, error = $3, started_at = $4, completed_at = $5,
		    logs_artifact_id = $6, updated_at = now()
		where id = $7
	`, step.Status, jsonOrEmpty(step.Outputs), jsonOrEmpty(step.Error), step.StartedAt, step.CompletedAt,
		nullableUUID(step.LogsArtifactID), step.ID)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "update step", err)
	}
	return nil
}

func (s *PGStore) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
		select id, run_id, idx, kind, status, inputs, outputs, error, started_at, completed_at,
			logs_artifact_id, created_at, updated_at
		from steps where run_id = $1 order by idx asc
	`, runID)
	if err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "list steps", err)
	}
	defer rows.Close()
	var out []model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, xynerr.Wrap(xynerr.KindTransientDBError, "scan step", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PGStore) ListEventsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]model.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		select id, event_name, occurred_at, correlation_id, run_id, step_id, data, resource_ref
		from events where correlation_id = $1
		order by occurred_at asc, id asc
	`, correlationID)
	if err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "list events", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, xynerr.Wrap(xynerr.KindTransientDBError, "scan event", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEvent fetches one event by id.
func (s *PGStore) GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error) {
	row := s.DB.QueryRowContext(ctx, `
		select id, event_name, occurred_at, correlation_id, run_id, step_id, data, resource_ref
		from events where id = $1
	`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, xynerr.NotFound("event", id.String())
	}
	if err != nil {
		return model.Event{}, xynerr.Wrap(xynerr.KindTransientDBError, "get event", err)
	}
	return e, nil
}

// ListEvents returns events newest-first, optionally filtered by
// event_name/run_id/correlation_id, cursor-paginated on id.
func (s *PGStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, string, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any
	n := 1
	if filter.EventName != "" {
		where = append(where, fmt.Sprintf("event_name = $%d", n))
		args = append(args, filter.EventName)
		n++
	}
	if filter.RunID != nil {
		where = append(where, fmt.Sprintf("run_id = $%d", n))
		args = append(args, *filter.RunID)
		n++
	}
	if filter.CorrelationID != nil {
		where = append(where, fmt.Sprintf("correlation_id = $%d", n))
		args = append(args, *filter.CorrelationID)
		n++
	}
	if filter.Cursor != "" {
		if cursorID, err := uuid.Parse(filter.Cursor); err == nil {
			where = append(where, fmt.Sprintf(
				"(occurred_at, id) < (select occurred_at, id from events where id = $%d)", n))
			args = append(args, cursorID)
			n++
		}
	}

	query := `
		select id, event_name, occurred_at, correlation_id, run_id, step_id, data, resource_ref
		from events`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by occurred_at desc, id desc limit $%d", n)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", xynerr.Wrap(xynerr.KindTransientDBError, "list events", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, "", xynerr.Wrap(xynerr.KindTransientDBError, "scan event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", xynerr.Wrap(xynerr.KindTransientDBError, "list events", err)
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID.String()
	}
	return out, next, nil
}

func (s *PGStore) CreateArtifact(ctx context.Context, artifact model.Artifact) (model.Artifact, error) {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Artifact{}, xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into artifacts (id, sha256, name, kind, content_type, byte_length, creator, run_id, step_id, metadata, storage_path)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		returning id, sha256, name, kind, content_type, byte_length, creator, run_id, step_id, metadata, storage_path, created_at
	`, artifact.ID, artifact.SHA256, artifact.Name, artifact.Kind, artifact.ContentType, artifact.ByteLength,
		artifact.Creator, nullableUUID(artifact.RunID), nullableUUID(artifact.StepID), jsonOrEmpty(artifact.Metadata), artifact.StoragePath)

	created, err := scanArtifact(row)
	if err != nil {
		return model.Artifact{}, xynerr.Wrap(xynerr.KindTransientDBError, "insert artifact", err)
	}

	correlationID := created.ID
	if created.RunID != nil {
		if err := tx.QueryRowContext(ctx, `select correlation_id from runs where id = $1`, *created.RunID).Scan(&correlationID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return model.Artifact{}, xynerr.Wrap(xynerr.KindTransientDBError, "resolve artifact correlation", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into events (id, event_name, occurred_at, correlation_id, run_id, step_id, data)
		values ($1, 'xyn.artifact.attached', now(), $2, $3, $4, $5)
	`, uuid.New(), correlationID, nullableUUID(created.RunID), nullableUUID(created.StepID),
		events.MarshalData(map[string]any{"artifact_id": created.ID.String(), "name": created.Name})); err != nil {
		return model.Artifact{}, xynerr.Wrap(xynerr.KindTransientDBError, "emit artifact attached", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Artifact{}, xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return created, nil
}

func (s *PGStore) GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error) {
	row := s.DB.QueryRowContext(ctx, `
		select id, sha256, name, kind, content_type, byte_length, creator, run_id, step_id, metadata, storage_path, created_at
		from artifacts where id = $1
	`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Artifact{}, xynerr.NotFound("artifact", id.String())
	}
	if err != nil {
		return model.Artifact{}, xynerr.Wrap(xynerr.KindTransientDBError, "get artifact", err)
	}
	return a, nil
}

func (s *PGStore) GetPackByRef(ctx context.Context, packRef string) (model.Pack, error) {
	var p model.Pack
	var manifestRaw []byte
	var deps pq.StringArray
	err := s.DB.QueryRowContext(ctx, `
		select id, pack_ref, version, manifest, pack_type, dependencies, created_at
		from packs where pack_ref = $1
	`, packRef).Scan(&p.ID, &p.PackRef, &p.Version, &manifestRaw, &p.PackType, &deps, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Pack{}, xynerr.NotFound("pack", packRef)
	}
	if err != nil {
		return model.Pack{}, xynerr.Wrap(xynerr.KindTransientDBError, "get pack", err)
	}
	p.Dependencies = deps
	_ = decodeJSON(manifestRaw, &p.Manifest)
	return p, nil
}

// ClaimInstallation performs the idempotent insert of step 2 of the
// pack-install state machine: on conflict (pack_ref, env_id) do nothing,
// re-reading the existing row when no insert happened.
func (s *PGStore) ClaimInstallation(ctx context.Context, installation model.PackInstallation) (model.PackInstallation, bool, error) {
	if installation.ID == uuid.Nil {
		installation.ID = uuid.New()
	}
	row := s.DB.QueryRowContext(ctx, `
		insert into pack_installations
			(id, pack_id, pack_ref, env_id, status, schema_mode, schema_name,
			 migration_provider, installed_by_run_id)
		values ($1,$2,$3,$4,'installing',$5,$6,$7,$8)
		on conflict (pack_ref, env_id) do nothing
		returning id, pack_id, pack_ref, env_id, status, schema_mode, schema_name,
			migration_provider, installed_version, migration_state, installed_at,
			installed_by_run_id, updated_by_run_id, error, last_error_at, created_at, updated_at
	`, installation.ID, installation.PackID, installation.PackRef, installation.EnvID,
		installation.SchemaMode, installation.SchemaName, installation.MigrationProvider,
		nullableUUID(installation.InstalledByRunID))

	created, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetInstallation(ctx, installation.PackRef, installation.EnvID)
		if getErr != nil {
			return model.PackInstallation{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return model.PackInstallation{}, false, xynerr.Wrap(xynerr.KindTransientDBError, "claim installation", err)
	}
	return created, true, nil
}

func (s *PGStore) GetInstallation(ctx context.Context, packRef, envID string) (model.PackInstallation, error) {
	row := s.DB.QueryRowContext(ctx, `
		select id, pack_id, pack_ref, env_id, status, schema_mode, schema_name,
			migration_provider, installed_version, migration_state, installed_at,
			installed_by_run_id, updated_by_run_id, error, last_error_at, created_at, updated_at
		from pack_installations where pack_ref = $1 and env_id = $2
	`, packRef, envID)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PackInstallation{}, xynerr.NotFound("pack_installation", packRef+"/"+envID)
	}
	if err != nil {
		return model.PackInstallation{}, xynerr.Wrap(xynerr.KindTransientDBError, "get installation", err)
	}
	return inst, nil
}

func (s *PGStore) UpdateInstallationMigrationState(ctx context.Context, id uuid.UUID, migrationID string) error {
	_, err := s.DB.ExecContext(ctx, `
		update pack_installations set migration_state = $1, updated_at = now() where id = $2
	`, migrationID, id)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "update migration state", err)
	}
	return nil
}

// FinalizeInstallation implements step 5 of the pack-install state machine:
// row-locked ownership check, idempotency short-circuit, then the status
// flip the database's own check constraint also enforces.
func (s *PGStore) FinalizeInstallation(ctx context.Context, id uuid.UUID, runID uuid.UUID, version string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status model.InstallationStatus
	var installedByRunID sql.NullString
	if err := tx.QueryRowContext(ctx, `
		select status, installed_by_run_id from pack_installations where id = $1 for update
	`, id).Scan(&status, &installedByRunID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xynerr.NotFound("pack_installation", id.String())
		}
		return xynerr.Wrap(xynerr.KindTransientDBError, "lock installation", err)
	}

	if status == model.InstallationInstalled {
		return tx.Commit() // idempotent: already finalized by this run
	}
	if !installedByRunID.Valid || installedByRunID.String != runID.String() {
		return xynerr.New(xynerr.KindOwnershipViolation, "installation not owned by this run")
	}

	if _, err := tx.ExecContext(ctx, `
		update pack_installations
		set status = 'installed', error = null, installed_at = now(), installed_version = $1, updated_at = now()
		where id = $2
	`, version, id); err != nil {
		return xynerr.Wrap(xynerr.KindInvariantViolation, "finalize installation", err)
	}

	if err := tx.Commit(); err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "commit", err)
	}
	return nil
}

func (s *PGStore) FailInstallation(ctx context.Context, id uuid.UUID, errPayload []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		update pack_installations
		set status = 'failed', error = $1, last_error_at = now(), updated_at = now()
		where id = $2
	`, jsonOrEmpty(errPayload), id)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "fail installation", err)
	}
	return nil
}

func (s *PGStore) CreateRunEdge(ctx context.Context, edge model.RunEdge) error {
	_, err := s.DB.ExecContext(ctx, `
		insert into run_edges (parent_run_id, child_run_id, relation, child_key)
		values ($1,$2,$3,$4)
		on conflict do nothing
	`, edge.ParentRunID, edge.ChildRunID, edge.Relation, edge.ChildKey)
	if err != nil {
		return xynerr.Wrap(xynerr.KindTransientDBError, "create run edge", err)
	}
	return nil
}

func (s *PGStore) QueueDepthByStatus(ctx context.Context) (map[model.RunStatus]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `select status, count(*) from runs group by status`)
	if err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "queue depth", err)
	}
	defer rows.Close()
	out := make(map[model.RunStatus]int64)
	for rows.Next() {
		var status model.RunStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, xynerr.Wrap(xynerr.KindTransientDBError, "scan queue depth", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func (s *PGStore) QueueReadyDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		select count(*) from runs where status = 'queued' and run_at <= now()
	`).Scan(&n)
	if err != nil {
		return 0, xynerr.Wrap(xynerr.KindTransientDBError, "queue ready depth", err)
	}
	return n, nil
}

func (s *PGStore) QueueFutureDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		select count(*) from runs where status = 'queued' and run_at > now()
	`).Scan(&n)
	if err != nil {
		return 0, xynerr.Wrap(xynerr.KindTransientDBError, "queue future depth", err)
	}
	return n, nil
}

func (s *PGStore) QueueOldestReadySeconds(ctx context.Context) (float64, error) {
	var seconds sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
		select extract(epoch from (now() - min(queued_at)))
		from runs where status = 'queued' and run_at <= now()
	`).Scan(&seconds)
	if err != nil {
		return 0, xynerr.Wrap(xynerr.KindTransientDBError, "queue oldest ready seconds", err)
	}
	if !seconds.Valid {
		return 0, nil
	}
	return seconds.Float64, nil
}

func (s *PGStore) RunningWithExpiredLease(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		select count(*) from runs where status = 'running' and lease_expires_at < now()
	`).Scan(&n)
	if err != nil {
		return 0, xynerr.Wrap(xynerr.KindTransientDBError, "running with expired lease", err)
	}
	return n, nil
}

func (s *PGStore) RunningWithActiveLease(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		select count(*) from runs where status = 'running' and lease_expires_at >= now()
	`).Scan(&n)
	if err != nil {
		return 0, xynerr.Wrap(xynerr.KindTransientDBError, "running with active lease", err)
	}
	return n, nil
}

var _ Store = (*PGStore)(nil)
