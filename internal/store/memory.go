package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/events"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/xynerr"
)

// InMemoryStore is a non-durable Store for tests and for local development
// without DATABASE_URL set.
type InMemoryStore struct {
	mu            sync.Mutex
	runs          map[uuid.UUID]model.Run
	steps         map[uuid.UUID]model.Step
	events        []model.Event
	artifacts     map[uuid.UUID]model.Artifact
	packs         map[string]model.Pack
	installations map[string]model.PackInstallation // key: packRef + "/" + envID
	edges         []model.RunEdge
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:          make(map[uuid.UUID]model.Run),
		steps:         make(map[uuid.UUID]model.Step),
		artifacts:     make(map[uuid.UUID]model.Artifact),
		packs:         make(map[string]model.Pack),
		installations: make(map[string]model.PackInstallation),
	}
}

// SeedPack registers a pack definition for tests that install it.
func (s *InMemoryStore) SeedPack(p model.Pack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs[p.PackRef] = p
}

func (s *InMemoryStore) Emit(_ context.Context, e events.Emission) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(e), nil
}

// emitLocked appends an event row and must be called with s.mu already
// held, mirroring the way the postgres store writes an entity and its
// event in the same transaction.
func (s *InMemoryStore) emitLocked(e events.Emission) uuid.UUID {
	id := uuid.New()
	s.events = append(s.events, model.Event{
		ID:            id,
		EventName:     e.EventName,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: e.CorrelationID,
		RunID:         e.RunID,
		StepID:        e.StepID,
		Data:          events.MarshalData(e.Data),
		ResourceRef:   e.ResourceRef,
	})
	return id
}

func (s *InMemoryStore) CreateRun(_ context.Context, run model.Run) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if run.QueuedAt.IsZero() {
		run.QueuedAt = now
	}
	if run.RunAt.IsZero() {
		run.RunAt = now
	}
	if run.CorrelationID == uuid.Nil {
		run.CorrelationID = run.ID
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = run
	s.emitLocked(events.Emission{EventName: events.RunCreated, CorrelationID: run.CorrelationID, RunID: &run.ID})
	return run, nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, xynerr.NotFound("run", id.String())
	}
	return run, nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Run
	for _, r := range s.runs {
		if filter.Status.Set && r.Status != filter.Status.Value {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	start := 0
	if filter.Cursor != "" {
		for i, r := range all {
			if r.ID.String() == filter.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	page := all[start:end]

	next := ""
	if end < len(all) {
		next = page[len(page)-1].ID.String()
	}
	return page, next, nil
}

// Claim implements the priority/run_at/queued_at/created_at tie-break over
// the in-memory map, mirroring the SKIP LOCKED SQL's semantics.
func (s *InMemoryStore) Claim(_ context.Context, workerID string, leaseDuration time.Duration) (model.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []model.Run
	for _, r := range s.runs {
		if r.Status == model.RunQueued && !r.RunAt.After(now) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return model.Run{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	run := candidates[0]
	wasReclaimed := run.Attempt > 0
	run.Status = model.RunRunning
	run.LockedAt = &now
	lockedBy := workerID
	run.LockedBy = &lockedBy
	leaseExp := now.Add(leaseDuration)
	run.LeaseExpires = &leaseExp
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.Attempt++
	run.UpdatedAt = now
	s.runs[run.ID] = run

	data := map[string]any{}
	if wasReclaimed {
		data["reclaimed"] = true
	}
	s.emitLocked(events.Emission{EventName: events.RunStarted, CorrelationID: run.CorrelationID, RunID: &run.ID, Data: data})
	return run, wasReclaimed, nil
}

func (s *InMemoryStore) RenewLease(_ context.Context, runID uuid.UUID, workerID string, leaseDuration time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != model.RunRunning || run.LockedBy == nil || *run.LockedBy != workerID {
		return false, nil
	}
	now := time.Now().UTC()
	leaseExp := now.Add(leaseDuration)
	run.LeaseExpires = &leaseExp
	run.UpdatedAt = now
	s.runs[runID] = run
	return true, nil
}

func (s *InMemoryStore) ReclaimExpired(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var reclaimed []uuid.UUID
	for id, run := range s.runs {
		if run.Status == model.RunRunning && run.LeaseExpires != nil && run.LeaseExpires.Before(now) {
			run.Status = model.RunQueued
			run.LockedBy = nil
			run.LeaseExpires = nil
			run.UpdatedAt = now
			s.runs[id] = run
			s.emitLocked(events.Emission{EventName: events.RunReclaimed, CorrelationID: run.CorrelationID, RunID: &run.ID})
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

func (s *InMemoryStore) CompleteRun(_ context.Context, runID uuid.UUID, outputs []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return xynerr.NotFound("run", runID.String())
	}
	now := time.Now().UTC()
	run.Status = model.RunCompleted
	run.Outputs = outputs
	run.CompletedAt = &now
	run.LockedBy = nil
	run.LeaseExpires = nil
	run.UpdatedAt = now
	s.runs[runID] = run
	s.emitLocked(events.Emission{EventName: events.RunCompleted, CorrelationID: run.CorrelationID, RunID: &runID})
	return nil
}

func (s *InMemoryStore) FailRunTerminal(_ context.Context, runID uuid.UUID, errPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return xynerr.NotFound("run", runID.String())
	}
	now := time.Now().UTC()
	run.Status = model.RunFailed
	run.Error = errPayload
	run.CompletedAt = &now
	run.LockedBy = nil
	run.LeaseExpires = nil
	run.UpdatedAt = now
	s.runs[runID] = run
	s.emitLocked(events.Emission{EventName: events.RunFailed, CorrelationID: run.CorrelationID, RunID: &runID})
	return nil
}

func (s *InMemoryStore) FailRunRetry(_ context.Context, runID uuid.UUID, runAt time.Time, errPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return xynerr.NotFound("run", runID.String())
	}
	now := time.Now().UTC()
	run.Status = model.RunQueued
	run.RunAt = runAt
	run.Error = errPayload
	run.LockedBy = nil
	run.LeaseExpires = nil
	run.UpdatedAt = now
	s.runs[runID] = run
	s.emitLocked(events.Emission{EventName: events.RunRetryScheduled, CorrelationID: run.CorrelationID, RunID: &runID})
	return nil
}

func (s *InMemoryStore) CancelRun(_ context.Context, runID uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return model.Run{}, xynerr.NotFound("run", runID.String())
	}
	now := time.Now().UTC()
	switch run.Status {
	case model.RunQueued:
		run.Status = model.RunCancelled
		run.CompletedAt = &now
		run.UpdatedAt = now
		s.runs[runID] = run
		s.emitLocked(events.Emission{EventName: events.RunCancelled, CorrelationID: run.CorrelationID, RunID: &runID})
	case model.RunRunning:
		run.Error = events.MarshalData(map[string]any{"cancel_requested": true})
		run.UpdatedAt = now
		s.runs[runID] = run
	default:
		// already terminal; idempotent no-op
	}
	return run, nil
}

// FinalizeCancelledRun transitions a running run whose cooperative
// cancel flag the executor has observed into the cancelled terminal
// state, distinct from CancelRun's request-to-cancel semantics.
func (s *InMemoryStore) FinalizeCancelledRun(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return xynerr.NotFound("run", runID.String())
	}
	if run.Status != model.RunRunning {
		return nil
	}
	now := time.Now().UTC()
	run.Status = model.RunCancelled
	run.CompletedAt = &now
	run.LockedBy = nil
	run.LeaseExpires = nil
	run.UpdatedAt = now
	s.runs[runID] = run
	s.emitLocked(events.Emission{EventName: events.RunCancelled, CorrelationID: run.CorrelationID, RunID: &runID})
	return nil
}

func (s *InMemoryStore) CreateStep(_ context.Context, step model.Step) (model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.Status == "" {
		step.Status = model.StepCreated
	}
	step.CreatedAt = now
	step.UpdatedAt = now
	s.steps[step.ID] = step
	return step, nil
}

func (s *InMemoryStore) UpdateStep(_ context.Context, step model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[step.ID]; !ok {
		return xynerr.NotFound("step", step.ID.String())
	}
	step.UpdatedAt = time.Now().UTC()
	s.steps[step.ID] = step
	return nil
}

func (s *InMemoryStore) ListSteps(_ context.Context, runID uuid.UUID) ([]model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Step
	for _, st := range s.steps {
		if st.RunID == runID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

func (s *InMemoryStore) ListEventsByCorrelation(_ context.Context, correlationID uuid.UUID) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *InMemoryStore) GetEvent(_ context.Context, id uuid.UUID) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			return e, nil
		}
	}
	return model.Event{}, xynerr.NotFound("event", id.String())
}

// ListEvents returns events newest-first, matching the HTTP surface's
// "Ordered newest-first" contract for GET /events.
func (s *InMemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]model.Event, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Event
	for _, e := range s.events {
		if filter.EventName != "" && e.EventName != filter.EventName {
			continue
		}
		if filter.RunID != nil && (e.RunID == nil || *e.RunID != *filter.RunID) {
			continue
		}
		if filter.CorrelationID != nil && e.CorrelationID != *filter.CorrelationID {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].OccurredAt.After(all[j].OccurredAt)
		}
		return all[i].ID.String() > all[j].ID.String()
	})

	start := 0
	if filter.Cursor != "" {
		for i, e := range all {
			if e.ID.String() == filter.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	page := all[start:end]

	next := ""
	if end < len(all) {
		next = page[len(page)-1].ID.String()
	}
	return page, next, nil
}

func (s *InMemoryStore) CreateArtifact(_ context.Context, artifact model.Artifact) (model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	s.artifacts[artifact.ID] = artifact

	correlationID := artifact.ID
	if artifact.RunID != nil {
		if run, ok := s.runs[*artifact.RunID]; ok {
			correlationID = run.CorrelationID
		}
	}
	s.emitLocked(events.Emission{
		EventName: events.ArtifactAttached, CorrelationID: correlationID,
		RunID: artifact.RunID, StepID: artifact.StepID,
		Data: map[string]any{"artifact_id": artifact.ID.String(), "name": artifact.Name},
	})
	return artifact, nil
}

func (s *InMemoryStore) GetArtifact(_ context.Context, id uuid.UUID) (model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return model.Artifact{}, xynerr.NotFound("artifact", id.String())
	}
	return a, nil
}

func (s *InMemoryStore) GetPackByRef(_ context.Context, packRef string) (model.Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[packRef]
	if !ok {
		return model.Pack{}, xynerr.NotFound("pack", packRef)
	}
	return p, nil
}

func installationKey(packRef, envID string) string { return packRef + "/" + envID }

func (s *InMemoryStore) ClaimInstallation(_ context.Context, installation model.PackInstallation) (model.PackInstallation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := installationKey(installation.PackRef, installation.EnvID)
	if existing, ok := s.installations[key]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	if installation.ID == uuid.Nil {
		installation.ID = uuid.New()
	}
	installation.Status = model.InstallationInstalling
	installation.CreatedAt = now
	installation.UpdatedAt = now
	s.installations[key] = installation
	return installation, true, nil
}

func (s *InMemoryStore) GetInstallation(_ context.Context, packRef, envID string) (model.PackInstallation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[installationKey(packRef, envID)]
	if !ok {
		return model.PackInstallation{}, xynerr.NotFound("pack_installation", installationKey(packRef, envID))
	}
	return inst, nil
}

func (s *InMemoryStore) UpdateInstallationMigrationState(_ context.Context, id uuid.UUID, migrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, inst := range s.installations {
		if inst.ID == id {
			inst.MigrationState = migrationID
			inst.UpdatedAt = time.Now().UTC()
			s.installations[key] = inst
			return nil
		}
	}
	return xynerr.NotFound("pack_installation", id.String())
}

func (s *InMemoryStore) FinalizeInstallation(_ context.Context, id uuid.UUID, runID uuid.UUID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, inst := range s.installations {
		if inst.ID != id {
			continue
		}
		if inst.Status == model.InstallationInstalled {
			return nil // idempotent: another attempt by this run already finished
		}
		if inst.InstalledByRunID == nil || *inst.InstalledByRunID != runID {
			return xynerr.New(xynerr.KindOwnershipViolation, "installation not owned by this run")
		}
		now := time.Now().UTC()
		inst.Status = model.InstallationInstalled
		inst.Error = nil
		inst.InstalledAt = &now
		inst.InstalledVersion = version
		inst.UpdatedAt = now
		s.installations[key] = inst
		return nil
	}
	return xynerr.NotFound("pack_installation", id.String())
}

func (s *InMemoryStore) FailInstallation(_ context.Context, id uuid.UUID, errPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, inst := range s.installations {
		if inst.ID != id {
			continue
		}
		now := time.Now().UTC()
		inst.Status = model.InstallationFailed
		inst.Error = errPayload
		inst.LastErrorAt = &now
		inst.UpdatedAt = now
		s.installations[key] = inst
		return nil
	}
	return xynerr.NotFound("pack_installation", id.String())
}

func (s *InMemoryStore) CreateRunEdge(_ context.Context, edge model.RunEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if edge.ChildKey != nil {
		for _, e := range s.edges {
			if e.ParentRunID == edge.ParentRunID && e.ChildKey != nil && *e.ChildKey == *edge.ChildKey {
				return nil // idempotent spawn
			}
		}
	}
	edge.CreatedAt = time.Now().UTC()
	s.edges = append(s.edges, edge)
	return nil
}

// RunEdges returns the edges out of parentID, for tests and diagnostics.
func (s *InMemoryStore) RunEdges(parentID uuid.UUID) []model.RunEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RunEdge
	for _, e := range s.edges {
		if e.ParentRunID == parentID {
			out = append(out, e)
		}
	}
	return out
}

func (s *InMemoryStore) QueueDepthByStatus(_ context.Context) (map[model.RunStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.RunStatus]int64)
	for _, r := range s.runs {
		out[r.Status]++
	}
	return out, nil
}

func (s *InMemoryStore) QueueReadyDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, r := range s.runs {
		if r.Status == model.RunQueued && !r.RunAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) QueueFutureDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, r := range s.runs {
		if r.Status == model.RunQueued && r.RunAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) QueueOldestReadySeconds(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var oldest *time.Time
	for _, r := range s.runs {
		if r.Status != model.RunQueued || r.RunAt.After(now) {
			continue
		}
		if oldest == nil || r.QueuedAt.Before(*oldest) {
			qa := r.QueuedAt
			oldest = &qa
		}
	}
	if oldest == nil {
		return 0, nil
	}
	return now.Sub(*oldest).Seconds(), nil
}

func (s *InMemoryStore) RunningWithExpiredLease(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, r := range s.runs {
		if r.Status == model.RunRunning && r.LeaseExpires != nil && r.LeaseExpires.Before(now) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RunningWithActiveLease(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, r := range s.runs {
		if r.Status == model.RunRunning && r.LeaseExpires != nil && !r.LeaseExpires.Before(now) {
			n++
		}
	}
	return n, nil
}

var _ Store = (*InMemoryStore)(nil)
