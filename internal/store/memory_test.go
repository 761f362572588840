package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xynlabs/xyn/internal/events"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/store"
)

func TestInMemoryStoreCreateRunEmitsRunCreated(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	corr := uuid.New()

	created, err := s.CreateRun(ctx, model.Run{Name: "r1", CorrelationID: corr})
	require.NoError(t, err)
	require.Equal(t, model.RunQueued, created.Status)

	evs, _, err := s.ListEvents(ctx, store.EventFilter{CorrelationID: &corr})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, events.RunCreated, evs[0].EventName)
}

func TestInMemoryStoreClaimOrdersByPriority(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	low, err := s.CreateRun(ctx, model.Run{Name: "low", Priority: 10, RunAt: now, CorrelationID: uuid.New()})
	require.NoError(t, err)
	high, err := s.CreateRun(ctx, model.Run{Name: "high", Priority: 1, RunAt: now, CorrelationID: uuid.New()})
	require.NoError(t, err)
	_ = low

	claimed, ok, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, high.ID, claimed.ID)
	require.Equal(t, model.RunRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempt)
}

func TestInMemoryStoreClaimSkipsFutureRunAt(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	_, err := s.CreateRun(ctx, model.Run{Name: "future", RunAt: time.Now().Add(time.Hour), CorrelationID: uuid.New()})
	require.NoError(t, err)

	_, ok, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryStoreReclaimExpiredRequeues(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.Run{Name: "r1", CorrelationID: uuid.New()})
	require.NoError(t, err)

	_, ok, err := s.Claim(ctx, "w1", -time.Second) // already-expired lease
	require.NoError(t, err)
	require.True(t, ok)

	reclaimed, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{run.ID}, reclaimed)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunQueued, got.Status)
	require.Nil(t, got.LockedBy)
}

func TestInMemoryStoreCancelQueuedRunIsImmediate(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.Run{Name: "r1", CorrelationID: uuid.New()})
	require.NoError(t, err)

	cancelled, err := s.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	evs, _, err := s.ListEvents(ctx, store.EventFilter{RunID: &run.ID, EventName: events.RunCancelled})
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestInMemoryStoreCancelRunningRunOnlyFlagsCooperatively(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.Run{Name: "r1", CorrelationID: uuid.New()})
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	flagged, err := s.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunRunning, flagged.Status)
	require.True(t, flagged.CancelRequested())

	// no xyn.run.cancelled event yet: cooperative cancel only finalizes
	// once the executor observes the flag via FinalizeCancelledRun.
	evs, _, err := s.ListEvents(ctx, store.EventFilter{RunID: &run.ID, EventName: events.RunCancelled})
	require.NoError(t, err)
	require.Len(t, evs, 0)
}

func TestInMemoryStoreFinalizeCancelledRun(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.Run{Name: "r1", CorrelationID: uuid.New()})
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, s.FinalizeCancelledRun(ctx, run.ID))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Nil(t, got.LockedBy)

	evs, _, err := s.ListEvents(ctx, store.EventFilter{RunID: &run.ID, EventName: events.RunCancelled})
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestInMemoryStoreFinalizeCancelledRunIsIdempotentOnNonRunning(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, model.Run{Name: "r1", CorrelationID: uuid.New()})
	require.NoError(t, err)

	// never claimed, so still queued: FinalizeCancelledRun is a no-op.
	require.NoError(t, s.FinalizeCancelledRun(ctx, run.ID))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunQueued, got.Status)
}

func TestInMemoryStoreRunningWithLeaseGauges(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	fresh, err := s.CreateRun(ctx, model.Run{Name: "fresh", CorrelationID: uuid.New()})
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_ = fresh

	expiring, err := s.CreateRun(ctx, model.Run{Name: "expiring", CorrelationID: uuid.New()})
	require.NoError(t, err)
	_ = expiring
	_, _, err = s.Claim(ctx, "w2", -time.Second)
	require.NoError(t, err)

	active, err := s.RunningWithActiveLease(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), active)

	expired, err := s.RunningWithExpiredLease(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), expired)
}

func TestInMemoryStoreCreateRunEdgeIdempotentOnChildKey(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	parent, err := s.CreateRun(ctx, model.Run{Name: "parent", CorrelationID: uuid.New()})
	require.NoError(t, err)
	first, err := s.CreateRun(ctx, model.Run{Name: "child-a", CorrelationID: uuid.New()})
	require.NoError(t, err)
	second, err := s.CreateRun(ctx, model.Run{Name: "child-b", CorrelationID: uuid.New()})
	require.NoError(t, err)

	key := "spawn-1"
	require.NoError(t, s.CreateRunEdge(ctx, model.RunEdge{ParentRunID: parent.ID, ChildRunID: first.ID, Relation: "spawned", ChildKey: &key}))
	require.NoError(t, s.CreateRunEdge(ctx, model.RunEdge{ParentRunID: parent.ID, ChildRunID: second.ID, Relation: "spawned", ChildKey: &key}))

	edges := s.RunEdges(parent.ID)
	require.Len(t, edges, 1)
	require.Equal(t, first.ID, edges[0].ChildRunID)
}

func TestInMemoryStoreCompleteAndFailEmitEvents(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	run, err := s.CreateRun(ctx, model.Run{Name: "ok", CorrelationID: uuid.New()})
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, run.ID, []byte(`{"result":1}`)))
	evs, _, err := s.ListEvents(ctx, store.EventFilter{RunID: &run.ID, EventName: events.RunCompleted})
	require.NoError(t, err)
	require.Len(t, evs, 1)

	failRun, err := s.CreateRun(ctx, model.Run{Name: "bad", CorrelationID: uuid.New()})
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.FailRunTerminal(ctx, failRun.ID, []byte(`{"message":"boom"}`)))
	evs, _, err = s.ListEvents(ctx, store.EventFilter{RunID: &failRun.ID, EventName: events.RunFailed})
	require.NoError(t, err)
	require.Len(t, evs, 1)
}
