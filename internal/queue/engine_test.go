package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/queue"
	"github.com/xynlabs/xyn/internal/store"
)

func TestEngineClaimReturnsFalseWhenEmpty(t *testing.T) {
	s := store.NewInMemoryStore()
	q := queue.New(s, queue.Options{})
	_, ok, err := q.Claim(context.Background(), "w1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngineFailSchedulesRetryWithinAttemptBudget(t *testing.T) {
	s := store.NewInMemoryStore()
	q := queue.New(s, queue.Options{})
	ctx := context.Background()
	three := 3

	created, err := s.CreateRun(ctx, model.Run{Name: "r", CorrelationID: uuid.New(), MaxAttempts: &three})
	require.NoError(t, err)
	run, ok, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, created.ID, run.ID)

	require.NoError(t, q.Fail(ctx, run, []byte(`{"message":"boom"}`)))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunQueued, got.Status)
	require.True(t, got.RunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestEngineFailTerminatesWhenAttemptsExhausted(t *testing.T) {
	s := store.NewInMemoryStore()
	q := queue.New(s, queue.Options{})
	ctx := context.Background()
	one := 1

	_, err := s.CreateRun(ctx, model.Run{Name: "r", CorrelationID: uuid.New(), MaxAttempts: &one})
	require.NoError(t, err)
	run, ok, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Fail(ctx, run, []byte(`{"message":"boom"}`)))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, got.Status)
}

func TestEngineCheckLostLease(t *testing.T) {
	require.NoError(t, queue.CheckLostLease(true))
	require.Error(t, queue.CheckLostLease(false))
}

func TestEngineCancelImmediateForQueuedRun(t *testing.T) {
	s := store.NewInMemoryStore()
	q := queue.New(s, queue.Options{})
	ctx := context.Background()

	created, err := s.CreateRun(ctx, model.Run{Name: "r", CorrelationID: uuid.New()})
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, cancelled.Status)
}
