package executor_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xynlabs/xyn/internal/executor"
	"github.com/xynlabs/xyn/internal/xynerr"
)

func TestRegistryLookupUnknownBlueprint(t *testing.T) {
	r := executor.NewRegistry()
	_, err := r.Lookup("nope")
	require.Error(t, err)
	assert.True(t, xynerr.Is(err, xynerr.KindBlueprintNotFound))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := executor.NewRegistry()
	bp := executor.DefaultBlueprint()
	r.Register(bp)

	got, err := r.Lookup(executor.DefaultBlueprintName)
	require.NoError(t, err)
	assert.Equal(t, executor.DefaultBlueprintName, got.Name)
	require.Len(t, got.Steps, 1)
}

func TestRegistryRegisterReplacesExisting(t *testing.T) {
	r := executor.NewRegistry()
	r.Register(executor.Blueprint{Name: "x", Steps: []executor.StepDef{{ID: "a"}}})
	r.Register(executor.Blueprint{Name: "x", Steps: []executor.StepDef{{ID: "a"}, {ID: "b"}}})

	got, err := r.Lookup("x")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)
}

func TestDefaultBlueprintStepCompletes(t *testing.T) {
	bp := executor.DefaultBlueprint()
	require.Len(t, bp.Steps, 1)
	outputs, err := bp.Steps[0].Handler(context.Background(), uuid.New(), map[string]any{})
	require.NoError(t, err)
	assert.NotNil(t, outputs)
}
