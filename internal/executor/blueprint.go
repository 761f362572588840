package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/xynerr"
)

// StepHandler performs the work of one step given the owning run's id and
// resolved parameters, and returns its outputs. A panic inside a handler
// is recovered by the executor and converted to a handler_crash step
// failure.
type StepHandler func(ctx context.Context, runID uuid.UUID, params map[string]any) (map[string]any, error)

// StepDef is one entry in a blueprint's compiled, linear step plan.
type StepDef struct {
	ID      string
	Kind    string // model.StepKind value
	Params  map[string]any
	Handler StepHandler
}

// Blueprint is an ordered plan of steps plus default retry knobs applied
// when a run's own fields are unset at submission time.
type Blueprint struct {
	Name               string
	Steps              []StepDef
	DefaultMaxAttempts *int
}

// DefaultBlueprintName is the blueprint a submitted run falls back to when
// no blueprint_ref is given: a single transform step that completes with
// empty outputs, exercising the claim/execute/complete path end to end
// without requiring a caller to register anything first. The run's inputs
// are not copied to the step's outputs.
const DefaultBlueprintName = "default"

// DefaultBlueprint compiles the single-step no-op plan used by
// DefaultBlueprintName.
func DefaultBlueprint() Blueprint {
	return Blueprint{
		Name: DefaultBlueprintName,
		Steps: []StepDef{
			{
				ID:     "echo",
				Kind:   "transform",
				Params: map[string]any{},
				Handler: func(_ context.Context, _ uuid.UUID, _ map[string]any) (map[string]any, error) {
					return map[string]any{}, nil
				},
			},
		},
	}
}

// Registry maps blueprint name to its compiled plan; the pack-install
// blueprint and user-defined blueprints are dispatched through the same
// table.
type Registry struct {
	blueprints map[string]Blueprint
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{blueprints: make(map[string]Blueprint)}
}

// Register adds or replaces a blueprint.
func (r *Registry) Register(bp Blueprint) {
	r.blueprints[bp.Name] = bp
}

// Lookup returns the named blueprint, or a typed blueprint_not_found error.
func (r *Registry) Lookup(name string) (Blueprint, error) {
	bp, ok := r.blueprints[name]
	if !ok {
		return Blueprint{}, xynerr.New(xynerr.KindBlueprintNotFound, "blueprint not found: "+name)
	}
	return bp, nil
}
