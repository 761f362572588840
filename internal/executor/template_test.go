package executor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xynlabs/xyn/internal/executor"
	"github.com/xynlabs/xyn/internal/xynerr"
)

func TestResolveValueInputsReference(t *testing.T) {
	ctx := executor.ResolutionContext{Inputs: map[string]any{"x": 42}}
	v, err := executor.ResolveValue("{{inputs.x}}", ctx)
	require.NoError(t, err)
	// numbers travel through the context's JSON document, so they come
	// back as float64 the same way run inputs do after json.Unmarshal.
	assert.Equal(t, float64(42), v)
}

func TestResolveValuePreservesNonStringType(t *testing.T) {
	ctx := executor.ResolutionContext{Inputs: map[string]any{"enabled": true}}
	v, err := executor.ResolveValue("{{inputs.enabled}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestResolveValueStepsReference(t *testing.T) {
	ctx := executor.ResolutionContext{
		Steps: map[string]map[string]any{"fetch": {"url": "https://example.com"}},
	}
	v, err := executor.ResolveValue("{{steps.fetch.outputs.url}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", v)
}

func TestResolveValueStringInterpolation(t *testing.T) {
	ctx := executor.ResolutionContext{Inputs: map[string]any{"name": "acme"}}
	v, err := executor.ResolveValue("hello {{inputs.name}}!", ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello acme!", v)
}

func TestResolveValuePassesThroughPlainStrings(t *testing.T) {
	v, err := executor.ResolveValue("plain value", executor.ResolutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "plain value", v)
}

func TestResolveValuePassesThroughNonStrings(t *testing.T) {
	v, err := executor.ResolveValue(7, executor.ResolutionContext{})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestResolveValueUnknownInput(t *testing.T) {
	_, err := executor.ResolveValue("{{inputs.missing}}", executor.ResolutionContext{Inputs: map[string]any{}})
	require.Error(t, err)
	assert.True(t, xynerr.Is(err, xynerr.KindTemplateResolution))
}

func TestResolveValueUnknownStep(t *testing.T) {
	_, err := executor.ResolveValue("{{steps.missing.outputs.x}}", executor.ResolutionContext{Steps: map[string]map[string]any{}})
	require.Error(t, err)
	assert.True(t, xynerr.Is(err, xynerr.KindTemplateResolution))
}

func TestResolveValueMalformedReference(t *testing.T) {
	_, err := executor.ResolveValue("{{inputs}}", executor.ResolutionContext{})
	require.Error(t, err)
	assert.True(t, xynerr.Is(err, xynerr.KindTemplateResolution))
}

func TestResolveValueUnknownRoot(t *testing.T) {
	_, err := executor.ResolveValue("{{outputs.x}}", executor.ResolutionContext{})
	require.Error(t, err)
	assert.True(t, xynerr.Is(err, xynerr.KindTemplateResolution))
}

func TestResolveParamsResolvesEveryEntry(t *testing.T) {
	ctx := executor.ResolutionContext{Inputs: map[string]any{"a": 1, "b": "two"}}
	params := map[string]any{"first": "{{inputs.a}}", "second": "{{inputs.b}}", "literal": "kept"}
	resolved, err := executor.ResolveParams(params, ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), resolved["first"])
	assert.Equal(t, "two", resolved["second"])
	assert.Equal(t, "kept", resolved["literal"])
}

func TestResolveParamsPropagatesFirstError(t *testing.T) {
	params := map[string]any{"bad": "{{inputs.missing}}"}
	_, err := executor.ResolveParams(params, executor.ResolutionContext{Inputs: map[string]any{}})
	require.Error(t, err)
}
