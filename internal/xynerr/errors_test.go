package xynerr_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xynlabs/xyn/internal/xynerr"
)

func TestNewSetsDefaultHTTPStatus(t *testing.T) {
	err := xynerr.New(xynerr.KindPackAlreadyInstalled, "already installed")
	assert.Equal(t, http.StatusConflict, err.HTTPStatus)
	assert.Equal(t, xynerr.KindPackAlreadyInstalled, err.Kind)
	assert.Contains(t, err.Error(), "already installed")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := xynerr.Wrap(xynerr.KindTransientDBError, "query failed", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "query failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithDetailChains(t *testing.T) {
	err := xynerr.New(xynerr.KindConflictingState, "bad state").
		WithDetail("existing_installation_id", "abc").
		WithDetail("status", "upgrading")
	assert.Equal(t, "abc", err.Details["existing_installation_id"])
	assert.Equal(t, "upgrading", err.Details["status"])
}

func TestIs(t *testing.T) {
	err := xynerr.New(xynerr.KindNotFound, "run not found")
	assert.True(t, xynerr.Is(err, xynerr.KindNotFound))
	assert.False(t, xynerr.Is(err, xynerr.KindConflict))
	assert.False(t, xynerr.Is(errors.New("plain"), xynerr.KindNotFound))
}

func TestNotFound(t *testing.T) {
	err := xynerr.NotFound("run", "123")
	assert.Equal(t, xynerr.KindNotFound, err.Kind)
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.Contains(t, err.Message, "run")
	assert.Contains(t, err.Message, "123")
}
