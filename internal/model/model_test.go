package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xynlabs/xyn/internal/model"
)

func TestRunCancelRequested(t *testing.T) {
	t.Run("no error payload", func(t *testing.T) {
		r := model.Run{}
		assert.False(t, r.CancelRequested())
	})

	t.Run("flag set", func(t *testing.T) {
		r := model.Run{Error: []byte(`{"cancel_requested": true}`)}
		assert.True(t, r.CancelRequested())
	})

	t.Run("flag false", func(t *testing.T) {
		r := model.Run{Error: []byte(`{"cancel_requested": false}`)}
		assert.False(t, r.CancelRequested())
	})

	t.Run("unrelated error payload", func(t *testing.T) {
		r := model.Run{Error: []byte(`{"message": "boom"}`)}
		assert.False(t, r.CancelRequested())
	})

	t.Run("malformed json", func(t *testing.T) {
		r := model.Run{Error: []byte(`not json`)}
		assert.False(t, r.CancelRequested())
	})
}

func TestStoragePathFor(t *testing.T) {
	assert.Equal(t, "ab/cd/abcdef0123", model.StoragePathFor("abcdef0123"))
	assert.Equal(t, "ab", model.StoragePathFor("ab"))
	assert.Equal(t, "", model.StoragePathFor(""))
}
