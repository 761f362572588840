package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageParamsDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/runs", nil)
	limit, cursor := pageParams(r)
	assert.Equal(t, defaultLimit, limit)
	assert.Equal(t, "", cursor)
}

func TestPageParamsHonorsQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/runs?limit=10&cursor=abc", nil)
	limit, cursor := pageParams(r)
	assert.Equal(t, 10, limit)
	assert.Equal(t, "abc", cursor)
}

func TestPageParamsIgnoresInvalidLimit(t *testing.T) {
	r := httptest.NewRequest("GET", "/runs?limit=not-a-number", nil)
	limit, _ := pageParams(r)
	assert.Equal(t, defaultLimit, limit)
}

func TestNewPageNeverReturnsNilItems(t *testing.T) {
	p := newPage[int](nil, "")
	assert.NotNil(t, p.Items)
	assert.Empty(t, p.Items)
}
