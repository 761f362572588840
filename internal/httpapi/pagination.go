package httpapi

import (
	"net/http"
	"strconv"
)

const defaultLimit = 50

// pageParams reads limit/cursor from the query string, defaulting limit
// to 50.
func pageParams(r *http.Request) (limit int, cursor string) {
	limit = defaultLimit
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	return limit, q.Get("cursor")
}

type page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func newPage[T any](items []T, next string) page[T] {
	if items == nil {
		items = []T{}
	}
	return page[T]{Items: items, NextCursor: next}
}
