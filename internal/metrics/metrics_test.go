package metrics

import "testing"

func TestCanonicalPathCollapsesIDs(t *testing.T) {
	cases := map[string]string{
		"/api/v1/runs":                              "/api/v1/runs",
		"/api/v1/runs/3fa85f64-5717-4562-b3fc-2c963": "/api/v1/runs/:id",
		"/api/v1/runs/3fa85f64-5717-4562-b3fc-2c963/steps": "/api/v1/runs/:id/steps",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}
