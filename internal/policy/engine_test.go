package policy

import (
	"net/http/httptest"
	"testing"
)

func TestEngine_Evaluate(t *testing.T) {
	e := NewEngine(DefaultPolicies()...)

	cases := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/api/admin/token", "admin-login"},
		{"GET", "/api/admin/token", "admin"},
		{"POST", "/api/admin/upgrade", "admin"},
		{"POST", "/api/chat/astro/authorize", "chat"},
		{"GET", "/api/stats/ada@example.com", "stats"},
		{"GET", "/health", "default"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.path, nil)
			if got := e.Evaluate(r); got.ID != tc.want {
				t.Errorf("Evaluate = %s, want %s", got.ID, tc.want)
			}
		})
	}
}

func TestEngine_LoadPoliciesCopies(t *testing.T) {
	src := []Policy{{ID: "a", Matcher: Matcher{Path: "/a"}}}
	e := NewEngine(src...)
	src[0].ID = "mutated"

	if got := e.Policies()[0].ID; got != "a" {
		t.Errorf("engine kept a reference to caller slice: %s", got)
	}
}
