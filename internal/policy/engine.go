package policy

import (
	"net/http"
	"strings"
	"sync"
)

// Matcher defines criteria to apply a policy
type Matcher struct {
	Method string `json:"method,omitempty"` // "*" or specific
	Path   string `json:"path"`             // Prefix match
}

// Rules defines what to enforce
type Rules struct {
	AdminOnly         bool `json:"admin_only"`          // requires an admin JWT
	RequestsPerMinute int  `json:"requests_per_minute"` // zero uses the dynamic default
}

// Policy is a named set of rules
type Policy struct {
	ID      string  `json:"id"`
	Matcher Matcher `json:"matcher"`
	Rules   Rules   `json:"rules"`
}

// Default is applied when nothing matches: public, default rate.
var Default = Policy{ID: "default"}

// Engine evaluates requests against policies
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
}

func NewEngine(policies ...Policy) *Engine {
	e := &Engine{}
	e.LoadPolicies(policies)
	return e
}

// LoadPolicies replaces the current set
func (e *Engine) LoadPolicies(newPolicies []Policy) {
	cp := make([]Policy, len(newPolicies))
	copy(cp, newPolicies)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = cp
}

// Policies returns a copy of the loaded set, in evaluation order.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := make([]Policy, len(e.policies))
	copy(cp, e.policies)
	return cp
}

// Evaluate finds the first matching policy, falling back to Default.
// First match wins, so list more specific paths first.
func (e *Engine) Evaluate(r *http.Request) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.policies {
		if match(p.Matcher, r) {
			return p
		}
	}
	return Default
}

func match(m Matcher, r *http.Request) bool {
	// Method Match
	if m.Method != "" && m.Method != "*" && m.Method != r.Method {
		return false
	}

	// Path Match (Prefix)
	return strings.HasPrefix(r.URL.Path, m.Path)
}

// DefaultPolicies is the route table the server starts with.
func DefaultPolicies() []Policy {
	return []Policy{
		{ID: "admin-login", Matcher: Matcher{Method: http.MethodPost, Path: "/api/admin/token"}},
		{ID: "admin", Matcher: Matcher{Path: "/api/admin"}, Rules: Rules{AdminOnly: true}},
		{ID: "chat", Matcher: Matcher{Path: "/api/chat"}},
		{ID: "stats", Matcher: Matcher{Path: "/api/stats"}, Rules: Rules{RequestsPerMinute: 30}},
		{ID: "billing", Matcher: Matcher{Path: "/api/upgrade"}, Rules: Rules{RequestsPerMinute: 5}},
		{ID: "billing-portal", Matcher: Matcher{Path: "/api/billing"}, Rules: Rules{RequestsPerMinute: 5}},
	}
}
