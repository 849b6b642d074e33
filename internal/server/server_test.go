package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raakeshmj/entitlements/internal/audit"
	"github.com/raakeshmj/entitlements/internal/auth"
	"github.com/raakeshmj/entitlements/internal/billing"
	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/repository/memory"
	"github.com/raakeshmj/entitlements/internal/service"
)

type fakeGateway struct {
	event     *billing.Event
	err       error
	verify    *billing.Event
	verifyErr error
	checkouts []string
}

func (g *fakeGateway) CreateCheckout(_ context.Context, email string, tier db.Tier) (*billing.Checkout, error) {
	g.checkouts = append(g.checkouts, email+":"+string(tier))
	return &billing.Checkout{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func (g *fakeGateway) VerifyCheckout(context.Context, string) (*billing.Event, error) {
	return g.verify, g.verifyErr
}

func (g *fakeGateway) PortalURL(_ context.Context, customerID string) (string, error) {
	return "https://billing.example/" + customerID, nil
}

func (g *fakeGateway) ParseWebhook(context.Context, []byte, string) (*billing.Event, error) {
	return g.event, g.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(e string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) UserCreated(_ context.Context, email, site string) error {
	return n.add("created:" + email + ":" + site)
}

func (n *recordingNotifier) FreeLimitReached(_ context.Context, email string, _ int64) error {
	return n.add("limit:" + email)
}

func (n *recordingNotifier) SubscriptionStarted(_ context.Context, email, tier string, _ float64) error {
	return n.add("subscribed:" + email + ":" + tier)
}

func (n *recordingNotifier) SubscriptionCancelled(_ context.Context, customerID string) error {
	return n.add("cancelled:" + customerID)
}

// waitFor polls until the async notifier has seen want.
func (n *recordingNotifier) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		for _, e := range n.events {
			if e == want {
				n.mu.Unlock()
				return
			}
		}
		n.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("notification %q never arrived", want)
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret: "test-secret",
		Limits: config.LimitsConfig{
			RequestsPerMinute: 100,
			FailureStrategy:   "fail_closed",
			QuestionCost:      0.03,
		},
		HTTP: config.HTTPConfig{AllowedOrigins: []string{"*"}},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, gw billing.Gateway) (*Server, *recordingNotifier) {
	t.Helper()
	repo := memory.New()
	n := &recordingNotifier{}
	d := Deps{
		Users:     repo,
		Questions: repo,
		Windows:   repo,
		Notifier:  n,
		Audit:     audit.NewJSONLogger(io.Discard),
	}
	if gw != nil {
		d.Gateway = gw
	}
	s := NewWithDeps(cfg, d)
	t.Cleanup(func() { s.Close() })
	return s, n
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("/ready = %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/api/plans", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"price":"$1.99/month"`) {
		t.Errorf("/api/plans = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestServer_FreeQuotaFlow(t *testing.T) {
	s, n := newTestServer(t, testConfig(), nil)
	h := s.Handler()
	body := `{"email":"ada@example.com","question":"When is the next eclipse?"}`

	for i := 0; i < service.FreeQuestionLimit; i++ {
		w := do(t, h, http.MethodPost, "/api/chat/astro/questions", body, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("question %d: status %d %s", i+1, w.Code, w.Body.String())
		}
	}
	n.waitFor(t, "created:ada@example.com:astro")

	w := do(t, h, http.MethodPost, "/api/chat/astro/authorize", `{"email":"ada@example.com"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authorize status %d", w.Code)
	}
	resp := decode[gateResponse](t, w)
	if resp.Allowed || !resp.LimitReached || resp.Reason != service.ReasonFreeLimitReached {
		t.Errorf("authorize = %+v", resp)
	}
	if len(resp.Upgrade) != 2 || resp.Stats.TotalQuestions != 5 {
		t.Errorf("upgrade options %d, total %d", len(resp.Upgrade), resp.Stats.TotalQuestions)
	}
	n.waitFor(t, "limit:ada@example.com")

	w = do(t, h, http.MethodPost, "/api/chat/astro/questions", body, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"limit_reached":true`) {
		t.Errorf("sixth question = %d %s", w.Code, w.Body.String())
	}

	stats := decode[service.Stats](t, do(t, h, http.MethodGet, "/api/stats/ada@example.com", "", nil))
	if stats.TotalQuestions != 5 || stats.TotalCost != 0.15 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServer_ChatValidation(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	h := s.Handler()

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"no email", "/api/chat/astro/authorize", `{}`, http.StatusBadRequest},
		{"bad email", "/api/chat/astro/authorize", `{"email":"nope"}`, http.StatusBadRequest},
		{"no question", "/api/chat/astro/questions", `{"email":"ada@example.com","question":"  "}`, http.StatusBadRequest},
		{"bad json", "/api/chat/astro/questions", `{"email":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, tc.path, tc.body, nil); w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestServer_Stats(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/api/stats/ghost@example.com", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown user = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/stats/not-an-email", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad email = %d, want 400", w.Code)
	}

	do(t, h, http.MethodPost, "/api/chat/astro/authorize", `{"email":"ada@example.com"}`, nil)
	stats := decode[service.Stats](t, do(t, h, http.MethodGet, "/api/stats/ada@example.com", "", nil))
	if stats.Tier != db.TierFree || stats.RemainingQuestions == nil || *stats.RemainingQuestions != 5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.RequestsPerMinute = 2
	s, _ := newTestServer(t, cfg, nil)
	h := s.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = do(t, h, http.MethodPost, "/api/chat/astro/authorize", `{"email":"ada@example.com"}`, nil)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", last.Code)
	}
	if decode[map[string]string](t, last)["error"] != "rate_limit_exceeded" {
		t.Errorf("body = %s", last.Body.String())
	}

	// a different endpoint has its own window
	if w := do(t, h, http.MethodPost, "/api/chat/astro/questions", `{"email":"ada@example.com","question":"hi"}`, nil); w.Code != http.StatusCreated {
		t.Errorf("questions endpoint = %d, want 201", w.Code)
	}
}

func TestServer_ManualUpgradeWithoutBilling(t *testing.T) {
	s, n := newTestServer(t, testConfig(), nil)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/api/upgrade", `{"email":"ada@example.com","tier":"free"}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("free tier upgrade = %d, want 400", w.Code)
	}

	w := do(t, h, http.MethodPost, "/api/upgrade", `{"email":"ada@example.com","tier":"basic"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upgrade = %d %s", w.Code, w.Body.String())
	}
	resp := decode[upgradeResponse](t, w)
	if resp.Status != "upgraded" || resp.Tier != db.TierBasic || resp.Expires == nil {
		t.Errorf("upgrade = %+v", resp)
	}
	n.waitFor(t, "subscribed:ada@example.com:basic")

	if w := do(t, h, http.MethodPost, "/api/billing/portal", `{"email":"ada@example.com"}`, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("portal without billing = %d, want 503", w.Code)
	}
}

func TestServer_Checkout(t *testing.T) {
	gw := &fakeGateway{}
	s, _ := newTestServer(t, testConfig(), gw)
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/upgrade", `{"email":"Ada@Example.com","tier":"unlimited"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upgrade = %d %s", w.Code, w.Body.String())
	}
	resp := decode[upgradeResponse](t, w)
	if resp.CheckoutURL != "https://checkout.example/cs_test" || resp.Status != "checkout" {
		t.Errorf("upgrade = %+v", resp)
	}
	if len(gw.checkouts) != 1 || gw.checkouts[0] != "ada@example.com:unlimited" {
		t.Errorf("checkouts = %v", gw.checkouts)
	}

	stats := decode[service.Stats](t, do(t, h, http.MethodGet, "/api/stats/ada@example.com", "", nil))
	if stats.Tier != db.TierFree {
		t.Errorf("tier changed before payment: %s", stats.Tier)
	}
}

func TestServer_PaymentSuccess(t *testing.T) {
	gw := &fakeGateway{verifyErr: billing.ErrNotPaid}
	s, _ := newTestServer(t, testConfig(), gw)
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/api/payment-success", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing session = %d, want 400", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/payment-success?session_id=cs_1", "", nil); w.Code != http.StatusPaymentRequired {
		t.Errorf("unpaid = %d, want 402", w.Code)
	}

	gw.verifyErr = nil
	gw.verify = &billing.Event{Kind: billing.EventCheckoutCompleted, Email: "new@example.com", Tier: db.TierBasic, CustomerID: "cus_7"}
	w := do(t, h, http.MethodGet, "/api/payment-success?session_id=cs_1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("paid = %d %s", w.Code, w.Body.String())
	}

	u, err := s.svc.FindUserByEmail(context.Background(), "new@example.com")
	if err != nil {
		t.Fatalf("buyer not registered: %v", err)
	}
	if u.SubscriptionTier != db.TierBasic || u.StripeCustomerID == nil || *u.StripeCustomerID != "cus_7" {
		t.Errorf("user = %+v", u)
	}
}

func TestServer_StripeWebhook(t *testing.T) {
	gw := &fakeGateway{event: &billing.Event{
		ID: "evt_1", Kind: billing.EventSubscriptionCreated,
		Email: "ada@example.com", Tier: db.TierUnlimited, CustomerID: "cus_1", Amount: 4.99,
	}}
	s, n := newTestServer(t, testConfig(), gw)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/api/webhook/stripe", `{}`, nil); w.Code != http.StatusOK {
		t.Fatalf("webhook = %d %s", w.Code, w.Body.String())
	}
	n.waitFor(t, "subscribed:ada@example.com:unlimited")

	w := do(t, h, http.MethodPost, "/api/chat/astro/authorize", `{"email":"ada@example.com"}`, nil)
	if resp := decode[gateResponse](t, w); !resp.Allowed || resp.Tier != db.TierUnlimited {
		t.Errorf("authorize after webhook = %+v", resp)
	}

	w = do(t, h, http.MethodPost, "/api/billing/portal", `{"email":"ada@example.com"}`, nil)
	if got := decode[map[string]string](t, w)["url"]; got != "https://billing.example/cus_1" {
		t.Errorf("portal url = %q", got)
	}

	gw.event = &billing.Event{ID: "evt_2", Kind: billing.EventSubscriptionDeleted, CustomerID: "cus_1"}
	do(t, h, http.MethodPost, "/api/webhook/stripe", `{}`, nil)
	n.waitFor(t, "cancelled:cus_1")

	gw.event, gw.err = nil, billing.ErrInvalidSignature
	if w := do(t, h, http.MethodPost, "/api/webhook/stripe", `{}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad signature = %d, want 400", w.Code)
	}
}

func TestServer_StripeWebhookWithoutEmailIsAcknowledged(t *testing.T) {
	cases := []struct {
		name  string
		event *billing.Event
		err   error
	}{
		{"customer without email", nil, fmt.Errorf("%w: customer cus_9 has no email", billing.ErrMissingCustomer)},
		{"empty email", &billing.Event{ID: "evt_9", Kind: billing.EventSubscriptionCreated, Tier: db.TierBasic, CustomerID: "cus_9"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{event: tc.event, err: tc.err}
			s, _ := newTestServer(t, testConfig(), gw)

			w := do(t, s.Handler(), http.MethodPost, "/api/webhook/stripe", `{}`, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("webhook = %d %s, want 200", w.Code, w.Body.String())
			}
			if got := decode[map[string]string](t, w)["status"]; got != "ignored" {
				t.Errorf("status = %q, want ignored", got)
			}
		})
	}
}

func TestServer_Admin(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.AdminPasswordHash = hash
	s, _ := newTestServer(t, cfg, nil)
	h := s.Handler()

	if w := do(t, h, http.MethodPost, "/api/admin/token", `{"password":"wrong"}`, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/admin/token", `{"password":"hunter2"}`, nil)
	token := decode[map[string]string](t, w)["token"]
	if token == "" {
		t.Fatalf("no token: %s", w.Body.String())
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}

	if w := do(t, h, http.MethodPost, "/api/admin/upgrade", `{"email":"ada@example.com","tier":"basic"}`, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("upgrade without token = %d, want 401", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/admin/upgrade", `{"email":"ada@example.com","tier":"basic","months":3}`, bearer)
	if w.Code != http.StatusOK {
		t.Fatalf("admin upgrade = %d %s", w.Code, w.Body.String())
	}
	stats := decode[service.Stats](t, w)
	if stats.Tier != db.TierBasic || stats.SubscriptionExpires == nil {
		t.Errorf("stats = %+v", stats)
	}
	if d := stats.SubscriptionExpires.Sub(stats.CreatedAt); d < 89*24*time.Hour || d > 91*24*time.Hour {
		t.Errorf("3 months should be about 90 days, got %s", d)
	}

	if w := do(t, h, http.MethodPost, "/api/admin/reload", `{"default_requests_per_minute":0}`, bearer); w.Code != http.StatusBadRequest {
		t.Errorf("invalid reload = %d, want 400", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/admin/reload", `{"default_requests_per_minute":1}`, bearer); w.Code != http.StatusOK {
		t.Errorf("reload = %d", w.Code)
	}
	do(t, h, http.MethodPost, "/api/chat/astro/authorize", `{"email":"ada@example.com"}`, nil)
	if w := do(t, h, http.MethodPost, "/api/chat/astro/authorize", `{"email":"ada@example.com"}`, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("after reload to 1/min second request = %d, want 429", w.Code)
	}

	if w := do(t, h, http.MethodGet, "/api/admin/policies", "", bearer); w.Code != http.StatusOK {
		t.Errorf("policies = %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), nil)
	h := s.Handler()

	do(t, h, http.MethodPost, "/api/chat/astro/authorize", `{"email":"ada@example.com"}`, nil)
	w := do(t, h, http.MethodGet, "/api/metrics", "", nil)
	if !strings.Contains(w.Body.String(), `"ok":`) {
		t.Errorf("metrics missing decision counts: %s", w.Body.String())
	}
}
