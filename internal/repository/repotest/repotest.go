// Package repotest holds the behaviour every repository implementation must
// share. Implementations call Run from their own tests.
package repotest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/repository"
)

type Repos struct {
	Users     repository.UserRepository
	Questions repository.QuestionRepository
	Windows   repository.RateLimitRepository
}

var base = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, open func(t *testing.T) Repos) {
	t.Run("CreateIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, open(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, open(t)) })
	t.Run("Subscription", func(t *testing.T) { testSubscription(t, open(t)) })
	t.Run("Questions", func(t *testing.T) { testQuestions(t, open(t)) })
	t.Run("Windows", func(t *testing.T) { testWindows(t, open(t)) })
}

func newUser(email string) *db.User {
	return &db.User{
		Email:            email,
		EmailHash:        "hash-" + email,
		SubscriptionTier: db.TierFree,
		CreatedAt:        base,
	}
}

func mustCreate(t *testing.T, r Repos, email string) *db.User {
	t.Helper()
	u := newUser(email)
	created, err := r.Users.CreateIfAbsent(context.Background(), u)
	if err != nil {
		t.Fatalf("CreateIfAbsent(%s) failed: %v", email, err)
	}
	if !created {
		t.Fatalf("CreateIfAbsent(%s) reported existing row", email)
	}
	return u
}

func testCreateIfAbsent(t *testing.T, r Repos) {
	ctx := context.Background()
	u := mustCreate(t, r, "ada@example.com")
	if u.ID == 0 {
		t.Fatal("expected id to be assigned")
	}

	created, err := r.Users.CreateIfAbsent(ctx, newUser("ada@example.com"))
	if err != nil {
		t.Fatalf("second CreateIfAbsent failed: %v", err)
	}
	if created {
		t.Error("second CreateIfAbsent should not insert")
	}

	got, err := r.Users.FindByEmailHash(ctx, "hash-ada@example.com")
	if err != nil {
		t.Fatalf("FindByEmailHash failed: %v", err)
	}
	if got.ID != u.ID || got.SubscriptionTier != db.TierFree {
		t.Errorf("unexpected user %+v", got)
	}

	if _, err := r.Users.FindByID(ctx, u.ID+100); err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Users.FindByEmailHash(ctx, "missing"); err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := r.Users.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count = (%d, %v), want (1, nil)", n, err)
	}
}

func testConcurrentCreate(t *testing.T, r Repos) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	results := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Users.CreateIfAbsent(ctx, newUser("race@example.com"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i] {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one insert, got %d", winners)
	}
	if n, _ := r.Users.Count(ctx); n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
}

func testSubscription(t *testing.T, r Repos) {
	ctx := context.Background()
	u := mustCreate(t, r, "grace@example.com")
	expires := base.Add(24 * time.Hour)

	if err := r.Users.UpdateSubscription(ctx, u.ID, db.TierBasic, "cus_123", expires); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	// Empty customer id keeps the stored reference.
	if err := r.Users.UpdateSubscription(ctx, u.ID, db.TierUnlimited, "", expires); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}

	got, err := r.Users.FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.SubscriptionTier != db.TierUnlimited {
		t.Errorf("tier = %s, want unlimited", got.SubscriptionTier)
	}
	if got.StripeCustomerID == nil || *got.StripeCustomerID != "cus_123" {
		t.Errorf("customer id = %v, want cus_123", got.StripeCustomerID)
	}
	if got.SubscriptionExpires == nil || !got.SubscriptionExpires.Equal(expires) {
		t.Errorf("expires = %v, want %v", got.SubscriptionExpires, expires)
	}

	if err := r.Users.UpdateSubscription(ctx, u.ID+100, db.TierBasic, "", expires); err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}

	changed, err := r.Users.ExpireSubscription(ctx, u.ID, expires.Add(-time.Minute))
	if err != nil || changed {
		t.Errorf("ExpireSubscription before expiry = (%v, %v), want (false, nil)", changed, err)
	}
	changed, err = r.Users.ExpireSubscription(ctx, u.ID, expires.Add(time.Minute))
	if err != nil || !changed {
		t.Errorf("ExpireSubscription after expiry = (%v, %v), want (true, nil)", changed, err)
	}
	got, _ = r.Users.FindByID(ctx, u.ID)
	if got.SubscriptionTier != db.TierFree {
		t.Errorf("tier after expiry = %s, want free", got.SubscriptionTier)
	}

	other := mustCreate(t, r, "linus@example.com")
	if err := r.Users.UpdateSubscription(ctx, other.ID, db.TierBasic, "", base); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	n, err := r.Users.ExpireSubscriptions(ctx, base.Add(time.Second))
	if err != nil || n != 1 {
		t.Errorf("ExpireSubscriptions = (%d, %v), want (1, nil)", n, err)
	}
}

func testQuestions(t *testing.T, r Repos) {
	ctx := context.Background()
	u := mustCreate(t, r, "alan@example.com")
	monthStart := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	asked := []time.Time{
		monthStart.Add(-time.Hour),
		monthStart,
		monthStart.Add(48 * time.Hour),
	}
	for i, at := range asked {
		q := &db.Question{UserID: u.ID, Text: "why?", Site: "astro", Cost: 0.03, AskedAt: at}
		if err := r.Questions.Create(ctx, q); err != nil {
			t.Fatalf("Create question %d failed: %v", i, err)
		}
		if q.ID == 0 {
			t.Errorf("question %d got no id", i)
		}
	}

	total, err := r.Questions.CountByUser(ctx, u.ID)
	if err != nil || total != 3 {
		t.Errorf("CountByUser = (%d, %v), want (3, nil)", total, err)
	}
	monthly, err := r.Questions.CountByUserSince(ctx, u.ID, monthStart)
	if err != nil || monthly != 2 {
		t.Errorf("CountByUserSince = (%d, %v), want (2, nil)", monthly, err)
	}
	cost, err := r.Questions.SumCostByUser(ctx, u.ID)
	if err != nil || cost < 0.089 || cost > 0.091 {
		t.Errorf("SumCostByUser = (%f, %v), want (0.09, nil)", cost, err)
	}

	none, err := r.Questions.SumCostByUser(ctx, u.ID+100)
	if err != nil || none != 0 {
		t.Errorf("SumCostByUser for unknown user = (%f, %v), want (0, nil)", none, err)
	}

	orphan := &db.Question{UserID: u.ID + 100, Text: "orphan", Site: "astro", Cost: 0.03, AskedAt: monthStart}
	if err := r.Questions.Create(ctx, orphan); err != repository.ErrNotFound {
		t.Errorf("Create for unknown user = %v, want ErrNotFound", err)
	}
}

func testWindows(t *testing.T, r Repos) {
	ctx := context.Background()
	u := mustCreate(t, r, "barbara@example.com")
	const max = 3

	for i := 1; i <= max; i++ {
		allowed, count, err := r.Windows.Hit(ctx, u.ID, "/api/chat/astro", max, base)
		if err != nil {
			t.Fatalf("Hit %d failed: %v", i, err)
		}
		if !allowed || count != i {
			t.Errorf("Hit %d = (%v, %d), want (true, %d)", i, allowed, count, i)
		}
	}

	allowed, count, err := r.Windows.Hit(ctx, u.ID, "/api/chat/astro", max, base)
	if err != nil {
		t.Fatalf("Hit over cap failed: %v", err)
	}
	if allowed || count != max {
		t.Errorf("Hit over cap = (%v, %d), want (false, %d)", allowed, count, max)
	}

	// Separate endpoints keep separate windows.
	allowed, count, _ = r.Windows.Hit(ctx, u.ID, "/api/chat/vita", max, base)
	if !allowed || count != 1 {
		t.Errorf("Hit on other endpoint = (%v, %d), want (true, 1)", allowed, count)
	}

	// Purge drops only windows that started before the cutoff.
	if _, err := r.Windows.PurgeWindows(ctx, base); err != nil {
		t.Fatalf("PurgeWindows failed: %v", err)
	}
	allowed, _, _ = r.Windows.Hit(ctx, u.ID, "/api/chat/astro", max, base)
	if allowed {
		t.Error("window should survive a purge at its own start time")
	}

	n, err := r.Windows.PurgeWindows(ctx, base.Add(time.Second))
	if err != nil || n != 2 {
		t.Errorf("PurgeWindows = (%d, %v), want (2, nil)", n, err)
	}
	allowed, count, _ = r.Windows.Hit(ctx, u.ID, "/api/chat/astro", max, base.Add(time.Minute))
	if !allowed || count != 1 {
		t.Errorf("Hit after purge = (%v, %d), want (true, 1)", allowed, count)
	}
}
