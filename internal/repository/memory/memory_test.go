package memory

import (
	"context"
	"testing"
	"time"

	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/repository"
	"github.com/raakeshmj/entitlements/internal/repository/repotest"
)

func TestMemoryRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repotest.Repos {
		r := New()
		return repotest.Repos{Users: r, Questions: r, Windows: r}
	})
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	r := New()
	ctx := context.Background()
	u := &db.User{Email: "copy@example.com", EmailHash: "h", CreatedAt: time.Now()}
	if _, err := r.CreateIfAbsent(ctx, u); err != nil {
		t.Fatalf("CreateIfAbsent failed: %v", err)
	}

	got, _ := r.FindByID(ctx, u.ID)
	got.SubscriptionTier = db.TierUnlimited

	again, _ := r.FindByID(ctx, u.ID)
	if again.SubscriptionTier != db.TierFree {
		t.Errorf("stored user mutated through returned pointer: %s", again.SubscriptionTier)
	}

	if err := r.Create(ctx, &db.Question{UserID: u.ID + 1}); err != repository.ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}
