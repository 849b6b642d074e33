package repository

import (
	"context"
	"errors"
	"time"

	"github.com/raakeshmj/entitlements/internal/db"
)

var ErrNotFound = errors.New("record not found")

type UserRepository interface {
	FindByID(ctx context.Context, id uint) (*db.User, error)
	FindByEmailHash(ctx context.Context, emailHash string) (*db.User, error)
	// CreateIfAbsent inserts the user unless the email or hash already
	// exists. It reports false, without error, when another row won.
	CreateIfAbsent(ctx context.Context, user *db.User) (bool, error)
	// UpdateSubscription overwrites tier and expiry. An empty customerID
	// leaves the stored billing reference untouched.
	UpdateSubscription(ctx context.Context, id uint, tier db.Tier, customerID string, expires time.Time) error
	// ExpireSubscription downgrades one user to free if their paid
	// subscription ended before now. Reports whether a row changed.
	ExpireSubscription(ctx context.Context, id uint, now time.Time) (bool, error)
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type QuestionRepository interface {
	Create(ctx context.Context, q *db.Question) error
	CountByUser(ctx context.Context, userID uint) (int64, error)
	CountByUserSince(ctx context.Context, userID uint, since time.Time) (int64, error)
	SumCostByUser(ctx context.Context, userID uint) (float64, error)
}

// RateLimitRepository stores fixed one-minute request windows.
type RateLimitRepository interface {
	// PurgeWindows removes every window that started before the cutoff.
	PurgeWindows(ctx context.Context, before time.Time) (int64, error)
	// Hit counts one request: a missing window is created with count 1, a
	// window at max is denied without incrementing, anything else is
	// incremented. Returns whether the request is allowed and the count.
	Hit(ctx context.Context, userID uint, endpoint string, max int, now time.Time) (bool, int, error)
}
