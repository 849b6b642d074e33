// Package sqlrepo implements the repositories on top of gorm so the same
// code serves PostgreSQL and SQLite.
package sqlrepo

import (
	"context"
	"errors"
	"time"

	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db *gorm.DB
}

func New(conn *gorm.DB) *Repository {
	return &Repository{db: conn}
}

func (r *Repository) FindByID(ctx context.Context, id uint) (*db.User, error) {
	var u db.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repository) FindByEmailHash(ctx context.Context, emailHash string) (*db.User, error) {
	var u db.User
	err := r.db.WithContext(ctx).Where("email_hash = ?", emailHash).First(&u).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repository) CreateIfAbsent(ctx context.Context, user *db.User) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Omit(clause.Associations).
		Create(user)
	if res.Error != nil {
		// Some drivers still report the violation instead of skipping.
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) UpdateSubscription(ctx context.Context, id uint, tier db.Tier, customerID string, expires time.Time) error {
	updates := map[string]interface{}{
		"subscription_tier":    tier,
		"subscription_expires": expires,
	}
	if customerID != "" {
		updates["stripe_customer_id"] = customerID
	}

	res := r.db.WithContext(ctx).Model(&db.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) ExpireSubscription(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.expired(ctx, now).Where("id = ?", id).Update("subscription_tier", db.TierFree)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res := r.expired(ctx, now).Update("subscription_tier", db.TierFree)
	return res.RowsAffected, res.Error
}

func (r *Repository) expired(ctx context.Context, now time.Time) *gorm.DB {
	return r.db.WithContext(ctx).Model(&db.User{}).
		Where("subscription_tier <> ?", db.TierFree).
		Where("subscription_expires IS NOT NULL AND subscription_expires < ?", now)
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.User{}).Count(&n).Error
	return n, err
}

func (r *Repository) Create(ctx context.Context, q *db.Question) error {
	err := r.db.WithContext(ctx).Omit(clause.Associations).Create(q).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return repository.ErrNotFound
	}
	return err
}

func (r *Repository) CountByUser(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Question{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *Repository) CountByUserSince(ctx context.Context, userID uint, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Question{}).
		Where("user_id = ? AND asked_at >= ?", userID, since).
		Count(&n).Error
	return n, err
}

func (r *Repository) SumCostByUser(ctx context.Context, userID uint) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&db.Question{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("user_id = ?", userID).
		Scan(&total).Error
	return total, err
}

func (r *Repository) PurgeWindows(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("window_start < ?", before).Delete(&db.RateLimitWindow{})
	return res.RowsAffected, res.Error
}

// hitSQL creates the window or bumps it in one statement. The conflict
// branch only updates while under the cap, so a denied request changes no
// row and RowsAffected is 0.
const hitSQL = `
INSERT INTO rate_limits (user_id, endpoint, request_count, window_start)
VALUES (?, ?, 1, ?)
ON CONFLICT (user_id, endpoint) DO UPDATE
SET request_count = rate_limits.request_count + 1
WHERE rate_limits.request_count < ?`

func (r *Repository) Hit(ctx context.Context, userID uint, endpoint string, max int, now time.Time) (bool, int, error) {
	conn := r.db.WithContext(ctx)

	res := conn.Exec(hitSQL, userID, endpoint, now, max)
	if res.Error != nil {
		return false, 0, res.Error
	}
	allowed := res.RowsAffected > 0

	var w db.RateLimitWindow
	if err := conn.Where("user_id = ? AND endpoint = ?", userID, endpoint).First(&w).Error; err != nil {
		return false, 0, notFound(err)
	}
	return allowed, w.RequestCount, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrNotFound
	}
	return err
}

// Interface check
var _ repository.UserRepository = (*Repository)(nil)
var _ repository.QuestionRepository = (*Repository)(nil)
var _ repository.RateLimitRepository = (*Repository)(nil)
