package memory

import (
	"context"
	"sync"
	"time"

	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/repository"
)

type windowKey struct {
	userID   uint
	endpoint string
}

// MemoryRepository keeps users, questions and rate windows in process.
// Returned users are copies so callers cannot mutate stored state.
type MemoryRepository struct {
	users     map[uint]*db.User
	byHash    map[string]uint
	byEmail   map[string]uint
	questions []db.Question
	windows   map[windowKey]*db.RateLimitWindow
	nextUser  uint
	nextQ     uint
	nextW     uint
	mu        sync.RWMutex
}

func New() *MemoryRepository {
	return &MemoryRepository{
		users:   make(map[uint]*db.User),
		byHash:  make(map[string]uint),
		byEmail: make(map[string]uint),
		windows: make(map[windowKey]*db.RateLimitWindow),
	}
}

// User Repo Implementation
func (r *MemoryRepository) FindByID(ctx context.Context, id uint) (*db.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) FindByEmailHash(ctx context.Context, emailHash string) (*db.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byHash[emailHash]; ok {
		return copyUser(r.users[id]), nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) CreateIfAbsent(ctx context.Context, user *db.User) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byHash[user.EmailHash]; ok {
		return false, nil
	}
	if _, ok := r.byEmail[user.Email]; ok {
		return false, nil
	}

	r.nextUser++
	user.ID = r.nextUser
	if user.SubscriptionTier == "" {
		user.SubscriptionTier = db.TierFree
	}
	r.users[user.ID] = copyUser(user)
	r.byHash[user.EmailHash] = user.ID
	r.byEmail[user.Email] = user.ID
	return true, nil
}

func (r *MemoryRepository) UpdateSubscription(ctx context.Context, id uint, tier db.Tier, customerID string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.SubscriptionTier = tier
	u.SubscriptionExpires = &expires
	if customerID != "" {
		u.StripeCustomerID = &customerID
	}
	return nil
}

func (r *MemoryRepository) ExpireSubscription(ctx context.Context, id uint, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	return expire(u, now), nil
}

func (r *MemoryRepository) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, u := range r.users {
		if expire(u, now) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.users)), nil
}

// Question Repo Implementation
func (r *MemoryRepository) Create(ctx context.Context, q *db.Question) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Mirrors the foreign key on questions.user_id.
	if _, ok := r.users[q.UserID]; !ok {
		return repository.ErrNotFound
	}
	r.nextQ++
	q.ID = r.nextQ
	r.questions = append(r.questions, *q)
	return nil
}

func (r *MemoryRepository) CountByUser(ctx context.Context, userID uint) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for i := range r.questions {
		if r.questions[i].UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountByUserSince(ctx context.Context, userID uint, since time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for i := range r.questions {
		q := &r.questions[i]
		if q.UserID == userID && !q.AskedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) SumCostByUser(ctx context.Context, userID uint) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total float64
	for i := range r.questions {
		if r.questions[i].UserID == userID {
			total += r.questions[i].Cost
		}
	}
	return total, nil
}

// RateLimit Repo Implementation
func (r *MemoryRepository) PurgeWindows(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, w := range r.windows {
		if w.WindowStart.Before(before) {
			delete(r.windows, k)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Hit(ctx context.Context, userID uint, endpoint string, max int, now time.Time) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := windowKey{userID: userID, endpoint: endpoint}
	w, ok := r.windows[key]
	if !ok {
		r.nextW++
		r.windows[key] = &db.RateLimitWindow{
			ID:           r.nextW,
			UserID:       userID,
			Endpoint:     endpoint,
			RequestCount: 1,
			WindowStart:  now,
		}
		return true, 1, nil
	}

	if w.RequestCount >= max {
		return false, w.RequestCount, nil
	}
	w.RequestCount++
	return true, w.RequestCount, nil
}

func expire(u *db.User, now time.Time) bool {
	if u.SubscriptionTier == db.TierFree || u.SubscriptionExpires == nil {
		return false
	}
	if !u.SubscriptionExpires.Before(now) {
		return false
	}
	u.SubscriptionTier = db.TierFree
	return true
}

func copyUser(u *db.User) *db.User {
	c := *u
	if u.StripeCustomerID != nil {
		id := *u.StripeCustomerID
		c.StripeCustomerID = &id
	}
	if u.SubscriptionExpires != nil {
		t := *u.SubscriptionExpires
		c.SubscriptionExpires = &t
	}
	return &c
}

// Interface check
var _ repository.UserRepository = (*MemoryRepository)(nil)
var _ repository.QuestionRepository = (*MemoryRepository)(nil)
var _ repository.RateLimitRepository = (*MemoryRepository)(nil)
