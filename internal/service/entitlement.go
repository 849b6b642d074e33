package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/raakeshmj/entitlements/internal/auth"
	"github.com/raakeshmj/entitlements/internal/cache"
	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/repository"
)

var (
	ErrInvalidEmail = errors.New("invalid email format")
	ErrInvalidTier  = errors.New("invalid tier")
	ErrUserNotFound = errors.New("user not found")
)

const (
	DefaultQuestionCost      = 0.03
	DefaultRequestsPerMinute = 10
	RateLimitWindow          = time.Minute
	// SubscriptionMonth is a fixed 30-day approximation, not a calendar month.
	SubscriptionMonth = 30 * 24 * time.Hour
)

// Reason is the machine-readable outcome of a quota or rate-limit check.
type Reason string

const (
	ReasonOK                  Reason = "ok"
	ReasonFreeLimitReached    Reason = "free_limit_reached"
	ReasonMonthlyLimitReached Reason = "monthly_limit_reached"
	ReasonUnknownTier         Reason = "unknown_tier"
	ReasonRateLimitExceeded   Reason = "rate_limit_exceeded"
)

// Decision is returned by the quota and rate-limit checks. Denials are
// values, not errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
	Count   int64  `json:"count"`
	Limit   int64  `json:"limit,omitempty"` // zero when the tier has no cap
}

type QuestionInput struct {
	UserID     uint
	Question   string
	Site       string
	ArticleURL string
	Cost       float64 // zero uses the configured default
}

type Stats struct {
	Email               string     `json:"email"`
	Tier                db.Tier    `json:"tier"`
	TotalQuestions      int64      `json:"total_questions"`
	MonthlyQuestions    int64      `json:"monthly_questions"`
	RemainingQuestions  *int64     `json:"remaining_questions"` // nil means unlimited
	TotalCost           float64    `json:"total_cost"`
	CreatedAt           time.Time  `json:"created_at"`
	SubscriptionExpires *time.Time `json:"subscription_expires"`
}

type Options struct {
	QuestionCost      float64
	RequestsPerMinute int
	Now               func() time.Time
}

type EntitlementService struct {
	users     repository.UserRepository
	questions repository.QuestionRepository
	windows   repository.RateLimitRepository
	userIDs   *cache.MemoryCache[uint]
	opts      Options
}

func NewEntitlementService(u repository.UserRepository, q repository.QuestionRepository, w repository.RateLimitRepository, c *cache.MemoryCache[uint], opts Options) *EntitlementService {
	if opts.QuestionCost <= 0 {
		opts.QuestionCost = DefaultQuestionCost
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if c == nil {
		c = cache.NewMemoryCache[uint](10 * time.Minute)
	}
	return &EntitlementService{
		users:     u,
		questions: q,
		windows:   w,
		userIDs:   c,
		opts:      opts,
	}
}

func (s *EntitlementService) now() time.Time {
	return s.opts.Now().UTC()
}

// GetOrCreateUser resolves an email to its user, creating a free-tier user
// on first contact. The bool is true only for the call that inserted.
func (s *EntitlementService) GetOrCreateUser(ctx context.Context, email string) (*db.User, bool, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, false, ErrInvalidEmail
	}
	hash := auth.HashEmail(email)

	// L1 Cache Check (hash -> id never changes once written)
	if id, found := s.userIDs.Get(hash); found {
		u, err := s.users.FindByID(ctx, id)
		if err == nil {
			return u, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
		s.userIDs.Delete(hash)
	}

	u, err := s.users.FindByEmailHash(ctx, hash)
	if err == nil {
		s.userIDs.Set(hash, u.ID)
		return u, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup user: %w", err)
	}

	nu := &db.User{
		Email:            email,
		EmailHash:        hash,
		SubscriptionTier: db.TierFree,
		CreatedAt:        s.now(),
	}
	created, err := s.users.CreateIfAbsent(ctx, nu)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	if !created {
		// Lost a concurrent first-contact race; the winner's row is the user.
		u, err := s.users.FindByEmailHash(ctx, hash)
		if err != nil {
			return nil, false, fmt.Errorf("lookup user after conflict: %w", err)
		}
		s.userIDs.Set(hash, u.ID)
		return u, false, nil
	}

	log.Printf("user created id=%d", nu.ID)
	s.userIDs.Set(hash, nu.ID)
	return nu, true, nil
}

// CanAskQuestion applies the tier quota. An expired paid subscription is
// downgraded to free first, and the free limit applies in the same call.
func (s *EntitlementService) CanAskQuestion(ctx context.Context, userID uint) (Decision, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	now := s.now()
	tier := u.SubscriptionTier
	if expired(u, now) {
		if _, err := s.users.ExpireSubscription(ctx, userID, now); err != nil {
			return Decision{}, fmt.Errorf("expire subscription: %w", err)
		}
		log.Printf("subscription expired user_id=%d tier=%s expired_at=%s", userID, tier, u.SubscriptionExpires.Format(time.RFC3339))
		tier = db.TierFree
	}

	switch tier {
	case db.TierFree:
		total, err := s.questions.CountByUser(ctx, userID)
		if err != nil {
			return Decision{}, err
		}
		if total >= FreeQuestionLimit {
			return Decision{Reason: ReasonFreeLimitReached, Count: total, Limit: FreeQuestionLimit}, nil
		}
		return Decision{Allowed: true, Reason: ReasonOK, Count: total, Limit: FreeQuestionLimit}, nil

	case db.TierBasic:
		monthly, err := s.questions.CountByUserSince(ctx, userID, monthStart(now))
		if err != nil {
			return Decision{}, err
		}
		if monthly >= BasicMonthlyLimit {
			return Decision{Reason: ReasonMonthlyLimitReached, Count: monthly, Limit: BasicMonthlyLimit}, nil
		}
		return Decision{Allowed: true, Reason: ReasonOK, Count: monthly, Limit: BasicMonthlyLimit}, nil

	case db.TierUnlimited:
		return Decision{Allowed: true, Reason: ReasonOK}, nil
	}

	return Decision{Reason: ReasonUnknownTier}, nil
}

// LogQuestion appends one accepted question. It does not check quota.
func (s *EntitlementService) LogQuestion(ctx context.Context, in QuestionInput) (*db.Question, error) {
	cost := in.Cost
	if cost <= 0 {
		cost = s.opts.QuestionCost
	}

	q := &db.Question{
		UserID:  in.UserID,
		Text:    in.Question,
		Site:    in.Site,
		Cost:    cost,
		AskedAt: s.now(),
	}
	if url := strings.TrimSpace(in.ArticleURL); url != "" {
		q.ArticleURL = &url
	}

	if err := s.questions.Create(ctx, q); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("log question: %w", err)
	}
	return q, nil
}

// UpgradeUser moves a user to a paid tier for 30*months days from now.
// A later call replaces tier and expiry; durations do not stack.
func (s *EntitlementService) UpgradeUser(ctx context.Context, userID uint, tier db.Tier, customerID string, months int) error {
	if !tier.Paid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if months < 1 {
		months = 1
	}

	expires := s.now().Add(time.Duration(months) * SubscriptionMonth)
	err := s.users.UpdateSubscription(ctx, userID, tier, customerID, expires)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("upgrade user: %w", err)
	}

	log.Printf("user upgraded user_id=%d tier=%s expires=%s", userID, tier, expires.Format(time.RFC3339))
	return nil
}

// CheckRateLimit counts one request against a fixed one-minute window for
// the (user, endpoint) pair. Every call first sweeps stale windows for all
// users. maxPerMinute <= 0 uses the configured default.
func (s *EntitlementService) CheckRateLimit(ctx context.Context, userID uint, endpoint string, maxPerMinute int) (Decision, error) {
	if maxPerMinute <= 0 {
		maxPerMinute = s.opts.RequestsPerMinute
	}
	now := s.now()

	if _, err := s.windows.PurgeWindows(ctx, now.Add(-RateLimitWindow)); err != nil {
		return Decision{}, fmt.Errorf("purge rate windows: %w", err)
	}

	allowed, count, err := s.windows.Hit(ctx, userID, endpoint, maxPerMinute, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit hit: %w", err)
	}

	d := Decision{Allowed: allowed, Reason: ReasonOK, Count: int64(count), Limit: int64(maxPerMinute)}
	if !allowed {
		d.Reason = ReasonRateLimitExceeded
	}
	return d, nil
}

// GetUserStats reports usage without writing. The tier shown is the
// effective one, so an expired subscription already reads as free.
func (s *EntitlementService) GetUserStats(ctx context.Context, userID uint) (*Stats, error) {
	u, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	total, err := s.questions.CountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	monthly, err := s.questions.CountByUserSince(ctx, userID, monthStart(now))
	if err != nil {
		return nil, err
	}
	cost, err := s.questions.SumCostByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	tier := u.SubscriptionTier
	if expired(u, now) {
		tier = db.TierFree
	}

	stats := &Stats{
		Email:               u.Email,
		Tier:                tier,
		TotalQuestions:      total,
		MonthlyQuestions:    monthly,
		TotalCost:           math.Round(cost*100) / 100,
		CreatedAt:           u.CreatedAt,
		SubscriptionExpires: u.SubscriptionExpires,
	}

	switch tier {
	case db.TierFree:
		stats.RemainingQuestions = remaining(FreeQuestionLimit, total)
	case db.TierBasic:
		stats.RemainingQuestions = remaining(BasicMonthlyLimit, monthly)
	case db.TierUnlimited:
		// unbounded
	default:
		stats.RemainingQuestions = remaining(0, 0)
	}
	return stats, nil
}

// ExpireSubscriptions downgrades every lapsed paid user. Used by the sweeper;
// CanAskQuestion does the same per user so correctness never depends on it.
func (s *EntitlementService) ExpireSubscriptions(ctx context.Context) (int64, error) {
	return s.users.ExpireSubscriptions(ctx, s.now())
}

// PurgeRateLimitWindows drops windows older than one minute.
func (s *EntitlementService) PurgeRateLimitWindows(ctx context.Context) (int64, error) {
	return s.windows.PurgeWindows(ctx, s.now().Add(-RateLimitWindow))
}

// FindUserByEmail looks a user up without creating one.
func (s *EntitlementService) FindUserByEmail(ctx context.Context, email string) (*db.User, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	u, err := s.users.FindByEmailHash(ctx, auth.HashEmail(email))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// GetUser returns the stored user row.
func (s *EntitlementService) GetUser(ctx context.Context, userID uint) (*db.User, error) {
	return s.findUser(ctx, userID)
}

func (s *EntitlementService) findUser(ctx context.Context, userID uint) (*db.User, error) {
	u, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func expired(u *db.User, now time.Time) bool {
	return u.SubscriptionTier != db.TierFree &&
		u.SubscriptionExpires != nil &&
		now.After(*u.SubscriptionExpires)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func remaining(limit, used int64) *int64 {
	r := limit - used
	if r < 0 {
		r = 0
	}
	return &r
}
