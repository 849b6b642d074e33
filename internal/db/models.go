package db

import (
	"time"
)

// Tier is a subscription level. Stored as text in users.subscription_tier.
type Tier string

const (
	TierFree      Tier = "free"
	TierBasic     Tier = "basic"
	TierUnlimited Tier = "unlimited"
)

// Paid reports whether the tier is one a customer pays for (and can expire).
func (t Tier) Paid() bool {
	return t == TierBasic || t == TierUnlimited
}

type User struct {
	ID                  uint       `json:"id" gorm:"primaryKey"`
	Email               string     `json:"email" gorm:"size:320;not null;uniqueIndex"`
	EmailHash           string     `json:"-" gorm:"size:64;not null;uniqueIndex"` // sha256 hex of the normalized email
	SubscriptionTier    Tier       `json:"subscription_tier" gorm:"size:20;not null;default:'free'"`
	StripeCustomerID    *string    `json:"stripe_customer_id,omitempty" gorm:"size:255;index"`
	SubscriptionExpires *time.Time `json:"subscription_expires,omitempty"`
	CreatedAt           time.Time  `json:"created_at" gorm:"not null"`
}

// Question is an append-only log entry, one per accepted question.
type Question struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	UserID     uint      `json:"user_id" gorm:"not null;index"`
	User       *User     `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Text       string    `json:"question" gorm:"column:question;type:text;not null"`
	Site       string    `json:"site" gorm:"size:100;not null"`
	ArticleURL *string   `json:"article_url,omitempty" gorm:"size:2048"`
	Cost       float64   `json:"cost" gorm:"not null;default:0.03"`
	AskedAt    time.Time `json:"asked_at" gorm:"not null;index"`
}

// RateLimitWindow counts requests for one (user, endpoint) pair inside a
// one-minute fixed window.
type RateLimitWindow struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	UserID       uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_rate_limits_user_endpoint"`
	User         *User     `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Endpoint     string    `json:"endpoint" gorm:"size:255;not null;uniqueIndex:idx_rate_limits_user_endpoint"`
	RequestCount int       `json:"request_count" gorm:"not null;default:1"`
	WindowStart  time.Time `json:"window_start" gorm:"not null;index"`
}

func (RateLimitWindow) TableName() string {
	return "rate_limits"
}
