package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/stripe/stripe-go/v79"
	portal "github.com/stripe/stripe-go/v79/billingportal/session"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/webhook"
)

// MaxWebhookBytes caps the webhook body read by handlers.
const MaxWebhookBytes = int64(65536)

var (
	ErrNotConfigured    = errors.New("billing not configured")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrNotPaid          = errors.New("checkout session not paid")
	ErrUnknownPrice     = errors.New("price does not map to a tier")
	ErrMissingCustomer  = errors.New("missing customer")
)

type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentFailed       EventKind = "payment_failed"
	EventIgnored             EventKind = "ignored"
)

// Event is the part of a payment provider event the store cares about.
type Event struct {
	ID         string
	Type       string
	Kind       EventKind
	Email      string
	Tier       db.Tier
	CustomerID string
	Amount     float64 // dollars
}

// Checkout is a hosted payment page the user is redirected to.
type Checkout struct {
	ID  string `json:"session_id"`
	URL string `json:"checkout_url"`
}

// Gateway is the payment provider as seen by the HTTP layer.
type Gateway interface {
	CreateCheckout(ctx context.Context, email string, tier db.Tier) (*Checkout, error)
	VerifyCheckout(ctx context.Context, sessionID string) (*Event, error)
	PortalURL(ctx context.Context, customerID string) (string, error)
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// StripeGateway implements Gateway with Stripe Checkout subscriptions.
type StripeGateway struct {
	cfg    config.StripeConfig
	prices map[db.Tier]string

	// lookupEmail resolves a customer id when an event carries no email.
	lookupEmail func(ctx context.Context, customerID string) (string, error)
}

var _ Gateway = (*StripeGateway)(nil)

func NewStripeGateway(cfg config.StripeConfig) *StripeGateway {
	stripe.Key = cfg.SecretKey
	return &StripeGateway{
		cfg: cfg,
		prices: map[db.Tier]string{
			db.TierBasic:     cfg.PriceIDBasic,
			db.TierUnlimited: cfg.PriceIDUnlimited,
		},
		lookupEmail: customerEmail,
	}
}

func customerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := customer.Get(customerID, params)
	if err != nil {
		return "", err
	}
	return c.Email, nil
}

func (g *StripeGateway) tierForPrice(priceID string) (db.Tier, bool) {
	for tier, id := range g.prices {
		if id != "" && id == priceID {
			return tier, true
		}
	}
	return "", false
}

func (g *StripeGateway) CreateCheckout(ctx context.Context, email string, tier db.Tier) (*Checkout, error) {
	priceID := g.prices[tier]
	if priceID == "" || g.cfg.PublicBaseURL == "" {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(g.cfg.PublicBaseURL + "/api/payment-success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(g.cfg.PublicBaseURL + "/api/plans?cancelled=" + url.QueryEscape(string(tier))),
	}
	params.Context = ctx
	params.AddMetadata("email", email)
	params.AddMetadata("tier", string(tier))

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &Checkout{ID: sess.ID, URL: sess.URL}, nil
}

// VerifyCheckout fetches a session after the success redirect and reports
// what was bought. Unpaid sessions return ErrNotPaid.
func (g *StripeGateway) VerifyCheckout(ctx context.Context, sessionID string) (*Event, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, ErrNotPaid
	}
	return g.checkoutEvent(sess)
}

func (g *StripeGateway) checkoutEvent(sess *stripe.CheckoutSession) (*Event, error) {
	ev := &Event{
		Kind:   EventCheckoutCompleted,
		Email:  sess.Metadata["email"],
		Tier:   db.Tier(sess.Metadata["tier"]),
		Amount: float64(sess.AmountTotal) / 100,
	}
	if ev.Email == "" {
		ev.Email = sess.CustomerEmail
	}
	if ev.Email == "" && sess.CustomerDetails != nil {
		ev.Email = sess.CustomerDetails.Email
	}
	if sess.Customer != nil {
		ev.CustomerID = sess.Customer.ID
	}
	if ev.Email == "" {
		return nil, fmt.Errorf("%w: checkout session %s has no email", ErrMissingCustomer, sess.ID)
	}
	if !ev.Tier.Paid() {
		return nil, fmt.Errorf("checkout session %s has no tier metadata", sess.ID)
	}
	return ev, nil
}

func (g *StripeGateway) PortalURL(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", ErrMissingCustomer
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(g.cfg.PublicBaseURL + "/api/plans"),
	}
	params.Context = ctx

	sess, err := portal.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// ParseWebhook verifies the signature and decodes the events this store acts on.
// Other event types come back as EventIgnored. Events that name no
// reachable email fail with ErrMissingCustomer.
func (g *StripeGateway) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	if g.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		signature,
		g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	base := Event{ID: event.ID, Type: string(event.Type), Kind: EventIgnored}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		ev, err := g.checkoutEvent(&sess)
		if err != nil {
			return nil, err
		}
		ev.ID, ev.Type = base.ID, base.Type
		return ev, nil

	case "customer.subscription.created":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		ev := base
		ev.Kind = EventSubscriptionCreated
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if ev.CustomerID == "" {
			return nil, ErrMissingCustomer
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			price := sub.Items.Data[0].Price
			tier, ok := g.tierForPrice(price.ID)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, price.ID)
			}
			ev.Tier = tier
			ev.Amount = float64(price.UnitAmount) / 100
		} else if t := db.Tier(sub.Metadata["tier"]); t.Paid() {
			ev.Tier = t
		} else {
			return nil, fmt.Errorf("%w: subscription %s has no price", ErrUnknownPrice, sub.ID)
		}
		ev.Email = sub.Metadata["email"]
		if ev.Email == "" {
			email, err := g.lookupEmail(ctx, ev.CustomerID)
			if err != nil {
				return nil, fmt.Errorf("lookup customer %s: %w", ev.CustomerID, err)
			}
			ev.Email = email
		}
		if ev.Email == "" {
			return nil, fmt.Errorf("%w: customer %s has no email", ErrMissingCustomer, ev.CustomerID)
		}
		return &ev, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		ev := base
		ev.Kind = EventSubscriptionDeleted
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if ev.CustomerID == "" {
			return nil, ErrMissingCustomer
		}
		return &ev, nil

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		ev := base
		ev.Kind = EventPaymentFailed
		ev.Email = inv.CustomerEmail
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
		ev.Amount = float64(inv.AmountDue) / 100
		return &ev, nil
	}

	return &base, nil
}
