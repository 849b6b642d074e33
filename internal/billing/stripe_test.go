package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testSecret = "whsec_test"

func newTestGateway() *StripeGateway {
	g := NewStripeGateway(config.StripeConfig{
		SecretKey:        "sk_test_123",
		WebhookSecret:    testSecret,
		PriceIDBasic:     "price_basic",
		PriceIDUnlimited: "price_unlimited",
		PublicBaseURL:    "https://api.example",
	})
	g.lookupEmail = func(_ context.Context, customerID string) (string, error) {
		switch customerID {
		case "cus_known":
			return "ada@example.com", nil
		case "cus_blank":
			return "", nil
		}
		return "", errors.New("no such customer")
	}
	return g
}

func sign(payload string) ([]byte, string) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testSecret,
	})
	return signed.Payload, signed.Header
}

func TestParseWebhook_CheckoutCompleted(t *testing.T) {
	body, sig := sign(`{
		"id": "evt_1", "object": "event", "type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1", "object": "checkout.session", "customer": "cus_1",
			"payment_status": "paid", "amount_total": 199,
			"metadata": {"email": "ada@example.com", "tier": "basic"}
		}}
	}`)

	ev, err := newTestGateway().ParseWebhook(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Kind != EventCheckoutCompleted || ev.Email != "ada@example.com" || ev.Tier != db.TierBasic {
		t.Errorf("event = %+v", ev)
	}
	if ev.CustomerID != "cus_1" || ev.Amount != 1.99 || ev.ID != "evt_1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseWebhook_SubscriptionCreatedMapsPrice(t *testing.T) {
	body, sig := sign(`{
		"id": "evt_2", "object": "event", "type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_1", "object": "subscription", "customer": "cus_known",
			"items": {"object": "list", "data": [
				{"id": "si_1", "object": "subscription_item", "price": {"id": "price_unlimited", "object": "price", "unit_amount": 499}}
			]}
		}}
	}`)

	ev, err := newTestGateway().ParseWebhook(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Kind != EventSubscriptionCreated || ev.Tier != db.TierUnlimited {
		t.Errorf("event = %+v", ev)
	}
	if ev.Email != "ada@example.com" {
		t.Errorf("email should come from customer lookup, got %q", ev.Email)
	}
	if ev.Amount != 4.99 {
		t.Errorf("amount = %v, want 4.99", ev.Amount)
	}
}

func TestParseWebhook_SubscriptionWithoutEmail(t *testing.T) {
	body, sig := sign(`{
		"id": "evt_5", "object": "event", "type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_5", "object": "subscription", "customer": "cus_blank",
			"items": {"object": "list", "data": [{"id": "si_5", "price": {"id": "price_basic"}}]}
		}}
	}`)

	if _, err := newTestGateway().ParseWebhook(context.Background(), body, sig); !errors.Is(err, ErrMissingCustomer) {
		t.Errorf("expected ErrMissingCustomer, got %v", err)
	}
}

func TestParseWebhook_LookupUsesRequestContext(t *testing.T) {
	body, sig := sign(`{
		"id": "evt_6", "object": "event", "type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_6", "object": "subscription", "customer": "cus_known",
			"items": {"object": "list", "data": [{"id": "si_6", "price": {"id": "price_basic"}}]}
		}}
	}`)

	g := newTestGateway()
	g.lookupEmail = func(ctx context.Context, _ string) (string, error) {
		return "", ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.ParseWebhook(ctx, body, sig); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from lookup, got %v", err)
	}
}

func TestParseWebhook_UnknownPrice(t *testing.T) {
	body, sig := sign(`{
		"id": "evt_3", "object": "event", "type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_2", "object": "subscription", "customer": "cus_known",
			"items": {"object": "list", "data": [{"id": "si_2", "price": {"id": "price_other"}}]}
		}}
	}`)

	if _, err := newTestGateway().ParseWebhook(context.Background(), body, sig); !errors.Is(err, ErrUnknownPrice) {
		t.Errorf("expected ErrUnknownPrice, got %v", err)
	}
}

func TestParseWebhook_SubscriptionDeleted(t *testing.T) {
	body, sig := sign(`{
		"id": "evt_4", "object": "event", "type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "object": "subscription", "customer": "cus_9"}}
	}`)

	ev, err := newTestGateway().ParseWebhook(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Kind != EventSubscriptionDeleted || ev.CustomerID != "cus_9" {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseWebhook_IgnoresOtherEvents(t *testing.T) {
	body, sig := sign(`{"id": "evt_5", "object": "event", "type": "charge.refunded", "data": {"object": {}}}`)

	ev, err := newTestGateway().ParseWebhook(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Kind != EventIgnored || ev.Type != "charge.refunded" {
		t.Errorf("event = %+v", ev)
	}
}

func TestParseWebhook_BadSignature(t *testing.T) {
	body, _ := sign(`{"id": "evt_6", "object": "event", "type": "checkout.session.completed", "data": {"object": {}}}`)

	if _, err := newTestGateway().ParseWebhook(context.Background(), body, "t=1,v1=deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestParseWebhook_NotConfigured(t *testing.T) {
	g := NewStripeGateway(config.StripeConfig{SecretKey: "sk_test_123"})
	if _, err := g.ParseWebhook(context.Background(), []byte(`{}`), ""); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCreateCheckout_RequiresPrice(t *testing.T) {
	g := NewStripeGateway(config.StripeConfig{SecretKey: "sk_test_123", PublicBaseURL: "https://api.example"})
	if _, err := g.CreateCheckout(context.Background(), "ada@example.com", db.TierBasic); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
