package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/raakeshmj/entitlements/internal/billing"
	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/middleware"
	"github.com/raakeshmj/entitlements/internal/notify"
	"github.com/raakeshmj/entitlements/internal/service"
)

type upgradeRequest struct {
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

type upgradeResponse struct {
	Status      string         `json:"status"`
	Tier        db.Tier        `json:"tier"`
	Expires     *time.Time     `json:"subscription_expires,omitempty"`
	CheckoutURL string         `json:"checkout_url,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Stats       *service.Stats `json:"stats,omitempty"`
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFromContext(r.Context())

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	tier, err := service.ParseUpgradeTier(req.Tier)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_tier", "tier must be basic or unlimited")
		return
	}

	// Without a payment provider the upgrade is applied directly.
	if s.gateway == nil {
		ev := &billing.Event{Kind: billing.EventCheckoutCompleted, Email: u.Email, Tier: tier}
		updated, err := s.applyUpgrade(r.Context(), ev)
		if err != nil {
			log.Printf("manual upgrade user_id=%d: %v", u.ID, err)
			middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		stats, _ := s.svc.GetUserStats(r.Context(), updated.ID)
		middleware.WriteJSON(w, http.StatusOK, upgradeResponse{
			Status:  "upgraded",
			Tier:    tier,
			Expires: updated.SubscriptionExpires,
			Stats:   stats,
		})
		return
	}

	checkout, err := s.gateway.CreateCheckout(r.Context(), u.Email, tier)
	if errors.Is(err, billing.ErrNotConfigured) {
		middleware.WriteError(w, http.StatusServiceUnavailable, "billing_not_configured", "")
		return
	}
	if err != nil {
		log.Printf("create checkout user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusBadGateway, "checkout_failed", "failed to create checkout session")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, upgradeResponse{
		Status:      "checkout",
		Tier:        tier,
		CheckoutURL: checkout.URL,
		SessionID:   checkout.ID,
	})
}

func (s *Server) paymentSuccess(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		middleware.WriteError(w, http.StatusNotFound, "billing_not_configured", "")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "session_id_required", "")
		return
	}

	ev, err := s.gateway.VerifyCheckout(r.Context(), sessionID)
	if errors.Is(err, billing.ErrNotPaid) {
		middleware.WriteError(w, http.StatusPaymentRequired, "payment_incomplete", "payment has not completed")
		return
	}
	if err != nil {
		log.Printf("verify checkout session=%s: %v", sessionID, err)
		middleware.WriteError(w, http.StatusBadGateway, "verification_failed", "")
		return
	}

	u, err := s.applyUpgrade(r.Context(), ev)
	if err != nil {
		log.Printf("upgrade after checkout session=%s: %v", sessionID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, upgradeResponse{
		Status:  "upgraded",
		Tier:    ev.Tier,
		Expires: u.SubscriptionExpires,
	})
}

func (s *Server) billingPortal(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "billing_not_configured", "")
		return
	}
	u, _ := middleware.UserFromContext(r.Context())
	if u.StripeCustomerID == nil || *u.StripeCustomerID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "no_customer", "no billing account for this user")
		return
	}

	url, err := s.gateway.PortalURL(r.Context(), *u.StripeCustomerID)
	if err != nil {
		log.Printf("portal session user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusBadGateway, "portal_failed", "")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "billing_not_configured", "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, billing.MaxWebhookBytes))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_payload", "")
		return
	}

	ev, err := s.gateway.ParseWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		middleware.WriteError(w, http.StatusServiceUnavailable, "webhook_not_configured", "")
		return
	case errors.Is(err, billing.ErrInvalidSignature):
		log.Printf("stripe webhook signature failed: %v", err)
		middleware.WriteError(w, http.StatusBadRequest, "signature_verification_failed", "")
		return
	case errors.Is(err, billing.ErrMissingCustomer):
		// A retry cannot add the missing email; acknowledge so Stripe stops.
		log.Printf("stripe webhook ignored: %v", err)
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		log.Printf("stripe webhook rejected: %v", err)
		middleware.WriteError(w, http.StatusBadRequest, "invalid_event", "")
		return
	}

	switch ev.Kind {
	case billing.EventCheckoutCompleted, billing.EventSubscriptionCreated:
		_, err := s.applyUpgrade(r.Context(), ev)
		if errors.Is(err, service.ErrInvalidEmail) {
			log.Printf("stripe webhook ignored event=%s: no usable email %q", ev.ID, ev.Email)
			middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		if err != nil {
			log.Printf("stripe webhook upgrade event=%s: %v", ev.ID, err)
			middleware.WriteError(w, http.StatusInternalServerError, "upgrade_failed", "")
			return
		}
	case billing.EventSubscriptionDeleted:
		customerID := ev.CustomerID
		notify.Async(r.Context(), "subscription cancelled", func(ctx context.Context) error {
			return s.notifier.SubscriptionCancelled(ctx, customerID)
		})
	case billing.EventPaymentFailed:
		log.Printf("stripe payment failed customer=%s amount=%.2f", ev.CustomerID, ev.Amount)
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// applyUpgrade grants a paid event's tier for one month, registering the
// email if it has never used the chat.
func (s *Server) applyUpgrade(ctx context.Context, ev *billing.Event) (*db.User, error) {
	u, _, err := s.svc.GetOrCreateUser(ctx, ev.Email)
	if err != nil {
		return nil, err
	}
	if err := s.svc.UpgradeUser(ctx, u.ID, ev.Tier, ev.CustomerID, 1); err != nil {
		return nil, err
	}
	updated, err := s.svc.GetUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}

	amount := ev.Amount
	if amount == 0 {
		if p, ok := service.PlanFor(ev.Tier); ok {
			amount = float64(p.PriceCents) / 100
		}
	}
	email, tier := updated.Email, string(ev.Tier)
	notify.Async(ctx, "subscription started", func(ctx context.Context) error {
		return s.notifier.SubscriptionStarted(ctx, email, tier, amount)
	})
	return updated, nil
}
