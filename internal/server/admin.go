package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/raakeshmj/entitlements/internal/audit"
	"github.com/raakeshmj/entitlements/internal/auth"
	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/middleware"
	"github.com/raakeshmj/entitlements/internal/service"
)

// adminToken exchanges the admin password for a short-lived JWT.
func (s *Server) adminToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminPasswordHash == "" {
		middleware.WriteError(w, http.StatusNotFound, "admin_disabled", "")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if !auth.CheckPasswordHash(req.Password, s.cfg.AdminPasswordHash) {
		// Simulating a delay to blunt password guessing (basic)
		time.Sleep(100 * time.Millisecond)
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	token, err := s.jwtManager.Generate("admin", []string{auth.ScopeAdmin})
	if err != nil {
		log.Printf("admin token: %v", err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	s.auditAdmin(r, "admin_login", "token", nil)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// adminUpgrade grants a tier without payment, e.g. for refunds or support.
func (s *Server) adminUpgrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string `json:"email"`
		Tier       string `json:"tier"`
		Months     int    `json:"months"`
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	tier, err := service.ParseUpgradeTier(req.Tier)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_tier", "tier must be basic or unlimited")
		return
	}

	u, _, err := s.svc.GetOrCreateUser(r.Context(), req.Email)
	if errors.Is(err, service.ErrInvalidEmail) {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_email", "email address is not valid")
		return
	}
	if err != nil {
		log.Printf("admin upgrade lookup: %v", err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	if err := s.svc.UpgradeUser(r.Context(), u.ID, tier, req.CustomerID, req.Months); err != nil {
		log.Printf("admin upgrade user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	stats, err := s.svc.GetUserStats(r.Context(), u.ID)
	if err != nil {
		log.Printf("admin upgrade stats user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	s.auditAdmin(r, "admin_upgrade", "user", map[string]any{"user_id": u.ID, "tier": tier, "months": req.Months})
	middleware.WriteJSON(w, http.StatusOK, stats)
}

// ListPolicies returns the route policies and the live default limit
func (s *Server) ListPolicies(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"policies": s.policyEngine.Policies(),
		"limits":   s.configManager.GetPolicy(),
	})
}

// ReloadPolicies updates the default per-minute limit without a restart
func (s *Server) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	var newPolicy config.PolicyConfig
	if err := json.NewDecoder(r.Body).Decode(&newPolicy); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if err := s.configManager.UpdatePolicy(newPolicy); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_policy", err.Error())
		return
	}

	s.auditAdmin(r, "policy_reload", "config", map[string]any{"default_requests_per_minute": newPolicy.DefaultRequestsPerMinute})
	middleware.WriteJSON(w, http.StatusOK, s.configManager.GetPolicy())
}

func (s *Server) auditAdmin(r *http.Request, action, resource string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		meta["actor"] = claims.Subject
	}
	entry := audit.LogEntry{
		Timestamp: s.now(),
		Action:    action,
		Resource:  resource,
		Status:    http.StatusOK,
		Metadata:  meta,
	}
	if info := middleware.InfoFromContext(r.Context()); info != nil {
		entry.RequestID = info.ID
	}
	s.auditLogger.Log(entry)
}
