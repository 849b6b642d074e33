package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/middleware"
	"github.com/raakeshmj/entitlements/internal/notify"
	"github.com/raakeshmj/entitlements/internal/service"
)

// maxSiteLen bounds the {site} path value recorded with each question.
const maxSiteLen = 64

type gateResponse struct {
	Allowed      bool           `json:"allowed"`
	LimitReached bool           `json:"limit_reached,omitempty"`
	Reason       service.Reason `json:"reason"`
	Message      string         `json:"message,omitempty"`
	Tier         db.Tier        `json:"tier"`
	Stats        *service.Stats `json:"stats"`
	Upgrade      []service.Plan `json:"upgrade_options,omitempty"`
}

type questionRequest struct {
	Email      string `json:"email"`
	Question   string `json:"question"`
	ArticleURL string `json:"article_url"`
}

type questionResponse struct {
	QuestionID uint           `json:"question_id"`
	Stats      *service.Stats `json:"stats"`
}

func (s *Server) userCreated(r *http.Request, u *db.User) {
	site := r.PathValue("site")
	email := u.Email
	notify.Async(r.Context(), "user created", func(ctx context.Context) error {
		return s.notifier.UserCreated(ctx, email, site)
	})
}

func siteFrom(r *http.Request) (string, bool) {
	site := strings.TrimSpace(r.PathValue("site"))
	if site == "" || len(site) > maxSiteLen {
		return "", false
	}
	if info := middleware.InfoFromContext(r.Context()); info != nil {
		info.Site = site
	}
	return site, true
}

// gate runs the quota check and, on denial, writes the limit response.
// It reports whether the caller may continue.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, u *db.User) bool {
	d, err := s.svc.CanAskQuestion(r.Context(), u.ID)
	if err != nil {
		log.Printf("can ask question user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return false
	}
	s.metrics.RecordDecision(string(d.Reason))
	if d.Allowed {
		return true
	}

	stats, err := s.svc.GetUserStats(r.Context(), u.ID)
	if err != nil {
		log.Printf("user stats user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return false
	}

	resp := gateResponse{
		LimitReached: true,
		Reason:       d.Reason,
		Message:      service.LimitMessage(d.Reason),
		Tier:         stats.Tier,
		Stats:        stats,
		Upgrade:      upgradeOptions(stats.Tier),
	}
	if d.Reason == service.ReasonFreeLimitReached {
		email, total := u.Email, stats.TotalQuestions
		notify.Async(r.Context(), "free limit reached", func(ctx context.Context) error {
			return s.notifier.FreeLimitReached(ctx, email, total)
		})
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
	return false
}

// upgradeOptions lists plans above the current tier.
func upgradeOptions(current db.Tier) []service.Plan {
	var out []service.Plan
	for _, p := range service.Plans() {
		if current == db.TierBasic && p.Tier == db.TierBasic {
			continue
		}
		if current == db.TierUnlimited {
			break
		}
		out = append(out, p)
	}
	return out
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	if _, ok := siteFrom(r); !ok {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_site", "")
		return
	}
	u, _ := middleware.UserFromContext(r.Context())

	if !s.gate(w, r, u) {
		return
	}

	stats, err := s.svc.GetUserStats(r.Context(), u.ID)
	if err != nil {
		log.Printf("user stats user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, gateResponse{
		Allowed: true,
		Reason:  service.ReasonOK,
		Tier:    stats.Tier,
		Stats:   stats,
	})
}

func (s *Server) logQuestion(w http.ResponseWriter, r *http.Request) {
	site, ok := siteFrom(r)
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_site", "")
		return
	}
	u, _ := middleware.UserFromContext(r.Context())

	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		middleware.WriteError(w, http.StatusBadRequest, "question_required", "question is required")
		return
	}

	if !s.gate(w, r, u) {
		return
	}

	q, err := s.svc.LogQuestion(r.Context(), service.QuestionInput{
		UserID:     u.ID,
		Question:   req.Question,
		Site:       site,
		ArticleURL: req.ArticleURL,
	})
	if err != nil {
		log.Printf("log question user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	stats, err := s.svc.GetUserStats(r.Context(), u.ID)
	if err != nil {
		log.Printf("user stats user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, questionResponse{QuestionID: q.ID, Stats: stats})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFromContext(r.Context())

	stats, err := s.svc.GetUserStats(r.Context(), u.ID)
	if err != nil {
		log.Printf("user stats user_id=%d: %v", u.ID, err)
		middleware.WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) plans(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"free_questions": service.FreeQuestionLimit,
		"plans":          service.Plans(),
	})
}
