package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/service"
)

const (
	UserEmailHeader = "X-User-Email"
	maxIdentifyBody = 1 << 20
)

// UserResolver maps an email to a stored user.
type UserResolver interface {
	GetOrCreateUser(ctx context.Context, email string) (*db.User, bool, error)
	FindUserByEmail(ctx context.Context, email string) (*db.User, error)
}

type IdentifyOptions struct {
	// Create registers unknown emails; otherwise they get 404.
	Create bool
	// OnCreated runs after a new user is registered.
	OnCreated func(r *http.Request, u *db.User)
}

// Identify resolves the caller from the {email} path value, the
// X-User-Email header or an "email" field in a JSON body, in that order.
func Identify(users UserResolver, opts IdentifyOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email, err := emailFrom(r)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			if email == "" {
				WriteError(w, http.StatusBadRequest, "email_required", "an email is required")
				return
			}

			var (
				user    *db.User
				created bool
			)
			if opts.Create {
				user, created, err = users.GetOrCreateUser(r.Context(), email)
			} else {
				user, err = users.FindUserByEmail(r.Context(), email)
			}
			switch {
			case errors.Is(err, service.ErrInvalidEmail):
				WriteError(w, http.StatusBadRequest, "invalid_email", "email address is not valid")
				return
			case errors.Is(err, service.ErrUserNotFound):
				WriteError(w, http.StatusNotFound, "user_not_found", "no user with that email")
				return
			case err != nil:
				log.Printf("identify: %v", err)
				WriteError(w, http.StatusInternalServerError, "internal_error", "")
				return
			}

			if info := InfoFromContext(r.Context()); info != nil {
				info.UserID = user.ID
			}
			if created && opts.OnCreated != nil {
				opts.OnCreated(r, user)
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the user resolved by Identify.
func UserFromContext(ctx context.Context) (*db.User, bool) {
	u, ok := ctx.Value(userKey).(*db.User)
	return u, ok
}

var errBodyTooLarge = errors.New("request body too large")

func emailFrom(r *http.Request) (string, error) {
	if email := r.PathValue("email"); email != "" {
		return email, nil
	}
	if email := r.Header.Get(UserEmailHeader); email != "" {
		return email, nil
	}
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdentifyBody+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxIdentifyBody {
		return "", errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var peek struct {
		Email string `json:"email"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &peek); err != nil {
			return "", errors.New("invalid JSON body")
		}
	}
	return peek.Email, nil
}
