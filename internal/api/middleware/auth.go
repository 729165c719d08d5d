package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/api/response"
	"github.com/kiranshivaraju/imagepod/internal/credentials"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// CredentialStore is the subset of store.Store needed to resolve bearer
// tokens.
type CredentialStore interface {
	GetExecutorByTokenHash(ctx context.Context, tokenHash string) (*models.Executor, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Auth provides authentication and authorization middleware.
type Auth struct {
	store  CredentialStore
	logger *slog.Logger
}

// NewAuth creates a new Auth middleware.
func NewAuth(s CredentialStore, logger *slog.Logger) *Auth {
	return &Auth{store: s, logger: logger.With("component", "auth")}
}

// Authenticate resolves the Bearer token to a Principal. Executor tokens are
// tried first by SHA-256 lookup; anything else is treated as a user API key.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		p, err := a.resolve(r.Context(), raw)
		switch {
		case errors.Is(err, errInvalidToken):
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		case err != nil:
			a.logger.Error("resolve credentials", "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetPrincipal(r.Context(), p)))
	})
}

var errInvalidToken = errors.New("invalid token")

func (a *Auth) resolve(ctx context.Context, raw string) (Principal, error) {
	exec, err := a.store.GetExecutorByTokenHash(ctx, credentials.HashExecutorToken(raw))
	switch {
	case err == nil:
		if !exec.IsActive {
			return Principal{}, errInvalidToken
		}
		return Principal{
			Kind:    PrincipalExecutor,
			ID:      exec.ID,
			RateKey: "executor:" + exec.ID.String(),
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Principal{}, err
	}

	if len(raw) < credentials.KeyPrefixLen {
		return Principal{}, errInvalidToken
	}
	prefix := raw[:credentials.KeyPrefixLen]

	keys, err := a.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return Principal{}, err
	}
	for _, key := range keys {
		if !credentials.VerifyAPIKey(key.KeyHash, raw) {
			continue
		}
		user, err := a.store.GetUser(ctx, key.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, errInvalidToken
		}
		if err != nil {
			return Principal{}, err
		}
		if !user.IsActive {
			return Principal{}, errInvalidToken
		}

		go a.touchKey(key.ID)

		return Principal{
			Kind:    PrincipalUser,
			ID:      user.ID,
			RateKey: "user:" + prefix,
			Scopes:  key.Scopes,
		}, nil
	}
	return Principal{}, errInvalidToken
}

func (a *Auth) touchKey(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		a.logger.Warn("update api key last used", "key_id", id, "error", err)
	}
}

// RequireUser rejects requests not made with a user API key.
func (a *Auth) RequireUser(next http.Handler) http.Handler {
	return requireKind(PrincipalUser, next)
}

// RequireExecutor rejects requests not made with an executor token.
func (a *Auth) RequireExecutor(next http.Handler) http.Handler {
	return requireKind(PrincipalExecutor, next)
}

func requireKind(kind PrincipalKind, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r)
		if !ok || p.Kind != kind {
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Credential not valid for this route", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope. Keys created without scopes are
// unrestricted.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := GetPrincipal(r)
			if len(p.Scopes) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			for _, s := range p.Scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
