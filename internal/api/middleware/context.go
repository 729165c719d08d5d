package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	requestIDKey contextKey = "request_id"
)

// PrincipalKind distinguishes client users from executor agents.
type PrincipalKind string

const (
	PrincipalUser     PrincipalKind = "user"
	PrincipalExecutor PrincipalKind = "executor"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Kind PrincipalKind
	ID   uuid.UUID
	// RateKey identifies the caller's rate-limit bucket.
	RateKey string
	Scopes  []string
}

func SetPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func GetPrincipal(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey).(Principal)
	return p, ok
}

// UserID returns the authenticated user's id, if the caller is a user.
func UserID(r *http.Request) (uuid.UUID, bool) {
	p, ok := GetPrincipal(r)
	if !ok || p.Kind != PrincipalUser {
		return uuid.Nil, false
	}
	return p.ID, true
}

// ExecutorID returns the authenticated executor's id, if the caller is an
// executor.
func ExecutorID(r *http.Request) (uuid.UUID, bool) {
	p, ok := GetPrincipal(r)
	if !ok || p.Kind != PrincipalExecutor {
		return uuid.Nil, false
	}
	return p.ID, true
}

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id assigned by the Logger middleware.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
