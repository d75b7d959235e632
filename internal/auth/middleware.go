package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const principalKey contextKey = "auth_principal"

// PrincipalFromContext returns the authenticated caller or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Middleware enforces bearer tokens on the API.
type Middleware struct {
	validator *Validator
}

// NewMiddleware creates middleware backed by v.
func NewMiddleware(v *Validator) *Middleware {
	return &Middleware{validator: v}
}

// RequireAuth rejects requests without a valid bearer token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.validator.Validate(ExtractToken(r))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, authMessage(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})
}

// RequireScope rejects callers that were not granted scope. It must run after
// RequireAuth. With no principal in the context, auth is disabled and the
// request passes.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p != nil && !p.HasScope(scope) {
				writeJSONError(w, http.StatusForbidden, ErrInsufficientScope.Error()+": "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "authentication required"
	case errors.Is(err, ErrExpiredToken), errors.Is(err, ErrInvalidIssuer):
		return err.Error()
	default:
		return ErrInvalidToken.Error()
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}
