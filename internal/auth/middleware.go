package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Middleware validates command API JWTs, enforces the role policy and scopes
// callers to one plant.
type Middleware struct {
	secret  []byte
	policy  Policy
	plantID string
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*Middleware)

// WithPlantScope rejects tokens issued for another plant.
func WithPlantScope(plantID string) MiddlewareOption {
	return func(m *Middleware) {
		m.plantID = plantID
	}
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{secret: secret, policy: policy}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap applies auth and RBAC to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := m.authenticate(r, required)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (m *Middleware) authenticate(r *http.Request, required Role) (Identity, error) {
	claims, err := ParseJWT(extractBearer(r), m.secret)
	if err != nil {
		return Identity{}, err
	}
	if m.plantID != "" && claims.PlantID != m.plantID {
		return Identity{}, ErrForbidden
	}
	role, _ := NormalizeRole(claims.Role)
	if !RoleAtLeast(role, required) {
		return Identity{}, ErrForbidden
	}
	return Identity{PlantID: claims.PlantID, Role: role, Subject: claims.Subject}, nil
}

// writeAuthError answers with the command API error shape.
func writeAuthError(w http.ResponseWriter, err error) {
	status, code := http.StatusUnauthorized, "UNAUTHORIZED"
	if errors.Is(err, ErrForbidden) {
		status, code = http.StatusForbidden, "FORBIDDEN"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": http.StatusText(status)},
	})
}

func extractBearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
