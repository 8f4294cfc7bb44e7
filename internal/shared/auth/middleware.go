package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trustseal/evidence/internal/shared/config"
	"github.com/trustseal/evidence/internal/shared/types"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// User represents the authenticated user from JWT claims
type User struct {
	ID        types.ID `json:"sub"`
	UserType  string   `json:"user_type"` // user, signer, api_client, admin
	TenantID  types.ID `json:"tenant_id"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"session_id"`
}

// Claims extends JWT claims with platform-specific data
type Claims struct {
	jwt.RegisteredClaims
	UserType  string   `json:"user_type"`
	TenantID  string   `json:"tenant_id,omitempty"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"session_id"`
}

// Middleware creates JWT authentication middleware
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			user, err := ParseToken(parts[1], cfg.JWTSecret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// ParseToken validates an HS256 token and builds the user from its claims
func ParseToken(tokenString, secret string) (*User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return &User{
		ID:        types.ID(claims.Subject),
		UserType:  claims.UserType,
		TenantID:  types.ID(claims.TenantID),
		Roles:     claims.Roles,
		SessionID: claims.SessionID,
	}, nil
}

// WithUser returns a context carrying the authenticated user
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser extracts the user from request context
func GetUser(ctx context.Context) *User {
	user, ok := ctx.Value(UserContextKey).(*User)
	if !ok {
		return nil
	}
	return user
}

// SessionActor returns the actor kind and id of the authenticated session, if any.
func SessionActor(ctx context.Context) (kind, id string, ok bool) {
	user := GetUser(ctx)
	if user == nil || user.ID.IsZero() {
		return "", "", false
	}
	kind = user.UserType
	if kind == "" || kind == "admin" {
		kind = "user"
	}
	return kind, user.ID.String(), true
}

// RequireRoles creates middleware that requires specific roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !hasAnyRole(user.Roles, roles) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasRole checks if user has a specific role
func (u *User) HasRole(role string) bool {
	return hasAnyRole(u.Roles, []string{role})
}

// IsAdmin checks if user is an admin
func (u *User) IsAdmin() bool {
	return u.UserType == "admin" || u.HasRole("admin") || u.HasRole("auditor")
}

func hasAnyRole(userRoles, requiredRoles []string) bool {
	for _, required := range requiredRoles {
		for _, role := range userRoles {
			if role == required {
				return true
			}
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
