package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// SupabaseClaims are the claims of a Supabase Auth access token.
type SupabaseClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates Supabase access tokens signed with the project's
// JWT secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns an authenticator for HS256 tokens signed with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses token and returns the caller identity.
func (a *Authenticator) Verify(token string) (domain.Identity, error) {
	if len(a.secret) == 0 {
		return domain.Identity{}, &domain.ErrUnauthorized{Message: "authentication is not configured"}
	}
	parsed, err := jwt.ParseWithClaims(token, &SupabaseClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return domain.Identity{}, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := parsed.Claims.(*SupabaseClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return domain.Identity{}, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	return domain.Identity{UserID: claims.Subject, Email: claims.Email, AccessToken: token}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequireAuth rejects requests without a valid Bearer token and attaches the
// caller identity to the request context.
func RequireAuth(auth *Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				logger.Warn("auth: missing or malformed token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			id, err := auth.Verify(token)
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(domain.WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalAuth attaches the identity when a valid token is present and lets
// every other request through as anonymous.
func OptionalAuth(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := bearerToken(r); ok {
				if id, err := auth.Verify(token); err == nil {
					r = r.WithContext(domain.WithIdentity(r.Context(), id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminOnly lets through callers the is_admin check accepts. It must run
// after RequireAuth.
func AdminOnly(admin *service.AdminService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserIDFromContext(r)
			ok, err := admin.IsAdmin(r.Context(), userID)
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			if !ok {
				logger.Warn("admin: access denied", zap.String("user_id", userID), zap.String("path", r.URL.Path))
				writeError(w, http.StatusForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext returns the authenticated user id, or "" for anonymous
// requests.
func UserIDFromContext(r *http.Request) string {
	id, _ := domain.IdentityFromContext(r.Context())
	return id.UserID
}
