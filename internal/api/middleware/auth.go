package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store"
	"github.com/shiplane/shiplane/internal/store/postgres"
)

// Context keys for user information.
type contextKey string

// UserKey is the context key for the authenticated user.
const UserKey contextKey = "user"

// GetUser extracts the authenticated user from the request context.
func GetUser(ctx context.Context) *models.User {
	if v := ctx.Value(UserKey); v != nil {
		return v.(*models.User)
	}
	return nil
}

// AuthMiddleware resolves identity from reverse-proxy headers. The service
// runs behind an authenticating proxy (oauth2-proxy or similar) that
// injects the verified identity; unknown users are provisioned on first
// request with the viewer role.
type AuthMiddleware struct {
	store          store.Store
	bootstrapAdmin string
	logger         *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware. bootstrapAdmin
// is the email granted the admin role on first sight, so a fresh install
// has at least one administrator.
func NewAuthMiddleware(st store.Store, bootstrapAdmin string, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		store:          st,
		bootstrapAdmin: strings.ToLower(bootstrapAdmin),
		logger:         logger,
	}
}

// Authenticate resolves the proxy identity headers and loads or provisions
// the matching user.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := r.Header.Get("X-Auth-Request-Email")
		username := r.Header.Get("X-Auth-Request-User")
		if email == "" {
			email = r.Header.Get("X-Forwarded-Email")
		}
		if username == "" {
			username = r.Header.Get("X-Forwarded-User")
		}
		if email == "" {
			writeUnauthorized(w, "Missing identity headers")
			return
		}
		email = strings.ToLower(email)

		user, err := m.store.Users().GetByEmail(r.Context(), email)
		if errors.Is(err, postgres.ErrNotFound) {
			user, err = m.provision(r.Context(), email, username)
		}
		if err != nil {
			m.logger.Error("failed to resolve user", "email", email, "error", err)
			writeUnauthorized(w, "Identity resolution failed")
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// provision creates a user on first request. The bootstrap admin email gets
// the admin role; everyone else starts as a viewer.
func (m *AuthMiddleware) provision(ctx context.Context, email, username string) (*models.User, error) {
	role := models.RoleViewer
	if m.bootstrapAdmin != "" && email == m.bootstrapAdmin {
		role = models.RoleAdmin
	}
	if username == "" {
		username = email
		if i := strings.IndexByte(email, '@'); i > 0 {
			username = email[:i]
		}
	}

	user := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Username:  username,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Users().Create(ctx, user); err != nil {
		// A concurrent first request may have provisioned the same user.
		if errors.Is(err, postgres.ErrDuplicateKey) {
			return m.store.Users().GetByEmail(ctx, email)
		}
		return nil, err
	}

	m.logger.Info("provisioned user", "email", email, "role", role)
	return user, nil
}

// RequireRole returns a middleware that rejects users below the given role.
func RequireRole(min models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeUnauthorized(w, "Authentication required")
				return
			}
			if !user.Role.AtLeast(min) {
				writeForbidden(w, "Insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"unauthorized","message":"` + escapeJSON(message) + `"}`))
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"code":"forbidden","message":"` + escapeJSON(message) + `"}`))
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
