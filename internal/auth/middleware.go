package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// Middleware authenticates API requests
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool // auth disabled in config
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, skipAuth: skipAuth, logger: logger}
}

var devUser = UserContext{
	Subject:   "dev",
	Role:      RoleOperator,
	Scopes:    []string{ScopeResearchRead, ScopeResearchWrite},
	TokenType: "dev",
}

// HTTPMiddleware attaches a UserContext to the request or rejects it
// with 401.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			u := devUser
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &u)))
			return
		}

		token, err := ExtractBearerToken(r.Header.Get("Authorization"))
		// Browser EventSource and WebSocket clients cannot set headers.
		if err != nil && strings.HasPrefix(r.URL.Path, "/stream/") {
			if q := r.URL.Query().Get("access_token"); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}

		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
	})
}

// RequireScope wraps next so it only runs for callers holding scope.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := GetUserContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "missing user context")
			return
		}
		if !u.HasScope(scope) {
			writeAuthError(w, http.StatusForbidden, "missing required scope: "+scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser returns ctx carrying u.
func WithUser(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, u)
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, bool) {
	u, ok := ctx.Value(UserContextKey).(*UserContext)
	return u, ok && u != nil
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
