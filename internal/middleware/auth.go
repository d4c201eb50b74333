package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pesabridge/escrow-backend/internal/api/httpx"
	"github.com/pesabridge/escrow-backend/internal/auth"
	"github.com/pesabridge/escrow-backend/internal/models"
)

type ctxKey string

const (
	ctxActorIDKey ctxKey = "actor_id"
	ctxRoleKey    ctxKey = "role"
)

// ActorID returns the authenticated user id from the request context.
func ActorID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxActorIDKey).(string)
	return v, ok
}

func Role(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxRoleKey).(string)
	return v, ok
}

func IsAdmin(ctx context.Context) bool {
	role, _ := Role(ctx)
	return role == string(models.RoleAdmin)
}

type AuthMiddleware struct {
	tm     *auth.TokenManager
	appEnv string
}

func NewAuthMiddleware(tm *auth.TokenManager, appEnv string) *AuthMiddleware {
	return &AuthMiddleware{tm: tm, appEnv: appEnv}
}

// Auth requires a bearer access token. In dev, "Bearer dev-<id>" and
// "Bearer dev-admin-<id>" skip signature checks.
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ah := r.Header.Get("Authorization")
		if ah == "" || !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])

		if m.appEnv == "dev" && strings.HasPrefix(token, "dev-") {
			role := string(models.RoleSender)
			id := strings.TrimPrefix(token, "dev-")
			if strings.HasPrefix(id, "admin-") {
				role = string(models.RoleAdmin)
				id = strings.TrimPrefix(id, "admin-")
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), id, role)))
			return
		}

		claims, err := m.tm.ParseAccess(token)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid access token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), claims.UserID, claims.Role)))
	})
}

// RequireAdmin sits behind Auth on operator routes.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			httpx.WriteError(w, http.StatusForbidden, "forbidden", "admin only", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withActor(ctx context.Context, id, role string) context.Context {
	ctx = context.WithValue(ctx, ctxActorIDKey, id)
	return context.WithValue(ctx, ctxRoleKey, role)
}
