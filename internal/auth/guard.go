package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Guard enforces authentication and role requirements on routes. DevMode
// lets unauthenticated requests through and must only be set from the
// exact ENABLE_INSECURE_DEV=true switch.
type Guard struct {
	DevMode bool
	Logger  *zap.Logger
}

func (g *Guard) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			if !g.DevMode {
				writeFailure(w, failure(http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "This endpoint requires authentication via JWT or API key"), nil)
				return
			}
			g.logger().Warn("dev bypass", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r.WithContext(markChecked(r.Context())))
	})
}

// RequireRole returns middleware admitting only the listed roles. It panics
// on an empty list or a wildcard, since either is a wiring mistake.
func (g *Guard) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	if len(roles) == 0 {
		panic("auth: RequireRole needs at least one role")
	}
	allowed := make(map[Role]bool, len(roles))
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		if role == "*" {
			panic("auth: RequireRole does not accept wildcard roles")
		}
		if _, ok := ParseRole(string(role)); !ok {
			panic("auth: RequireRole given unknown role " + string(role))
		}
		allowed[role] = true
		names = append(names, string(role))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := FromContext(r.Context())
			if !ok && g.DevMode {
				next.ServeHTTP(w, r)
				return
			}
			if !ok || !checked(r.Context()) {
				g.logger().Error("role check reached without RequireAuth", zap.String("path", r.URL.Path))
				writeFailure(w, failure(http.StatusInternalServerError, "INTERNAL_ERROR", "access control misconfigured"), nil)
				return
			}
			if !allowed[ac.Role] {
				g.logger().Info("role check failed",
					zap.String("tenant_id", ac.TenantID),
					zap.String("role", string(ac.Role)),
					zap.Strings("required_roles", names),
				)
				writeFailure(w, failure(http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "This endpoint requires one of the following roles: "+strings.Join(names, ", ")),
					map[string]any{"required_roles": names, "user_role": ac.Role})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
