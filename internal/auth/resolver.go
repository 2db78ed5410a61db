package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Resolver turns request credentials into an AuthContext. A request with no
// credentials passes through unauthenticated; Guard decides what to do with
// it.
type Resolver struct {
	JWT    *JWTVerifier
	Keys   KeyStore
	Logger *zap.Logger
	Now    func() time.Time
	// OnFailure, when set, sees the code of every rejected credential.
	OnFailure func(code string)
}

func (res *Resolver) logger() *zap.Logger {
	if res.Logger == nil {
		return zap.NewNop()
	}
	return res.Logger
}

func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, found, f := res.resolve(r)
		if f != nil {
			if res.OnFailure != nil {
				res.OnFailure(f.Code)
			}
			writeFailure(w, f, nil)
			return
		}

		ctx := r.Context()
		tenant := strings.TrimSpace(r.Header.Get("x-tenant-id"))
		if found {
			ctx = WithAuthContext(ctx, ac)
			tenant = ac.TenantID
		}
		if tenant == "" {
			tenant = DefaultTenant
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(ctx, tenant)))
	})
}

func (res *Resolver) resolve(r *http.Request) (AuthContext, bool, *Failure) {
	token, err := extractBearer(r)
	switch {
	case err == nil:
		if !res.JWT.configured() {
			res.logger().Error("bearer token presented but no jwt secret is configured")
			return AuthContext{}, false, failure(http.StatusInternalServerError, "JWT_SECRET_NOT_CONFIGURED", "server cannot verify bearer tokens")
		}
		ac, f := res.JWT.Verify(token)
		if f != nil {
			res.logger().Info("bearer token rejected", zap.String("code", f.Code))
			return AuthContext{}, false, f
		}
		return ac, true, nil
	case !errors.Is(err, ErrMissingBearer):
		return AuthContext{}, false, failure(http.StatusUnauthorized, "MALFORMED_AUTH_HEADER", "Authorization header must be 'Bearer <token>'")
	}

	key := r.Header.Get("x-api-key")
	if key == "" {
		return AuthContext{}, false, nil
	}
	if res.Keys == nil {
		return AuthContext{}, false, failure(http.StatusUnauthorized, "INVALID_API_KEY", "api key not recognised")
	}

	now := time.Now
	if res.Now != nil {
		now = res.Now
	}
	prefix := KeyPrefix(key)
	candidates, err := res.Keys.Candidates(r.Context(), prefix, now())
	if err != nil {
		res.logger().Error("api key lookup failed", zap.String("key_prefix", prefix), zap.Error(err))
		return AuthContext{}, false, failure(http.StatusInternalServerError, "AUTHENTICATION_ERROR", "api key lookup failed")
	}
	rec, ok := matchKey(candidates, key)
	if !ok {
		res.logger().Info("api key rejected", zap.String("key_prefix", prefix))
		return AuthContext{}, false, failure(http.StatusUnauthorized, "INVALID_API_KEY", "api key not recognised")
	}
	return AuthContext{TenantID: rec.TenantID, Subject: rec.KeyID, Role: rec.Role, Method: MethodAPIKey}, true, nil
}
