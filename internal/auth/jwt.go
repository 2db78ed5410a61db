package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload of a gateway bearer token.
type TokenClaims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 bearer tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) configured() bool {
	return v != nil && len(v.secret) > 0
}

// Verify parses token and maps every rejection onto a 401 Failure.
func (v *JWTVerifier) Verify(token string) (AuthContext, *Failure) {
	now := v.now
	if now == nil {
		now = time.Now
	}

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return AuthContext{}, classifyJWTError(err)
	}

	if claims.Subject == "" || claims.TenantID == "" || claims.Role == "" {
		return AuthContext{}, failure(http.StatusUnauthorized, "INVALID_TOKEN_CLAIMS", "token must carry sub, tenant_id and role")
	}
	role, ok := ParseRole(claims.Role)
	if !ok {
		return AuthContext{}, failure(http.StatusUnauthorized, "INVALID_ROLE", "token role must be viewer, auditor or admin")
	}
	return AuthContext{TenantID: claims.TenantID, Subject: claims.Subject, Role: role, Method: MethodJWT}, nil
}

func classifyJWTError(err error) *Failure {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return failure(http.StatusUnauthorized, "MALFORMED_TOKEN", "bearer token could not be decoded")
	case errors.Is(err, jwt.ErrTokenExpired):
		return failure(http.StatusUnauthorized, "TOKEN_EXPIRED", "bearer token has expired")
	default:
		return failure(http.StatusUnauthorized, "INVALID_TOKEN", "bearer token failed verification")
	}
}

// IssueToken mints an HS256 token. The gateway never calls it; operators
// and tests use it to produce credentials.
func IssueToken(secret, subject, tenantID string, role Role, ttl time.Duration, now time.Time) (string, error) {
	claims := TokenClaims{
		TenantID: tenantID,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
