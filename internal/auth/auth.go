package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAuditor Role = "auditor"
	RoleAdmin   Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleViewer, RoleAuditor, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

type Method string

const (
	MethodJWT       Method = "jwt"
	MethodAPIKey    Method = "api_key"
	MethodDevBypass Method = "dev_bypass"
)

const DefaultTenant = "default"

// AuthContext is the identity resolved for one request.
type AuthContext struct {
	TenantID string `json:"tenant_id"`
	Subject  string `json:"subject,omitempty"`
	Role     Role   `json:"role"`
	Method   Method `json:"auth_method"`
}

type ctxKey int

const (
	authKey ctxKey = iota
	tenantKey
	checkedKey
)

func WithAuthContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authKey, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authKey).(AuthContext)
	return ac, ok
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFromContext returns the tenant resolved for the request, or
// DefaultTenant when the request never passed through a Resolver.
func TenantFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey).(string); ok && t != "" {
		return t
	}
	return DefaultTenant
}

func markChecked(ctx context.Context) context.Context {
	return context.WithValue(ctx, checkedKey, true)
}

func checked(ctx context.Context) bool {
	v, _ := ctx.Value(checkedKey).(bool)
	return v
}

// Failure is an authentication or authorization error with its HTTP status
// and machine-readable code.
type Failure struct {
	Status  int
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Message
}

func failure(status int, code, message string) *Failure {
	return &Failure{Status: status, Code: code, Message: message}
}

func writeFailure(w http.ResponseWriter, f *Failure, extra map[string]any) {
	body := map[string]any{"error": f.Code, "message": f.Message}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.Status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}

// extractBearer returns ErrMissingBearer when there is no Authorization
// header and ErrInvalidToken when it is not "Bearer <token>".
func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingBearer
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" {
		return "", ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrInvalidToken
	}
	return token, nil
}
