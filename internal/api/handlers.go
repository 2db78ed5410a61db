package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/auth"
	"github.com/davidahmann/ssi-gateway/internal/crypto"
	"github.com/davidahmann/ssi-gateway/internal/ledger"
	"github.com/davidahmann/ssi-gateway/internal/metrics"
	"github.com/davidahmann/ssi-gateway/internal/policy"
	"github.com/davidahmann/ssi-gateway/internal/signer"
	"github.com/davidahmann/ssi-gateway/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultClientID = "unknown-client"
	defaultSystemID = "test-system"
)

// Reloader reloads the active rule sets and reports how many are loaded.
type Reloader interface {
	Reload() int
}

type Handler struct {
	Decisions *DecisionService
	Verifier  *ledger.Verifier
	Registry  *policy.Registry
	Reloader  Reloader
	Signer    signer.Service
	Metrics   *metrics.Registry
	StoreName string
	Logger    *zap.Logger
	Now       func() time.Time
}

// decisionBody is the partial request accepted on POST /v1/decisions.
type decisionBody struct {
	RequestID string                `json:"request_id"`
	ClientID  string                `json:"client_id"`
	SystemID  string                `json:"system_id"`
	Timestamp string                `json:"timestamp"`
	Action    *types.Action         `json:"action"`
	Context   *types.RequestContext `json:"context"`
}

type DecisionResponse struct {
	Success       bool    `json:"success"`
	Decision      any     `json:"decision"`
	RecordID      *string `json:"rpx_id"`
	AuditDegraded bool    `json:"audit_degraded,omitempty"`
}

// rejectedDecision is the DENY-shaped body returned when no decision could
// be evaluated.
type rejectedDecision struct {
	RequestID string          `json:"request_id"`
	Decision  types.Verdict   `json:"decision"`
	Reason    string          `json:"reason"`
	Details   rejectedDetails `json:"details"`
	Timestamp string          `json:"timestamp"`
}

type rejectedDetails struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a JSON object")
		return
	}
	req := h.normalize(body, r)
	// The audit entry embeds the request, so anything that cannot be
	// canonicalized would leave the decision without a chained record.
	if _, err := crypto.CanonicalizeStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request cannot be recorded: "+err.Error())
		return
	}
	tenantID := auth.TenantFromContext(r.Context())

	res, err := h.Decisions.Decide(r.Context(), tenantID, req)
	switch {
	case errors.Is(err, policy.ErrNoApplicableRuleSet):
		writeJSON(w, http.StatusNotFound, DecisionResponse{
			Decision: h.rejected(req, "No applicable rule set", rejectedDetails{
				Error:   "NO_APPLICABLE_RULE_SET",
				Message: fmt.Sprintf("no envelope covers system %q and action %q", req.SystemID, req.Action.Type),
			}),
		})
		return
	case errors.Is(err, ErrEvaluationFailed):
		writeJSON(w, http.StatusOK, DecisionResponse{
			Decision: h.rejected(req, "Policy evaluation failed", rejectedDetails{Error: "EVALUATION_FAILED"}),
		})
		return
	case err != nil:
		h.logger().Error("decision failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "decision failed")
		return
	}

	recordID := res.Record.RecordID
	writeJSON(w, http.StatusOK, DecisionResponse{
		Success:       true,
		Decision:      res.Decision,
		RecordID:      &recordID,
		AuditDegraded: res.Degraded,
	})
}

// normalize fills the defaults for fields the caller left out.
func (h *Handler) normalize(body decisionBody, r *http.Request) types.DecisionRequest {
	req := types.DecisionRequest{
		RequestID: orDefault(body.RequestID, uuid.NewString),
		ClientID:  orDefault(body.ClientID, func() string { return defaultClientID }),
		SystemID:  orDefault(body.SystemID, func() string { return defaultSystemID }),
		Timestamp: orDefault(body.Timestamp, func() string { return h.now().UTC().Format(time.RFC3339Nano) }),
	}
	if body.Action != nil {
		req.Action = *body.Action
	}
	if req.Action.Type == "" {
		req.Action.Type = types.DefaultActionType
	}
	if req.Action.Payload == nil {
		req.Action.Payload = map[string]any{}
	}
	if body.Context != nil {
		req.Context = *body.Context
	} else {
		req.Context = types.RequestContext{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Labels:    map[string]string{},
		}
	}
	return req
}

func (h *Handler) rejected(req types.DecisionRequest, reason string, details rejectedDetails) rejectedDecision {
	return rejectedDecision{
		RequestID: req.RequestID,
		Decision:  types.VerdictDeny,
		Reason:    reason,
		Details:   details,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	}
}

type recordMetadata struct {
	CreatedAt         string `json:"created_at"`
	TenantID          string `json:"tenant_id"`
	SystemID          string `json:"system_id"`
	PublicKey         string `json:"public_key"`
	PreviousChainHash string `json:"previous_chain_hash"`
	ChainHash         string `json:"chain_hash"`
}

type verifyDebug struct {
	StoredEntryHash   string `json:"stored_entry_hash"`
	ComputedEntryHash string `json:"computed_entry_hash"`
	StoredChainHash   string `json:"stored_chain_hash"`
	ComputedChainHash string `json:"computed_chain_hash"`
}

type VerifyResponse struct {
	RecordID string             `json:"rpx_id"`
	Valid    bool               `json:"valid"`
	Checks   ledger.EntryChecks `json:"checks"`
	Metadata recordMetadata     `json:"metadata"`
	Debug    *verifyDebug       `json:"debug,omitempty"`
}

type VerifyChainResponse struct {
	RecordID     string             `json:"rpx_id"`
	ValidEntry   bool               `json:"valid_entry"`
	Anchored     bool               `json:"anchored"`
	BreakReason  *string            `json:"break_reason"`
	CheckedCount int                `json:"checked_count"`
	Path         []string           `json:"path"`
	EntryChecks  ledger.EntryChecks `json:"entry_checks"`
	Metadata     recordMetadata     `json:"metadata"`
}

func (h *Handler) VerifyRecord(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")
	tenantID := auth.TenantFromContext(r.Context())

	rec, res, err := h.Verifier.VerifyRecordByID(r.Context(), tenantID, recordID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "RPX_NOT_FOUND", "No RPX entry found with ID: "+recordID)
		return
	}
	if err != nil {
		h.logger().Error("verify failed", zap.String("rpx_id", recordID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "VERIFICATION_ERROR", "Failed to verify RPX entry")
		return
	}

	resp := VerifyResponse{
		RecordID: recordID,
		Valid:    res.Checks.Valid(),
		Checks:   res.Checks,
		Metadata: metadataOf(rec),
	}
	if !resp.Valid {
		resp.Debug = &verifyDebug{
			StoredEntryHash:   rec.EntryHash,
			ComputedEntryHash: res.ComputedEntryHash,
			StoredChainHash:   rec.ChainHash,
			ComputedChainHash: res.ComputedChainHash,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")
	tenantID := auth.TenantFromContext(r.Context())

	res, err := h.Verifier.VerifyChain(r.Context(), tenantID, recordID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "RPX_NOT_FOUND", "No RPX entry found with ID: "+recordID)
		return
	}
	if err != nil {
		h.logger().Error("chain verification failed", zap.String("rpx_id", recordID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "CHAIN_VERIFICATION_ERROR", "Failed to verify chain continuity")
		return
	}

	resp := VerifyChainResponse{
		RecordID:     recordID,
		ValidEntry:   res.ValidEntry,
		Anchored:     res.Anchored,
		CheckedCount: res.CheckedCount,
		Path:         res.Path,
		EntryChecks:  res.EntryChecks,
		Metadata:     metadataOf(res.Record),
	}
	if res.BreakReason != ledger.BreakNone {
		reason := string(res.BreakReason)
		resp.BreakReason = &reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func metadataOf(rec ledger.Record) recordMetadata {
	return recordMetadata{
		CreatedAt:         rec.CreatedAt,
		TenantID:          rec.TenantID,
		SystemID:          rec.SystemID,
		PublicKey:         rec.PublicKey,
		PreviousChainHash: rec.PreviousChainHash,
		ChainHash:         rec.ChainHash,
	}
}

type envelopeInfo struct {
	EnvelopeID string              `json:"envelope_id"`
	Name       string              `json:"name"`
	Version    string              `json:"version"`
	Scope      types.EnvelopeScope `json:"scope"`
	Rules      int                 `json:"rules"`
	Signed     bool                `json:"signed"`
	Lane       string              `json:"lane"`
	SHA256     string              `json:"envelope_sha256"`
	Source     string              `json:"source_file"`
}

func (h *Handler) Envelopes(w http.ResponseWriter, _ *http.Request) {
	snap := h.Registry.Snapshot()
	out := make([]envelopeInfo, 0, len(snap.Envelopes))
	for _, loaded := range snap.Envelopes {
		env := loaded.Envelope
		out = append(out, envelopeInfo{
			EnvelopeID: env.EnvelopeID,
			Name:       env.Name,
			Version:    env.Version,
			Scope:      env.Scope,
			Rules:      len(env.Rules),
			Signed:     env.Signature != nil,
			Lane:       loaded.Lane,
			SHA256:     loaded.Hash,
			Source:     loaded.Source,
		})
	}
	loadedAt := ""
	if !snap.LoadedAt.IsZero() {
		loadedAt = snap.LoadedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lane":      snap.Lane,
		"dir":       snap.Dir,
		"loaded_at": loadedAt,
		"envelopes": out,
	})
}

func (h *Handler) Reload(w http.ResponseWriter, _ *http.Request) {
	if h.Reloader == nil {
		writeError(w, http.StatusNotImplemented, "RELOAD_UNAVAILABLE", "envelope reload is not configured")
		return
	}
	count := h.Reloader.Reload()
	if h.Metrics != nil {
		h.Metrics.SetGauge("envelopes_loaded", float64(count))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":  true,
		"lane":      h.Registry.Snapshot().Lane,
		"envelopes": count,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.Registry.Snapshot()
	resp := map[string]any{
		"status":    "ok",
		"service":   "ssi-gateway",
		"lane":      snap.Lane,
		"envelopes": len(snap.Envelopes),
		"store":     h.StoreName,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if h.Signer != nil {
		resp["signer_key_id"] = h.Signer.KeyID()
		pub, err := h.Signer.PublicKey(r.Context())
		if err != nil {
			h.logger().Warn("signer public key unavailable", zap.Error(err))
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp["public_key"] = hex.EncodeToString(pub)
		}
	}
	writeJSON(w, status, resp)
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func orDefault(v string, def func() string) string {
	if strings.TrimSpace(v) == "" {
		return def()
	}
	return v
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
