package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/events"
	"github.com/davidahmann/ssi-gateway/internal/ledger"
	"github.com/davidahmann/ssi-gateway/internal/policy"
	"github.com/davidahmann/ssi-gateway/pkg/types"
	"go.uber.org/zap"
)

var ErrEvaluationFailed = errors.New("evaluation failed")

// VerdictCounter is told about every decision the service produces.
type VerdictCounter interface {
	IncVerdict(verdict string)
}

// DecisionService selects a rule set, evaluates the request and appends
// the outcome to the tenant's audit chain.
type DecisionService struct {
	Registry  *policy.Registry
	Evaluator *policy.Evaluator
	Ledger    *ledger.Writer
	Events    events.Publisher
	Verdicts  VerdictCounter
	Logger    *zap.Logger
}

type DecisionResult struct {
	Decision types.Decision
	Record   ledger.Record
	Degraded bool
}

// Decide returns policy.ErrNoApplicableRuleSet when no envelope covers the
// request and ErrEvaluationFailed when the evaluator panics. Audit failures
// never fail the call; they set Degraded.
func (s *DecisionService) Decide(ctx context.Context, tenantID string, req types.DecisionRequest) (DecisionResult, error) {
	logger := s.logger()

	loaded, err := s.Registry.Select(req.SystemID, req.Action.Type)
	if err != nil {
		logger.Info("no applicable rule set",
			zap.String("tenant_id", tenantID),
			zap.String("system_id", req.SystemID),
			zap.String("action_type", req.Action.Type),
		)
		s.countVerdict(string(types.VerdictDeny))
		return DecisionResult{}, err
	}

	decision, err := s.evaluate(req, loaded)
	if err != nil {
		logger.Error("evaluation failed", zap.String("request_id", req.RequestID), zap.Error(err))
		s.countVerdict(string(types.VerdictDeny))
		return DecisionResult{}, err
	}
	s.countVerdict(string(decision.Decision))

	// A client that hangs up must not leave an issued decision unrecorded;
	// the writer's own timeout still bounds the append.
	appended := s.Ledger.Append(context.WithoutCancel(ctx), tenantID, ledger.Entry{
		Request:  req,
		Decision: decision,
		Envelope: loaded.Envelope,
	})
	result := DecisionResult{Decision: decision, Record: appended.Record, Degraded: appended.Degraded()}

	logger.Info("decision",
		zap.String("tenant_id", tenantID),
		zap.String("request_id", req.RequestID),
		zap.String("decision_id", decision.DecisionID),
		zap.String("decision", string(decision.Decision)),
		zap.String("envelope_id", loaded.Envelope.EnvelopeID),
		zap.String("rpx_id", appended.Record.RecordID),
		zap.Bool("audit_degraded", result.Degraded),
	)

	s.publish(ctx, tenantID, req, result, loaded.Envelope.EnvelopeID)
	return result, nil
}

func (s *DecisionService) evaluate(req types.DecisionRequest, loaded policy.LoadedEnvelope) (decision types.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrEvaluationFailed, p)
		}
	}()
	return s.Evaluator.Evaluate(req, loaded, nil), nil
}

func (s *DecisionService) publish(ctx context.Context, tenantID string, req types.DecisionRequest, res DecisionResult, envelopeID string) {
	if s.Events == nil {
		return
	}
	ev := events.AuditEvent{
		RecordID:      res.Record.RecordID,
		TenantID:      tenantID,
		SystemID:      req.SystemID,
		RequestID:     req.RequestID,
		DecisionID:    res.Decision.DecisionID,
		Decision:      string(res.Decision.Decision),
		EnvelopeID:    envelopeID,
		CreatedAt:     res.Record.CreatedAt,
		AuditDegraded: res.Degraded,
	}
	if !res.Degraded {
		ev.ChainHash = res.Record.ChainHash
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.Events.Publish(pubCtx, ev); err != nil {
		s.logger().Warn("audit event not published", zap.String("rpx_id", ev.RecordID), zap.Error(err))
	}
}

func (s *DecisionService) countVerdict(v string) {
	if s.Verdicts != nil {
		s.Verdicts.IncVerdict(v)
	}
}

func (s *DecisionService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
