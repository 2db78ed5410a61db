package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/crypto"
	"github.com/davidahmann/ssi-gateway/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	allowReason   = "Within policy limits."
	reasonJoiner  = " | "
	unknownSource = "unknown"
)

// Evaluator turns a request and a loaded envelope into a decision. Apart
// from Now and NewID it has no inputs, so repeated evaluation of the same
// request against the same envelope yields the same decision body.
type Evaluator struct {
	Lane     string
	Instance string
	Now      func() time.Time
	NewID    func() string
}

func NewEvaluator(lane string) *Evaluator {
	if lane == "" {
		lane = unknownSource
	}
	return &Evaluator{
		Lane:     lane,
		Instance: fmt.Sprintf("kernel-%d-%s", os.Getpid(), lane),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Evaluate applies every rule in loaded. It never short-circuits: all rule
// ids are reported in the trace even after a rule has triggered. prov, when
// non-nil, replaces the provenance derived from loaded.
func (e *Evaluator) Evaluate(req types.DecisionRequest, loaded LoadedEnvelope, prov *types.Provenance) types.Decision {
	details := types.DecisionDetails{
		RulesEvaluated:     []string{},
		RulesTriggered:     []string{},
		InvariantsViolated: []string{},
	}

	notional := payloadNumber(req.Action.Payload, "notional")
	openPositions := payloadNumber(req.Action.Payload, "open_positions_count")

	var reasons []string
	for _, rule := range loaded.Envelope.Rules {
		details.RulesEvaluated = append(details.RulesEvaluated, rule.RuleID())
		if !rule.AppliesTo(req.Action.Type) {
			continue
		}

		switch r := rule.(type) {
		case types.MaxNotionalRule:
			if notional.GreaterThan(r.MaxNotional) {
				details.RulesTriggered = append(details.RulesTriggered, r.ID)
				reasons = append(reasons, fmt.Sprintf("Order notional %s exceeds max allowed %s", notional, r.MaxNotional))
			}
		case types.MaxOpenPositionsRule:
			if openPositions.GreaterThanOrEqual(decimal.NewFromInt(r.MaxOpenPositions)) {
				details.RulesTriggered = append(details.RulesTriggered, r.ID)
				reasons = append(reasons, fmt.Sprintf("Open positions %s exceeds or meets limit %d", openPositions, r.MaxOpenPositions))
			}
		default:
			panic(fmt.Sprintf("policy: unhandled rule kind %T", rule))
		}
	}

	decision := types.Decision{
		RequestID:  req.RequestID,
		DecisionID: e.newID(),
		Decision:   types.VerdictAllow,
		Reason:     allowReason,
		Details:    details,
		Timestamp:  e.now().UTC().Format(time.RFC3339Nano),
		Envelope:   loaded.Envelope.Ref(),
		Provenance: e.provenance(loaded, prov),
	}
	if len(reasons) > 0 {
		decision.Decision = types.VerdictDeny
		decision.Reason = strings.Join(reasons, reasonJoiner)
	}
	return decision
}

func (e *Evaluator) provenance(loaded LoadedEnvelope, prov *types.Provenance) types.Provenance {
	var p types.Provenance
	if prov != nil {
		p = *prov
	} else {
		p = types.Provenance{
			Lane:            firstNonEmpty(loaded.Lane, e.Lane),
			EnvelopeID:      loaded.Envelope.EnvelopeID,
			EnvelopeVersion: loaded.Envelope.Version,
			EnvelopeSHA256:  loaded.Hash,
			Source:          loaded.Source,
			KernelInstance:  e.Instance,
		}
		if p.EnvelopeSHA256 == "" {
			if canonical, err := crypto.CanonicalizeStruct(loaded.Envelope); err == nil {
				p.EnvelopeSHA256 = crypto.DigestHex(canonical)
			}
		}
	}

	p.Lane = firstNonEmpty(p.Lane, unknownSource)
	p.EnvelopeID = firstNonEmpty(p.EnvelopeID, unknownSource)
	p.EnvelopeVersion = firstNonEmpty(p.EnvelopeVersion, unknownSource)
	p.EnvelopeSHA256 = firstNonEmpty(p.EnvelopeSHA256, unknownSource)
	p.Source = firstNonEmpty(p.Source, unknownSource)
	p.KernelInstance = firstNonEmpty(p.KernelInstance, "kernel-"+unknownSource)
	return p
}

func (e *Evaluator) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Evaluator) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}

// payloadNumber reads a numeric payload field. Missing or non-numeric
// values count as zero.
func payloadNumber(payload map[string]any, key string) decimal.Decimal {
	if payload == nil {
		return decimal.Zero
	}
	value, ok := types.NumberValue(payload[key])
	if !ok {
		return decimal.Zero
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
