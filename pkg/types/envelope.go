package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Envelope is a versioned governance rule set.
type Envelope struct {
	EnvelopeID  string             `json:"envelope_id" yaml:"envelope_id"`
	Name        string             `json:"name" yaml:"name"`
	Version     string             `json:"version" yaml:"version"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Scope       EnvelopeScope      `json:"scope" yaml:"scope"`
	Rules       RuleList           `json:"rules" yaml:"rules"`
	Signature   *EnvelopeSignature `json:"signature,omitempty" yaml:"signature"`
}

type EnvelopeScope struct {
	SystemID   string `json:"system_id,omitempty" yaml:"system_id"`
	ActionType string `json:"action_type,omitempty" yaml:"action_type"`
}

// EnvelopeSignature is a hex Ed25519 signature over the canonical envelope
// with the signature field removed.
type EnvelopeSignature struct {
	KeyID string `json:"key_id" yaml:"key_id"`
	Sig   string `json:"sig" yaml:"sig"`
}

func (e Envelope) Ref() EnvelopeRef {
	return EnvelopeRef{EnvelopeID: e.EnvelopeID, Name: e.Name, Version: e.Version}
}

type RuleKind string

const (
	RuleKindMaxNotional      RuleKind = "max_notional"
	RuleKindMaxOpenPositions RuleKind = "max_open_positions"
)

// Rule is a closed set: only the rule kinds declared in this package
// implement it.
type Rule interface {
	RuleID() string
	Kind() RuleKind
	AppliesTo(actionType string) bool
	rule()
}

// MaxNotionalRule denies orders whose notional exceeds MaxNotional.
type MaxNotionalRule struct {
	ID          string
	Description string
	MaxNotional decimal.Decimal
	ActionTypes []string
}

// MaxOpenPositionsRule denies orders once the open position count reaches
// MaxOpenPositions.
type MaxOpenPositionsRule struct {
	ID               string
	Description      string
	MaxOpenPositions int64
	ActionTypes      []string
}

func (r MaxNotionalRule) RuleID() string { return r.ID }
func (r MaxNotionalRule) Kind() RuleKind { return RuleKindMaxNotional }
func (r MaxNotionalRule) AppliesTo(actionType string) bool {
	return appliesTo(r.ActionTypes, actionType)
}
func (MaxNotionalRule) rule() {}

func (r MaxOpenPositionsRule) RuleID() string { return r.ID }
func (r MaxOpenPositionsRule) Kind() RuleKind { return RuleKindMaxOpenPositions }
func (r MaxOpenPositionsRule) AppliesTo(actionType string) bool {
	return appliesTo(r.ActionTypes, actionType)
}
func (MaxOpenPositionsRule) rule() {}

func appliesTo(actionTypes []string, actionType string) bool {
	if len(actionTypes) == 0 {
		return actionType == DefaultActionType
	}
	for _, candidate := range actionTypes {
		if candidate == actionType {
			return true
		}
	}
	return false
}

type ruleJSON struct {
	ID               string       `json:"id"`
	Kind             RuleKind     `json:"kind"`
	Description      string       `json:"description,omitempty"`
	MaxNotional      *json.Number `json:"max_notional,omitempty"`
	MaxOpenPositions *int64       `json:"max_open_positions,omitempty"`
	ActionTypes      []string     `json:"action_types,omitempty"`
}

func (r MaxNotionalRule) MarshalJSON() ([]byte, error) {
	limit := json.Number(r.MaxNotional.String())
	return json.Marshal(ruleJSON{
		ID:          r.ID,
		Kind:        RuleKindMaxNotional,
		Description: r.Description,
		MaxNotional: &limit,
		ActionTypes: r.ActionTypes,
	})
}

func (r MaxOpenPositionsRule) MarshalJSON() ([]byte, error) {
	limit := r.MaxOpenPositions
	return json.Marshal(ruleJSON{
		ID:               r.ID,
		Kind:             RuleKindMaxOpenPositions,
		Description:      r.Description,
		MaxOpenPositions: &limit,
		ActionTypes:      r.ActionTypes,
	})
}

// RuleList decodes rule definitions into their concrete kinds. A rule may
// name its kind explicitly or be recognised by its limit field.
type RuleList []Rule

func (l *RuleList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	return l.decode(raw)
}

func (l *RuleList) UnmarshalYAML(node *yaml.Node) error {
	var raw []map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return l.decode(raw)
}

func (l *RuleList) decode(raw []map[string]any) error {
	rules := make(RuleList, 0, len(raw))
	for i, fields := range raw {
		r, err := decodeRule(fields)
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	*l = rules
	return nil
}

func decodeRule(fields map[string]any) (Rule, error) {
	id, _ := fields["id"].(string)
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	description, _ := fields["description"].(string)
	actionTypes, err := stringList(fields["action_types"])
	if err != nil {
		return nil, fmt.Errorf("rule %q: action_types: %w", id, err)
	}

	kind, err := ruleKind(fields)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", id, err)
	}

	switch kind {
	case RuleKindMaxNotional:
		limit, ok := limitValue(fields["max_notional"])
		if !ok {
			return nil, fmt.Errorf("rule %q: max_notional must be a number", id)
		}
		return MaxNotionalRule{ID: id, Description: description, MaxNotional: limit, ActionTypes: actionTypes}, nil
	case RuleKindMaxOpenPositions:
		limit, ok := limitValue(fields["max_open_positions"])
		if !ok || !limit.Equal(limit.Truncate(0)) {
			return nil, fmt.Errorf("rule %q: max_open_positions must be an integer", id)
		}
		return MaxOpenPositionsRule{ID: id, Description: description, MaxOpenPositions: limit.IntPart(), ActionTypes: actionTypes}, nil
	default:
		return nil, fmt.Errorf("rule %q: unknown rule kind %q", id, kind)
	}
}

func ruleKind(fields map[string]any) (RuleKind, error) {
	if raw, ok := fields["kind"]; ok {
		kind, _ := raw.(string)
		return RuleKind(kind), nil
	}
	_, notional := fields["max_notional"]
	_, positions := fields["max_open_positions"]
	switch {
	case notional && positions:
		return "", fmt.Errorf("ambiguous rule: both max_notional and max_open_positions set")
	case notional:
		return RuleKindMaxNotional, nil
	case positions:
		return RuleKindMaxOpenPositions, nil
	default:
		return "", fmt.Errorf("rule has no kind and no recognised limit")
	}
}

func limitValue(v any) (decimal.Decimal, bool) {
	if s, ok := v.(string); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		return d, err == nil
	}
	return NumberValue(v)
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a list of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

// NumberValue converts a decoded JSON or YAML number to a decimal. Strings
// and other types are not numbers.
func NumberValue(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(n, 10))
		return d, err == nil
	case float32:
		return NumberValue(float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	default:
		return decimal.Zero, false
	}
}
