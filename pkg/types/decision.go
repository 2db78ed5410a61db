package types

type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictDeny  Verdict = "DENY"
)

type Decision struct {
	RequestID  string          `json:"request_id"`
	DecisionID string          `json:"decision_id"`
	Decision   Verdict         `json:"decision"`
	Reason     string          `json:"reason"`
	Details    DecisionDetails `json:"details"`
	Timestamp  string          `json:"timestamp"`
	Envelope   EnvelopeRef     `json:"envelope"`
	Provenance Provenance      `json:"provenance"`
}

type DecisionDetails struct {
	RulesEvaluated     []string `json:"rules_evaluated"`
	RulesTriggered     []string `json:"rules_triggered"`
	InvariantsViolated []string `json:"invariants_violated"`
}

// EnvelopeRef identifies the rule set a decision was evaluated against.
type EnvelopeRef struct {
	EnvelopeID string `json:"envelope_id"`
	Name       string `json:"name"`
	Version    string `json:"version"`
}

// Provenance records where the evaluated rule set came from. EnvelopeSHA256
// is the content hash of the envelope source, Source its locator and
// KernelInstance the evaluator that produced the decision.
type Provenance struct {
	Lane            string `json:"lane"`
	EnvelopeID      string `json:"envelope_id"`
	EnvelopeVersion string `json:"envelope_version"`
	EnvelopeSHA256  string `json:"envelope_sha256"`
	Source          string `json:"source_file"`
	KernelInstance  string `json:"kernel_instance"`
}
