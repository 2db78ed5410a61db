package policy

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"
)

var ErrNoApplicableRuleSet = errors.New("no applicable rule set")

// legacyEnvelopeName is the only unscoped envelope the heuristic match
// recognises.
const legacyEnvelopeName = "TradingSafetyEnvelope"

type Snapshot struct {
	Lane      string
	Dir       string
	Envelopes []LoadedEnvelope
	LoadedAt  time.Time
}

// Registry holds the active envelope set. Reloads swap the whole snapshot,
// so a reader sees either the old set or the new one.
type Registry struct {
	current        atomic.Pointer[Snapshot]
	heuristicMatch bool
}

// NewRegistry creates an empty registry. heuristicMatch enables the legacy
// name-based match for envelopes without a scope.
func NewRegistry(heuristicMatch bool) *Registry {
	r := &Registry{heuristicMatch: heuristicMatch}
	r.current.Store(&Snapshot{})
	return r
}

func (r *Registry) Replace(s Snapshot) {
	r.current.Store(&s)
}

func (r *Registry) Snapshot() Snapshot {
	return *r.current.Load()
}

// Select returns the highest-versioned envelope scoped to the system and
// action.
func (r *Registry) Select(systemID, actionType string) (LoadedEnvelope, error) {
	snapshot := r.current.Load()

	var best *LoadedEnvelope
	for i := range snapshot.Envelopes {
		candidate := &snapshot.Envelopes[i]
		if !r.matches(candidate, systemID, actionType) {
			continue
		}
		if best == nil || newer(candidate, best) {
			best = candidate
		}
	}
	if best == nil {
		return LoadedEnvelope{}, ErrNoApplicableRuleSet
	}
	return *best, nil
}

func (r *Registry) matches(loaded *LoadedEnvelope, systemID, actionType string) bool {
	scope := loaded.Envelope.Scope
	if scope.SystemID != "" || scope.ActionType != "" {
		return scope.SystemID == systemID && scope.ActionType == actionType
	}
	if !r.heuristicMatch {
		return false
	}
	return loaded.Envelope.Name == legacyEnvelopeName &&
		strings.Contains(systemID, "trading") &&
		strings.HasPrefix(actionType, "trade.")
}

func newer(a, b *LoadedEnvelope) bool {
	if c := compareVersions(a.Envelope.Version, b.Envelope.Version); c != 0 {
		return c > 0
	}
	return a.Envelope.EnvelopeID > b.Envelope.EnvelopeID
}

// compareVersions orders numeric semantic versions; "0.10.0" sorts after
// "0.9.0". Invalid versions sort before valid ones.
func compareVersions(a, b string) int {
	return semver.Compare(semverString(a), semverString(b))
}

func semverString(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
