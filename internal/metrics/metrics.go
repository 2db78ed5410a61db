// Package metrics keeps in-process counters for the gateway and serves
// them as a JSON snapshot.
package metrics

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	verdict      map[string]int64
	authFailure  map[string]int64
	auditAppends map[string]int64
	appendTiming LatencyStat
	gauges       map[string]float64
	now          func() time.Time
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Verdicts        map[string]int64        `json:"verdicts"`
	AuthFailures    map[string]int64        `json:"auth_failures"`
	AuditAppends    map[string]int64        `json:"audit_appends"`
	AuditAppendTime LatencyStat             `json:"audit_append_latency_ms"`
	Gauges          map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		verdict:      map[string]int64{},
		authFailure:  map[string]int64{},
		auditAppends: map[string]int64{},
		gauges:       map[string]float64{},
		now:          time.Now,
	}
}

func (r *Registry) Observe(route string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	r.inc(r.verdict, verdict)
}

func (r *Registry) IncAuthFailure(code string) {
	r.inc(r.authFailure, code)
}

// ObserveAppend records one audit append attempt; outcome is "ok" or
// "degraded".
func (r *Registry) ObserveAppend(outcome string, d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if outcome = strings.TrimSpace(outcome); outcome != "" {
		r.auditAppends[outcome]++
	}
	t := &r.appendTiming
	t.Count++
	t.TotalMS += ms
	t.LastMS = ms
	if ms > t.MaxMS {
		t.MaxMS = ms
	}
	t.AvgMS = float64(t.TotalMS) / float64(t.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     r.now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:        copyCounts(r.verdict),
		AuthFailures:    copyCounts(r.authFailure),
		AuditAppends:    copyCounts(r.auditAppends),
		AuditAppendTime: r.appendTiming,
		Gauges:          make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
