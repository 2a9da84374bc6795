package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	accessLevel map[string]int64
	ruleOps     map[string]int64
	batchSizes  map[string]int64
	gauges      map[string]float64
	evalLatency EvalLatencyStat
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	AccessLevels  map[string]int64        `json:"access_levels"`
	RuleOps       map[string]int64        `json:"rule_ops"`
	BatchSizes    map[string]int64        `json:"batch_sizes"`
	Gauges        map[string]float64      `json:"gauges"`
	EvalLatencyMS EvalLatencyStat         `json:"eval_latency_ms"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		accessLevel: map[string]int64{},
		ruleOps:     map[string]int64{},
		batchSizes:  map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
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

// IncAccessLevel counts evaluation outcomes by resolved level.
func (r *Registry) IncAccessLevel(level string) {
	level = strings.TrimSpace(strings.ToUpper(level))
	if level == "" {
		return
	}
	r.mu.Lock()
	r.accessLevel[level]++
	r.mu.Unlock()
}

// IncRuleOp counts rule mutations by operation and effect, e.g. "create|ALLOW".
func (r *Registry) IncRuleOp(op, effect string) {
	op = strings.TrimSpace(strings.ToLower(op))
	if op == "" {
		return
	}
	effect = strings.TrimSpace(strings.ToUpper(effect))
	if effect == "" {
		effect = "UNKNOWN"
	}
	r.mu.Lock()
	r.ruleOps[op+"|"+effect]++
	r.mu.Unlock()
}

// ObserveBatchSize accumulates requested id counts per batch endpoint.
func (r *Registry) ObserveBatchSize(endpoint string, size int) {
	if endpoint == "" || size < 0 {
		return
	}
	r.mu.Lock()
	r.batchSizes[endpoint] += int64(size)
	r.mu.Unlock()
}

func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		AccessLevels: make(map[string]int64, len(r.accessLevel)),
		RuleOps:      make(map[string]int64, len(r.ruleOps)),
		BatchSizes:   make(map[string]int64, len(r.batchSizes)),
		Gauges:       make(map[string]float64, len(r.gauges)),
		EvalLatencyMS: EvalLatencyStat{
			Count:   r.evalLatency.Count,
			TotalMS: r.evalLatency.TotalMS,
			MaxMS:   r.evalLatency.MaxMS,
			LastMS:  r.evalLatency.LastMS,
			AvgMS:   r.evalLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.accessLevel {
		out.AccessLevels[k] = v
	}
	for k, v := range r.ruleOps {
		out.RuleOps[k] = v
	}
	for k, v := range r.batchSizes {
		out.BatchSizes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP geoauthz_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE geoauthz_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "geoauthz_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP geoauthz_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE geoauthz_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "geoauthz_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP geoauthz_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE geoauthz_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "geoauthz_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP geoauthz_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE geoauthz_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "geoauthz_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP geoauthz_access_level_total evaluations by resolved access level\n")
		b.WriteString("# TYPE geoauthz_access_level_total counter\n")
		for _, level := range SortedKeys(snap.AccessLevels) {
			fmt.Fprintf(b, "geoauthz_access_level_total{level=%q} %d\n", level, snap.AccessLevels[level])
		}
		b.WriteString("# HELP geoauthz_rule_op_total rule mutations by operation and effect\n")
		b.WriteString("# TYPE geoauthz_rule_op_total counter\n")
		for _, key := range SortedKeys(snap.RuleOps) {
			parts := strings.SplitN(key, "|", 2)
			op := parts[0]
			effect := "UNKNOWN"
			if len(parts) == 2 {
				effect = parts[1]
			}
			fmt.Fprintf(b, "geoauthz_rule_op_total{op=%q,effect=%q} %d\n", op, effect, snap.RuleOps[key])
		}
		b.WriteString("# HELP geoauthz_batch_ids_total requested ids per batch endpoint\n")
		b.WriteString("# TYPE geoauthz_batch_ids_total counter\n")
		for _, ep := range SortedKeys(snap.BatchSizes) {
			fmt.Fprintf(b, "geoauthz_batch_ids_total{endpoint=%q} %d\n", ep, snap.BatchSizes[ep])
		}
		b.WriteString("# HELP geoauthz_gauge operational gauge metrics\n")
		b.WriteString("# TYPE geoauthz_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "geoauthz_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP geoauthz_eval_latency_ms access evaluation latency in ms\n")
		b.WriteString("# TYPE geoauthz_eval_latency_ms gauge\n")
		fmt.Fprintf(b, "geoauthz_eval_latency_ms{stat=%q} %d\n", "last", snap.EvalLatencyMS.LastMS)
		fmt.Fprintf(b, "geoauthz_eval_latency_ms{stat=%q} %.3f\n", "avg", snap.EvalLatencyMS.AvgMS)
		fmt.Fprintf(b, "geoauthz_eval_latency_ms{stat=%q} %d\n", "max", snap.EvalLatencyMS.MaxMS)
		for _, h := range snap.Histograms {
			b.WriteString("# HELP geoauthz_latency_seconds latency histogram\n")
			b.WriteString("# TYPE geoauthz_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "geoauthz_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "geoauthz_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "geoauthz_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "geoauthz_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "geoauthz_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "geoauthz_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "geoauthz_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
