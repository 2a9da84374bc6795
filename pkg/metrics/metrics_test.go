package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveEndpoint(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/areas", 200, 20*time.Millisecond)
	r.Observe("/v1/areas", 500, 40*time.Millisecond)
	snap := r.Snapshot()
	stat := snap.Endpoints["/v1/areas"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("stat = %+v", stat)
	}
	if stat.MaxMillis != 40 {
		t.Fatalf("max = %d", stat.MaxMillis)
	}
	if stat.LastStatusCode != 500 {
		t.Fatalf("last status = %d", stat.LastStatusCode)
	}
}

func TestAccessLevelAndRuleOpCounters(t *testing.T) {
	r := NewRegistry()
	r.IncAccessLevel("FULL")
	r.IncAccessLevel("full")
	r.IncAccessLevel("NONE")
	r.IncAccessLevel("")
	r.IncRuleOp("create", "ALLOW")
	r.IncRuleOp("delete", "")
	snap := r.Snapshot()
	if snap.AccessLevels["FULL"] != 2 || snap.AccessLevels["NONE"] != 1 {
		t.Fatalf("levels = %v", snap.AccessLevels)
	}
	if snap.RuleOps["create|ALLOW"] != 1 || snap.RuleOps["delete|UNKNOWN"] != 1 {
		t.Fatalf("rule ops = %v", snap.RuleOps)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncAccessLevel("READ_ONLY")
	r.ObserveBatchSize("batchDetails", 7)
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.AccessLevels["READ_ONLY"] != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.BatchSizes["batchDetails"] != 7 {
		t.Fatalf("batch sizes = %v", snap.BatchSizes)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/rules", 201, 5*time.Millisecond)
	r.IncAccessLevel("FULL")
	r.ObserveLatency("/v1/rules", 5*time.Millisecond)
	rec := httptest.NewRecorder()
	r.PrometheusHandler()(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`geoauthz_endpoint_count{endpoint="/v1/rules"} 1`,
		`geoauthz_access_level_total{level="FULL"} 1`,
		`geoauthz_latency_seconds_count{endpoint="/v1/rules"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("eval")
	for i := 0; i < 100; i++ {
		h.Observe(8 * time.Millisecond)
	}
	snap := h.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("count = %d", snap.Count)
	}
	if snap.P50 != 0.01 || snap.P99 != 0.01 {
		t.Fatalf("p50=%v p99=%v", snap.P50, snap.P99)
	}
}
