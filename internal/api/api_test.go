package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"mab-api/internal/config"
	"mab-api/internal/db"
	"mab-api/internal/engine"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		DefaultWindowDays:   14,
		MaxWindowDays:       30,
		MinImpressions:      200,
		ThompsonSamples:     2000,
		PriorAlpha:          1,
		PriorBeta:           99,
		AllocationRateLimit: 300,
		RateLimitBackend:    "memory",
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	allocator := engine.NewAllocator(database, cfg, log)
	return NewServer(database, allocator, cfg, log, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createExperiment(t *testing.T, h http.Handler, name string) *db.Experiment {
	t.Helper()
	rec := doJSON(t, h, "POST", "/experiments", map[string]interface{}{
		"name": name,
		"variants": []map[string]interface{}{
			{"name": "control", "is_control": true},
			{"name": "treatment"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create experiment status = %d, body %s", rec.Code, rec.Body.String())
	}
	var exp db.Experiment
	decode(t, rec, &exp)
	return &exp
}

func TestEndpointPattern(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{"POST", "/experiments", "POST /experiments"},
		{"GET", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11", "GET /experiments/{experiment_id}"},
		{"GET", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11/allocation", "GET /experiments/{experiment_id}/allocation"},
		{"POST", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11/metrics", "POST /experiments/{experiment_id}/metrics"},
		{"GET", "/experiments/short-id", "GET /experiments/short-id"},
		{"GET", "/health", "GET /health"},
	}
	for _, tc := range cases {
		if got := endpointPattern(tc.method, tc.path); got != tc.want {
			t.Errorf("endpointPattern(%s, %s) = %q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestMemoryLimiter(t *testing.T) {
	lim := NewMemoryLimiter(time.Minute)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, remaining, _, err := lim.Allow(ctx, "k", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d denied under the limit", i+1)
		}
		if remaining != 3-i-1 {
			t.Errorf("request %d remaining = %d, want %d", i+1, remaining, 3-i-1)
		}
	}

	allowed, remaining, reset, _ := lim.Allow(ctx, "k", 3, time.Minute)
	if allowed {
		t.Fatal("4th request allowed over the limit")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if reset != 60 {
		t.Errorf("reset = %d, want 60 (oldest entry just landed)", reset)
	}

	// Another key has its own budget.
	if allowed, _, _, _ := lim.Allow(ctx, "other", 3, time.Minute); !allowed {
		t.Error("independent key denied")
	}

	// The window slides: one minute later the budget is back.
	now = now.Add(61 * time.Second)
	if allowed, _, _, _ := lim.Allow(ctx, "k", 3, time.Minute); !allowed {
		t.Error("request denied after the window drained")
	}
}

func TestCreateAndGetExperiment(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	exp := createExperiment(t, h, "hero-banner")
	if exp.Status != db.StatusActive {
		t.Errorf("status = %q, want active", exp.Status)
	}
	if len(exp.Variants) != 2 || !exp.Variants[0].IsControl {
		t.Errorf("variants = %+v, want control first", exp.Variants)
	}

	rec := doJSON(t, h, "GET", "/experiments/"+exp.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got db.Experiment
	decode(t, rec, &got)
	if got.ID != exp.ID || got.Name != "hero-banner" {
		t.Errorf("got = %+v, want the created experiment", got)
	}

	if rec := doJSON(t, h, "GET", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing experiment status = %d, want 404", rec.Code)
	}
}

func TestCreateExperiment_Conflicts(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	createExperiment(t, h, "dup")
	rec := doJSON(t, h, "POST", "/experiments", map[string]interface{}{
		"name": "dup",
		"variants": []map[string]interface{}{
			{"name": "control", "is_control": true},
			{"name": "b"},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate name status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/experiments", map[string]interface{}{
		"name":     "no-control",
		"variants": []map[string]interface{}{{"name": "a"}, {"name": "b"}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("no-control status = %d, want 422", rec.Code)
	}

	req := httptest.NewRequest("POST", "/experiments", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed JSON status = %d, want 422", rr.Code)
	}
}

func TestUpdateStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	exp := createExperiment(t, h, "pausable")

	rec := doJSON(t, h, "PATCH", "/experiments/"+exp.ID+"/status", map[string]string{"status": "paused"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got db.Experiment
	decode(t, rec, &got)
	if got.Status != db.StatusPaused {
		t.Errorf("status = %q, want paused", got.Status)
	}

	if rec := doJSON(t, h, "PATCH", "/experiments/"+exp.ID+"/status", map[string]string{"status": "frozen"}); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad status code = %d, want 422", rec.Code)
	}
	if rec := doJSON(t, h, "PATCH", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11/status", map[string]string{"status": "paused"}); rec.Code != http.StatusNotFound {
		t.Errorf("missing experiment code = %d, want 404", rec.Code)
	}
}

func TestRecordMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	exp := createExperiment(t, h, "ingest")

	body := map[string]interface{}{
		"date": "2026-08-20",
		"metrics": []map[string]interface{}{
			{"variant_name": "control", "impressions": 1000, "clicks": 30},
			{"variant_name": "treatment", "impressions": 1000, "clicks": 45},
		},
		"batch_id": "batch-1",
	}
	rec := doJSON(t, h, "POST", "/experiments/"+exp.ID+"/metrics", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("record status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp recordMetricsResponse
	decode(t, rec, &resp)
	if resp.VariantsUpdated != 2 {
		t.Errorf("variants_updated = %d, want 2", resp.VariantsUpdated)
	}
	if resp.Date != "2026-08-20" || resp.BatchID != "batch-1" {
		t.Errorf("response = %+v, want the echoed date and batch", resp)
	}

	body["date"] = "20-08-2026"
	if rec := doJSON(t, h, "POST", "/experiments/"+exp.ID+"/metrics", body); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad date status = %d, want 422", rec.Code)
	}

	body["date"] = "2026-08-20"
	body["metrics"] = []map[string]interface{}{{"variant_name": "ghost", "impressions": 1}}
	if rec := doJSON(t, h, "POST", "/experiments/"+exp.ID+"/metrics", body); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown variant status = %d, want 400", rec.Code)
	}
}

func TestAllocationEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	exp := createExperiment(t, h, "allocatable")

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	rec := doJSON(t, h, "POST", "/experiments/"+exp.ID+"/metrics", map[string]interface{}{
		"date": yesterday,
		"metrics": []map[string]interface{}{
			{"variant_name": "control", "impressions": 1000, "clicks": 30},
			{"variant_name": "treatment", "impressions": 1000, "clicks": 45},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed metrics status = %d", rec.Code)
	}

	rec = doJSON(t, h, "GET", "/experiments/"+exp.ID+"/allocation", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("allocation status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp engine.AllocationResponse
	decode(t, rec, &resp)
	if resp.UsedFallback {
		t.Error("used_fallback = true with 1000 impressions per variant")
	}
	if len(resp.Allocations) != 2 {
		t.Fatalf("allocations = %d, want 2", len(resp.Allocations))
	}
	var sum float64
	for _, a := range resp.Allocations {
		sum += a.AllocationPercentage
	}
	if sum < 99.99 || sum > 100.01 {
		t.Errorf("allocation sum = %v, want 100", sum)
	}

	if rec := doJSON(t, h, "GET", "/experiments/"+exp.ID+"/allocation?window_days=91", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("window_days=91 status = %d, want 422", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/experiments/"+exp.ID+"/allocation?window_days=abc", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("window_days=abc status = %d, want 422", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11/allocation", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing experiment status = %d, want 404", rec.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	exp := createExperiment(t, h, "historied")

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	doJSON(t, h, "POST", "/experiments/"+exp.ID+"/metrics", map[string]interface{}{
		"date": yesterday,
		"metrics": []map[string]interface{}{
			{"variant_name": "control", "impressions": 500, "clicks": 10},
			{"variant_name": "treatment", "impressions": 500, "clicks": 20},
		},
	})
	if rec := doJSON(t, h, "GET", "/experiments/"+exp.ID+"/allocation", nil); rec.Code != http.StatusOK {
		t.Fatalf("allocation status = %d", rec.Code)
	}

	rec := doJSON(t, h, "GET", "/experiments/"+exp.ID+"/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var hist struct {
		ExperimentID string                `json:"experiment_id"`
		Count        int                   `json:"count"`
		History      []db.AllocationRecord `json:"history"`
	}
	decode(t, rec, &hist)
	if hist.Count != 1 || len(hist.History) != 1 {
		t.Fatalf("history count = %d (%d records), want 1", hist.Count, len(hist.History))
	}
	if len(hist.History[0].Details) != 2 {
		t.Errorf("details = %d, want 2", len(hist.History[0].Details))
	}

	rec = doJSON(t, h, "GET", "/experiments/"+exp.ID+"/metrics/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics history status = %d", rec.Code)
	}
	var series struct {
		Count   int                 `json:"count"`
		History []db.DailyMetricRow `json:"history"`
	}
	decode(t, rec, &series)
	if series.Count != 2 {
		t.Errorf("metrics history count = %d, want 2 variant-days", series.Count)
	}

	if rec := doJSON(t, h, "GET", "/experiments/"+exp.ID+"/history?limit=0", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("limit=0 status = %d, want 422", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11/history", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing experiment status = %d, want 404", rec.Code)
	}
}

func TestHealthAndRoot(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("health should be exempt from rate limiting")
	}

	rec = doJSON(t, h, "GET", "/", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("root status = %d, want 200", rec.Code)
	}
	var info map[string]string
	decode(t, rec, &info)
	if info["service"] != "mab-api" {
		t.Errorf("service = %q, want mab-api", info["service"])
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	// POST /experiments allows 10 per minute per client. Invalid bodies
	// still consume budget: the limiter runs before the handler.
	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		last = doJSON(t, h, "POST", "/experiments", map[string]interface{}{
			"name":     fmt.Sprintf("exp-%d", i),
			"variants": []map[string]interface{}{{"name": "a", "is_control": true}, {"name": "b"}},
		})
		if last.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d, want 201", i+1, last.Code)
		}
	}
	if got := last.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("10th response remaining = %q, want 0", got)
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("limit header = %q, want 10", got)
	}

	rec := doJSON(t, h, "POST", "/experiments", map[string]interface{}{
		"name":     "over-budget",
		"variants": []map[string]interface{}{{"name": "a", "is_control": true}, {"name": "b"}},
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}

	// Reads are budgeted per endpoint pattern, so they still pass.
	if rec := doJSON(t, h, "GET", "/experiments/0b87c1ce-9f33-4a2e-8d05-2d6b74a91c11", nil); rec.Code != http.StatusNotFound {
		t.Errorf("read under a different budget status = %d, want 404", rec.Code)
	}
}
