package peers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetd/internal/schedule"
	"fleetd/internal/track"
	logx "fleetd/pkg/logx"
)

func testServer(t *testing.T, cfg ServerConfig) (*Server, *schedule.Registry, *track.Tracker) {
	t.Helper()
	reg := schedule.NewRegistry(filepath.Join(t.TempDir(), "schedule.yaml"), time.UTC, logx.Nop(), nil)
	trk := track.New("", logx.Nop())
	return NewServer(cfg, reg, trk, logx.Nop()), reg, trk
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) schedule.Envelope {
	t.Helper()
	var env schedule.Envelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestHandlerScheduleLifecycle(t *testing.T) {
	t.Parallel()
	cfg := ServerConfig{NodeID: "node-1"}
	s, reg, _ := testServer(t, cfg)
	h := s.Handler(cfg)

	rr := postJSON(t, h, "/v1/schedule/add", `{"name":"beat","function":"test.ping","seconds":10}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("add status = %d body=%s", rr.Code, rr.Body)
	}
	env := decodeEnvelope(t, rr)
	if env.Result == nil || !*env.Result || env.Comment != "Added job: beat to schedule." {
		t.Fatalf("add envelope: %+v", env)
	}

	// Duplicate add fails with 422.
	rr = postJSON(t, h, "/v1/schedule/add", `{"name":"beat","function":"test.ping","seconds":10}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate add status = %d", rr.Code)
	}

	// Dry run reports what would happen without mutating.
	rr = postJSON(t, h, "/v1/schedule/delete?name=beat&test=1", "")
	env = decodeEnvelope(t, rr)
	if env.Result != nil {
		t.Fatalf("dry-run delete Result must be null: %+v", env)
	}
	if reg.Len() != 1 {
		t.Fatalf("dry run mutated the schedule")
	}

	rr = postJSON(t, h, "/v1/schedule/disable?name=beat", "")
	env = decodeEnvelope(t, rr)
	if env.Result == nil || !*env.Result {
		t.Fatalf("disable envelope: %+v", env)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/schedule/list", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var views []schedule.JobView
	if err := json.NewDecoder(rr.Body).Decode(&views); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(views) != 1 || views[0].Spec.Name != "beat" || views[0].Spec.IsEnabled() {
		t.Fatalf("list = %+v", views)
	}

	rr = postJSON(t, h, "/v1/schedule/delete?name=beat", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if reg.Len() != 0 {
		t.Fatalf("job not deleted")
	}
}

func TestHandlerUpsertValidation(t *testing.T) {
	t.Parallel()
	cfg := ServerConfig{}
	s, _, _ := testServer(t, cfg)
	h := s.Handler(cfg)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing name", `{"function":"test.ping","seconds":10}`},
		{"no trigger", `{"name":"x","function":"test.ping"}`},
		{"two triggers", `{"name":"x","function":"test.ping","seconds":5,"cron":"* * * * *"}`},
	}
	for _, tc := range cases {
		rr := postJSON(t, h, "/v1/schedule/add", tc.body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, rr.Code)
		}
	}

	rr := postJSON(t, h, "/v1/schedule/enable", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing name param: status = %d, want 400", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/schedule/add", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET add: status = %d, want 405", w.Code)
	}
}

func TestHandlerRunningAndHealth(t *testing.T) {
	t.Parallel()
	cfg := ServerConfig{NodeID: "node-1"}
	s, _, trk := testServer(t, cfg)
	h := s.Handler(cfg)

	trk.RecordStart("backup", "jid-1", "disk.snapshot", nil)
	trk.RecordStart("sweep", "jid-2", "fs.cleanup", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/running?job=backup", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("running status = %d", rr.Code)
	}
	var recs []track.Record
	if err := json.NewDecoder(rr.Body).Decode(&recs); err != nil {
		t.Fatalf("decode running: %v", err)
	}
	if len(recs) != 1 || recs[0].Job != "backup" {
		t.Fatalf("running = %+v", recs)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var health struct {
		Node    string `json:"node"`
		Running int    `json:"running"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Node != "node-1" || health.Running != 2 {
		t.Fatalf("health = %+v", health)
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	cfg := ServerConfig{Token: "s3cret"}
	s, _, _ := testServer(t, cfg)
	h := s.Handler(cfg)

	get := func(target string, header string) int {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := get("/v1/health", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", code)
	}
	if code := get("/v1/health", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d, want 401", code)
	}
	if code := get("/v1/health", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token: %d, want 200", code)
	}
	if code := get("/v1/health?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token: %d, want 200", code)
	}
	if code := get("/v1/health?token=nope", ""); code != http.StatusUnauthorized {
		t.Fatalf("bad query token: %d, want 401", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:4640", true},
		{"localhost:4640", true},
		{"[::1]:4640", true},
		{"0.0.0.0:4640", false},
		{":4640", false},
		{"192.168.1.10:4640", false},
		{"not-an-addr", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
