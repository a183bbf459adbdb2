package peers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "fleetd/pkg/logx"
)

func runningHandler(t *testing.T, wantJob string, count int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/running" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("job"); got != wantJob {
			t.Errorf("job param = %q, want %q", got, wantJob)
		}
		recs := make([]map[string]string, count)
		for i := range recs {
			recs[i] = map[string]string{"jid": "x", "job": wantJob}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recs)
	}
}

func TestCountRunningSumsPeers(t *testing.T) {
	t.Parallel()
	a := httptest.NewServer(runningHandler(t, "backup", 2))
	defer a.Close()
	b := httptest.NewServer(runningHandler(t, "backup", 1))
	defer b.Close()

	c := NewClient(ClientConfig{Nodes: []string{a.URL, b.URL}}, logx.Nop())
	if got := c.CountRunning(context.Background(), "backup"); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
}

func TestCountRunningNoPeers(t *testing.T) {
	t.Parallel()
	c := NewClient(ClientConfig{}, logx.Nop())
	if got := c.CountRunning(context.Background(), "backup"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestCountRunningFailedPeerContributesZero(t *testing.T) {
	t.Parallel()
	good := httptest.NewServer(runningHandler(t, "backup", 2))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := NewClient(ClientConfig{Nodes: []string{good.URL, bad.URL, "127.0.0.1:1"}}, logx.Nop())
	if got := c.CountRunning(context.Background(), "backup"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
}

func TestCountRunningSlowPeerTimesOut(t *testing.T) {
	t.Parallel()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()
	fast := httptest.NewServer(runningHandler(t, "backup", 1))
	defer fast.Close()

	c := NewClient(ClientConfig{
		Nodes:        []string{slow.URL, fast.URL},
		QueryTimeout: 50 * time.Millisecond,
	}, logx.Nop())

	start := time.Now()
	got := c.CountRunning(context.Background(), "backup")
	if got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("slow peer blocked the fan-out")
	}
}

func TestCountRunningSendsToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"jid":"x"}]`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Nodes: []string{srv.URL}, Token: "s3cret"}, logx.Nop())
	if got := c.CountRunning(context.Background(), "backup"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	c.Apply(ClientConfig{Nodes: []string{srv.URL}, Token: "wrong"})
	if got := c.CountRunning(context.Background(), "backup"); got != 0 {
		t.Fatalf("count with bad token = %d, want 0", got)
	}
}

func TestPeerURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		node string
		job  string
		want string
	}{
		{"10.0.0.5:4640", "backup", "http://10.0.0.5:4640/v1/running?job=backup"},
		{"https://agent.example.com", "backup", "https://agent.example.com/v1/running?job=backup"},
		{"http://10.0.0.5:4640", "", "http://10.0.0.5:4640/v1/running"},
	}
	for _, tc := range cases {
		got, err := peerURL(tc.node, tc.job)
		if err != nil {
			t.Fatalf("peerURL(%q): %v", tc.node, err)
		}
		if got != tc.want {
			t.Fatalf("peerURL(%q) = %q, want %q", tc.node, got, tc.want)
		}
	}
	if _, err := peerURL("  ", "x"); err == nil {
		t.Fatalf("empty address must error")
	}
}
