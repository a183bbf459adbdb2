package track

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "fleetd/pkg/logx"
)

func testTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, logx.Nop()), dir
}

func TestTrackerStartEnd(t *testing.T) {
	t.Parallel()
	tr, dir := testTracker(t)

	tr.RecordStart("backup", "jid-1", "disk.snapshot", nil)
	tr.RecordStart("backup", "jid-2", "disk.snapshot", nil)
	tr.RecordStart("sweep", "jid-3", "fs.cleanup", []string{"/tmp"})

	if got := len(tr.Running("backup")); got != 2 {
		t.Fatalf("running(backup) = %d, want 2", got)
	}
	if got := len(tr.Running("")); got != 3 {
		t.Fatalf("running(all) = %d, want 3", got)
	}

	// Each start leaves a proc record behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("proc records = %d, want 3", len(entries))
	}

	tr.RecordEnd("jid-1")
	if got := len(tr.Running("backup")); got != 1 {
		t.Fatalf("running(backup) after end = %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "jid-1.json")); !os.IsNotExist(err) {
		t.Fatalf("proc record not removed: %v", err)
	}

	// Ending an unknown jid is a no-op.
	tr.RecordEnd("jid-1")
	tr.RecordEnd("never-started")
}

func TestTrackerCrashRecovery(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// A record from a previous incarnation whose PID is still alive
	// (our own) must be counted toward admission.
	live := Record{JID: "old-1", Job: "backup", Function: "disk.snapshot", PID: os.Getpid(), StartedAt: time.Now().Add(-time.Minute)}
	writeRecord(t, dir, live)

	// A record whose PID is gone is stale and gets purged.
	dead := Record{JID: "old-2", Job: "backup", Function: "disk.snapshot", PID: 1 << 30, StartedAt: time.Now().Add(-time.Hour)}
	writeRecord(t, dir, dead)

	tr := New(dir, logx.Nop())
	running := tr.Running("backup")
	if len(running) != 1 || running[0].JID != "old-1" {
		t.Fatalf("running = %+v, want only old-1", running)
	}
	if _, err := os.Stat(filepath.Join(dir, "old-2.json")); !os.IsNotExist(err) {
		t.Fatalf("stale record not purged: %v", err)
	}
}

func TestTrackerCleanStale(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	writeRecord(t, dir, Record{JID: "dead-1", Job: "a", PID: 1 << 30})
	writeRecord(t, dir, Record{JID: "dead-2", Job: "b", PID: 1 << 30})
	writeRecord(t, dir, Record{JID: "live", Job: "c", PID: os.Getpid()})

	// Garbage that doesn't parse counts as stale too.
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tr := New(dir, logx.Nop())
	if removed := tr.CleanStale(); removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if got := len(tr.Running("")); got != 1 {
		t.Fatalf("running = %d, want 1", got)
	}
}

func TestTrackerRecordStartIfUnder(t *testing.T) {
	t.Parallel()
	tr, _ := testTracker(t)

	if _, ok := tr.RecordStartIfUnder("backup", "jid-1", "disk.snapshot", nil, 1); !ok {
		t.Fatalf("first start denied")
	}
	if _, ok := tr.RecordStartIfUnder("backup", "jid-2", "disk.snapshot", nil, 1); ok {
		t.Fatalf("second start admitted past maxrunning=1")
	}
	if got := len(tr.Running("backup")); got != 1 {
		t.Fatalf("running = %d, want 1", got)
	}

	// Other jobs have their own cap.
	if _, ok := tr.RecordStartIfUnder("sweep", "jid-3", "fs.cleanup", nil, 1); !ok {
		t.Fatalf("unrelated job denied")
	}

	// max <= 0 admits unconditionally.
	if _, ok := tr.RecordStartIfUnder("backup", "jid-4", "disk.snapshot", nil, 0); !ok {
		t.Fatalf("uncapped start denied")
	}
	tr.RecordEnd("jid-4")

	tr.RecordEnd("jid-1")
	if _, ok := tr.RecordStartIfUnder("backup", "jid-5", "disk.snapshot", nil, 1); !ok {
		t.Fatalf("start denied after the slot was freed")
	}
}

func TestTrackerRecordStartIfUnderCountsOrphans(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// A live-PID record from a previous incarnation holds a slot.
	writeRecord(t, dir, Record{JID: "old-1", Job: "backup", PID: os.Getpid(), StartedAt: time.Now().Add(-time.Minute)})

	tr := New(dir, logx.Nop())
	if _, ok := tr.RecordStartIfUnder("backup", "jid-1", "disk.snapshot", nil, 1); ok {
		t.Fatalf("admitted past a live orphan record")
	}
	if _, ok := tr.RecordStartIfUnder("backup", "jid-1", "disk.snapshot", nil, 2); !ok {
		t.Fatalf("denied under maxrunning=2")
	}
}

type fakePeers struct {
	count int
}

func (f *fakePeers) CountRunning(ctx context.Context, job string) int { return f.count }

func TestTrackerCountRunningScopes(t *testing.T) {
	t.Parallel()
	tr, _ := testTracker(t)
	ctx := context.Background()

	tr.RecordStart("backup", "jid-1", "disk.snapshot", nil)

	if got := tr.CountRunning(ctx, "backup", "local"); got != 1 {
		t.Fatalf("local count = %d, want 1", got)
	}

	// Cluster scope without peers degrades to the local count.
	if got := tr.CountRunning(ctx, "backup", "cluster"); got != 1 {
		t.Fatalf("cluster count without peers = %d, want 1", got)
	}

	tr.SetPeers(&fakePeers{count: 2})
	if got := tr.CountRunning(ctx, "backup", "cluster"); got != 3 {
		t.Fatalf("cluster count = %d, want 3", got)
	}
	// Peers are never consulted at local scope.
	if got := tr.CountRunning(ctx, "backup", "local"); got != 1 {
		t.Fatalf("local count with peers = %d, want 1", got)
	}
}

func TestTrackerNoProcDir(t *testing.T) {
	t.Parallel()
	tr := New("", logx.Nop())

	tr.RecordStart("backup", "jid-1", "disk.snapshot", nil)
	if got := len(tr.Running("backup")); got != 1 {
		t.Fatalf("running = %d, want 1", got)
	}
	tr.RecordEnd("jid-1")
	if got := len(tr.Running("backup")); got != 0 {
		t.Fatalf("running = %d, want 0", got)
	}
}

func writeRecord(t *testing.T, dir string, rec Record) {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, rec.JID+".json"), b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
