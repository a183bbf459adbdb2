package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "fleetd/pkg/logx"
)

func openFileStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleRun(job, jid string, ok bool) RunRecord {
	return RunRecord{
		JID:        jid,
		Job:        job,
		Function:   "test.ping",
		Node:       "node-1",
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
		OK:         ok,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}

	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver must error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path must error")
	}
}

func TestFileStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	st := openFileStore(t, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := sampleRun("backup", fmt.Sprintf("jid-%d", i), true)
		if err := st.AppendRun(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.AppendRun(ctx, sampleRun("sweep", "jid-s", false)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Newest first, bounded by limit.
	runs, err := st.RecentRuns(ctx, "", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 3 || runs[0].JID != "jid-s" || runs[1].JID != "jid-4" {
		t.Fatalf("recent = %+v", runs)
	}

	// Job filter.
	runs, err = st.RecentRuns(ctx, "sweep", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].Job != "sweep" || runs[0].OK {
		t.Fatalf("filtered = %+v", runs)
	}
}

func TestFileStoreReloadTail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := st.AppendRun(ctx, sampleRun("backup", fmt.Sprintf("jid-%d", i), true)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.AppendRun(ctx, sampleRun("backup", "late", true)); err == nil {
		t.Fatalf("append after close must error")
	}

	// A reopened store serves history written by the previous process.
	st2 := openFileStore(t, dir)
	runs, err := st2.RecentRuns(ctx, "backup", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 4 || runs[0].JID != "jid-3" || runs[3].JID != "jid-0" {
		t.Fatalf("reloaded = %+v", runs)
	}
}

func TestFileStoreSkipRecords(t *testing.T) {
	t.Parallel()
	st := openFileStore(t, t.TempDir())
	ctx := context.Background()

	rec := RunRecord{
		JID:        "jid-skip",
		Job:        "backup",
		Function:   "disk.snapshot",
		Node:       "node-1",
		StartedAt:  time.Now(),
		SkipReason: "maxrunning",
	}
	if err := st.AppendRun(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	runs, err := st.RecentRuns(ctx, "backup", 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].SkipReason != "maxrunning" {
		t.Fatalf("skip record = %+v", runs)
	}
}
