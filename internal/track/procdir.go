package track

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	logx "fleetd/pkg/logx"
)

// Proc records are one JSON file per jid. Writes are best-effort: a
// failed write costs crash-recovery fidelity, not correctness of the
// in-memory table.

func (t *Tracker) procPath(jid string) string {
	return filepath.Join(t.procDir, jid+".json")
}

func (t *Tracker) writeProcRecord(rec Record) {
	if strings.TrimSpace(t.procDir) == "" {
		return
	}
	if err := os.MkdirAll(t.procDir, 0o755); err != nil {
		t.log.Warn("proc dir unavailable", logx.String("dir", t.procDir), logx.Err(err))
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := os.WriteFile(t.procPath(rec.JID), b, 0o644); err != nil {
		t.log.Warn("proc record write failed", logx.String("jid", rec.JID), logx.Err(err))
	}
}

func (t *Tracker) removeProcRecord(jid string) {
	if strings.TrimSpace(t.procDir) == "" {
		return
	}
	if err := os.Remove(t.procPath(jid)); err != nil && !os.IsNotExist(err) {
		t.log.Warn("proc record remove failed", logx.String("jid", jid), logx.Err(err))
	}
}

// orphanProcRecords returns records on disk that this process doesn't
// know about (a previous incarnation's), with stale ones purged.
func (t *Tracker) orphanProcRecords(known map[string]struct{}) []Record {
	if strings.TrimSpace(t.procDir) == "" {
		return nil
	}
	entries, err := os.ReadDir(t.procDir)
	if err != nil {
		return nil
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		jid := strings.TrimSuffix(e.Name(), ".json")
		if _, ok := known[jid]; ok {
			continue
		}

		b, err := os.ReadFile(filepath.Join(t.procDir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			// Unparseable leftovers are stale by definition.
			_ = os.Remove(filepath.Join(t.procDir, e.Name()))
			continue
		}
		if !pidAlive(rec.PID) {
			t.log.Info("purging stale running-job record", logx.String("jid", rec.JID), logx.String("job", rec.Job), logx.Int("pid", rec.PID))
			_ = os.Remove(filepath.Join(t.procDir, e.Name()))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// CleanStale purges proc records whose PID no longer exists. Called once
// on startup before the first tick.
func (t *Tracker) CleanStale() int {
	before := 0
	if entries, err := os.ReadDir(t.procDir); err == nil {
		before = len(entries)
	}
	kept := len(t.orphanProcRecords(map[string]struct{}{}))
	removed := before - kept
	if removed < 0 {
		removed = 0
	}
	return removed
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// If liveness can't be determined, keep the record; over-counting
		// only delays a launch, under-counting breaks maxrunning.
		return true
	}
	return ok
}
