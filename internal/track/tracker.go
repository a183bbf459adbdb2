// Package track records in-flight job executions and answers the
// admission question "how many instances of job X are running" at local
// or cluster scope.
package track

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	logx "fleetd/pkg/logx"
)

// Record is one in-flight execution.
type Record struct {
	JID       string    `json:"jid"`
	Job       string    `json:"job"`
	Function  string    `json:"function"`
	Args      []string  `json:"args,omitempty"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// PeerQuerier fans a running-job query out to the other fleet nodes.
// Implemented by internal/peers; a peer that doesn't answer within its
// timeout contributes zero rather than blocking the query.
type PeerQuerier interface {
	CountRunning(ctx context.Context, job string) int
}

// Tracker owns the local running-job table.
//
// Each start also drops a record file into the proc dir; the file is
// removed on completion. After a crash the leftover files (checked
// against OS-level PID liveness) are what lets admission counting
// recover.
type Tracker struct {
	mu    sync.RWMutex
	byJID map[string]Record

	procDir string
	log     logx.Logger

	peersMu sync.RWMutex
	peers   PeerQuerier
}

func New(procDir string, log logx.Logger) *Tracker {
	return &Tracker{
		byJID:   map[string]Record{},
		procDir: procDir,
		log:     log,
	}
}

// SetPeers installs the cluster fan-out client (nil disables cluster scope).
func (t *Tracker) SetPeers(q PeerQuerier) {
	t.peersMu.Lock()
	t.peers = q
	t.peersMu.Unlock()
}

// RecordStart registers a launch and persists its proc record.
func (t *Tracker) RecordStart(job, jid, function string, args []string) Record {
	rec, _ := t.RecordStartIfUnder(job, jid, function, args, 0)
	return rec
}

// RecordStartIfUnder registers a launch only while fewer than max
// instances of job are already running locally; max <= 0 admits
// unconditionally. The count and the insert share one critical section,
// so two workers starting the same job cannot both slip under the cap.
func (t *Tracker) RecordStartIfUnder(job, jid, function string, args []string, max int) (Record, bool) {
	// Orphan records belong to a previous incarnation; this process never
	// adds to them concurrently, so they can be counted outside the lock.
	orphans := 0
	if max > 0 {
		t.mu.RLock()
		seen := make(map[string]struct{}, len(t.byJID))
		for id := range t.byJID {
			seen[id] = struct{}{}
		}
		t.mu.RUnlock()
		for _, rec := range t.orphanProcRecords(seen) {
			if rec.Job == job {
				orphans++
			}
		}
	}

	rec := Record{
		JID:       jid,
		Job:       job,
		Function:  function,
		Args:      args,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}

	t.mu.Lock()
	if max > 0 {
		n := orphans
		for _, r := range t.byJID {
			if r.Job == job {
				n++
			}
		}
		if n >= max {
			t.mu.Unlock()
			return Record{}, false
		}
	}
	t.byJID[jid] = rec
	t.mu.Unlock()

	t.writeProcRecord(rec)
	return rec, true
}

// RecordEnd removes the record for a completed (or failed) launch.
func (t *Tracker) RecordEnd(jid string) {
	t.mu.Lock()
	_, ok := t.byJID[jid]
	delete(t.byJID, jid)
	t.mu.Unlock()

	if ok {
		t.removeProcRecord(jid)
	}
}

// Running enumerates in-flight executions of job (all jobs when empty).
//
// The in-memory table is authoritative for this process; proc-dir
// records from a previous incarnation are counted only while their PID
// is still alive, and purged as stale otherwise.
func (t *Tracker) Running(job string) []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.byJID))
	seen := make(map[string]struct{}, len(t.byJID))
	for jid, rec := range t.byJID {
		if job != "" && rec.Job != job {
			continue
		}
		out = append(out, rec)
		seen[jid] = struct{}{}
	}
	t.mu.RUnlock()

	for _, rec := range t.orphanProcRecords(seen) {
		if job != "" && rec.Job != job {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CountRunning implements the admission count at the requested scope.
//
// Cluster scope adds the peers' counts to the local one; ctx bounds the
// whole fan-out. Cluster scope without a configured peer client degrades
// to the local count.
func (t *Tracker) CountRunning(ctx context.Context, job, scope string) int {
	local := len(t.Running(job))
	if scope != "cluster" {
		return local
	}

	t.peersMu.RLock()
	peers := t.peers
	t.peersMu.RUnlock()

	if peers == nil {
		return local
	}
	return local + peers.CountRunning(ctx, job)
}
