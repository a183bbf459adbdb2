package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "fleetd/pkg/logx"
)

// ringCap bounds the in-memory recent-run window. The jsonl file keeps
// the full history; RecentRuns only serves from the ring.
const ringCap = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines)
//
// Recent runs are kept in a memory ring seeded from the file tail at
// open, so RecentRuns never rescans the file.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile *os.File

	ring []RunRecord // oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"

	ring, err := loadRunsTail(runsPath, ringCap)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history unreadable, starting empty", logx.String("path", runsPath), logx.Any("err", err))
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:      log,
		runsFile: rf,
		ring:     ring,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, rec RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("run history closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(rec); err != nil {
		return err
	}
	s.ring = append(s.ring, rec)
	if len(s.ring) > ringCap {
		s.ring = s.ring[len(s.ring)-ringCap:]
	}
	return nil
}

// RecentRuns returns up to limit records, newest first.
func (s *fileStore) RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunRecord, 0, limit)
	for i := len(s.ring) - 1; i >= 0 && len(out) < limit; i-- {
		if job != "" && s.ring[i].Job != job {
			continue
		}
		out = append(out, s.ring[i])
	}
	return out, nil
}

func loadRunsTail(path string, keep int) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ring []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		ring = append(ring, rec)
		if len(ring) > keep {
			ring = ring[len(ring)-keep:]
		}
	}
	return ring, sc.Err()
}
