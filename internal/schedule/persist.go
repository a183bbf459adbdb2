package schedule

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	logx "fleetd/pkg/logx"
)

var ErrPersist = errors.New("schedule persistence failed")

// persistedJob is the on-disk shape: spec fields plus underscore
// bookkeeping keys, flattened into one document per job.
type persistedJob struct {
	JobSpec     `yaml:",inline"`
	Bookkeeping `yaml:",inline"`
}

// Load reads the persisted schedule before the first tick so intervals
// survive a restart.
//
// A corrupt file must not crash startup: it is logged loudly and the
// registry starts empty. A missing file is a normal first boot.
func (r *Registry) Load() error {
	path := strings.TrimSpace(r.path)
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		r.log.Error("schedule file unreadable; starting with empty schedule", logx.String("path", path), logx.Err(err))
		return nil
	}

	var raw map[string]persistedJob
	if err := yaml.Unmarshal(b, &raw); err != nil {
		r.log.Error("schedule file corrupt; starting with empty schedule", logx.String("path", path), logx.Err(err))
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, pj := range raw {
		spec := pj.JobSpec
		if strings.TrimSpace(spec.Name) == "" {
			spec.Name = name
		}
		if err := spec.Validate(r.loc); err != nil {
			r.log.Warn("dropping invalid persisted job", logx.String("job", name), logx.Err(err))
			continue
		}
		r.jobs[name] = &Job{Spec: spec, BK: pj.Bookkeeping}
	}

	r.log.Info("schedule loaded", logx.String("path", path), logx.Int("jobs", len(r.jobs)))
	return nil
}

// Persist writes the full schedule (specs + bookkeeping) to disk.
func (r *Registry) Persist() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writeLocked()
}

// persistLocked is called after every mutating operation. A write failure
// is logged and scheduling continues in-memory; the next mutation retries.
func (r *Registry) persistLocked() {
	if err := r.writeLocked(); err != nil {
		r.log.Error("schedule persist failed; continuing in-memory", logx.String("path", r.path), logx.Err(err))
	}
}

func (r *Registry) writeLocked() error {
	path := strings.TrimSpace(r.path)
	if path == "" {
		return nil
	}

	out := make(map[string]persistedJob, len(r.jobs))
	for name, job := range r.jobs {
		out[name] = persistedJob{JobSpec: job.Spec, Bookkeeping: job.BK}
	}

	b, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := atomicWrite(path, b); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// atomicWrite uses write-temp-fsync-rename so a crash mid-write never
// leaves a partially written schedule behind.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// Best-effort cleanup when any step below failed.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
