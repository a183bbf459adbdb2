package schedule

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	logx "fleetd/pkg/logx"
)

// Job is one registry entry: the operator-supplied spec plus the
// scheduler-owned bookkeeping.
type Job struct {
	Spec JobSpec
	BK   Bookkeeping

	// forceRun makes the job fire on the next tick regardless of trigger
	// (management "run now"). Consumed by Evaluate.
	forceRun bool
}

// ResolveFunc checks that a function id exists in the action registry.
// Installed so add/modify can reject unknown functions early.
type ResolveFunc func(function string) error

// Registry is the job table.
//
// Locking: the tick loop is the only mutator of bookkeeping; management
// calls mutate specs. Both go through the registry's RWMutex so a
// management call can safely interleave with ticking.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	path    string
	loc     *time.Location
	log     logx.Logger
	resolve ResolveFunc
}

func NewRegistry(path string, loc *time.Location, log logx.Logger, resolve ResolveFunc) *Registry {
	if loc == nil {
		loc = time.Local
	}
	return &Registry{
		jobs:    map[string]*Job{},
		path:    path,
		loc:     loc,
		log:     log,
		resolve: resolve,
	}
}

// Location reports the timezone job triggers are evaluated in.
func (r *Registry) Location() *time.Location { return r.loc }

// ---- management surface ----

// Add registers a new job. Duplicate names are rejected.
func (r *Registry) Add(spec JobSpec, test bool) Envelope {
	if err := spec.Validate(r.loc); err != nil {
		return envFail(err.Error())
	}
	if r.resolve != nil {
		if err := r.resolve(spec.Function); err != nil {
			return envFail(fmt.Sprintf("Job %s: %v.", spec.Name, err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[spec.Name]; exists {
		return envFail(fmt.Sprintf("Job %s already exists in schedule.", spec.Name))
	}
	if test {
		return envWould(fmt.Sprintf("Job: %s would be added to schedule.", spec.Name))
	}

	r.jobs[spec.Name] = &Job{Spec: spec}
	r.persistLocked()

	env := envOK(fmt.Sprintf("Added job: %s to schedule.", spec.Name))
	env.Changes[spec.Name] = "added"
	return env
}

// Modify replaces an existing job's spec, preserving bookkeeping.
func (r *Registry) Modify(spec JobSpec, test bool) Envelope {
	if err := spec.Validate(r.loc); err != nil {
		return envFail(err.Error())
	}
	if r.resolve != nil {
		if err := r.resolve(spec.Function); err != nil {
			return envFail(fmt.Sprintf("Job %s: %v.", spec.Name, err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[spec.Name]
	if !exists {
		return envFail(fmt.Sprintf("Job %s does not exist in schedule.", spec.Name))
	}
	if reflect.DeepEqual(job.Spec, spec) {
		return envOK(fmt.Sprintf("Job %s in correct state.", spec.Name))
	}
	if test {
		env := envWould(fmt.Sprintf("Job: %s would be modified in schedule.", spec.Name))
		env.Changes[spec.Name] = map[string]any{"old": job.Spec, "new": spec}
		return env
	}

	old := job.Spec
	job.Spec = spec
	// Recompute the next fire from the new trigger, keep run history.
	job.BK.NextFire = time.Time{}
	job.BK.SplayedFire = time.Time{}
	r.persistLocked()

	env := envOK(fmt.Sprintf("Modified job: %s in schedule.", spec.Name))
	env.Changes[spec.Name] = map[string]any{"old": old, "new": spec}
	return env
}

func (r *Registry) Delete(name string, test bool) Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[name]; !exists {
		return envFail(fmt.Sprintf("Job %s does not exist in schedule.", name))
	}
	if test {
		return envWould(fmt.Sprintf("Job: %s would be deleted from schedule.", name))
	}

	delete(r.jobs, name)
	r.persistLocked()

	env := envOK(fmt.Sprintf("Deleted job: %s from schedule.", name))
	env.Changes[name] = "removed"
	return env
}

func (r *Registry) Enable(name string, test bool) Envelope {
	return r.setEnabled(name, true, test)
}

func (r *Registry) Disable(name string, test bool) Envelope {
	return r.setEnabled(name, false, test)
}

func (r *Registry) setEnabled(name string, enabled bool, test bool) Envelope {
	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[name]
	if !exists {
		return envFail(fmt.Sprintf("Job %s does not exist in schedule.", name))
	}
	if test {
		return envWould(fmt.Sprintf("Job: %s would be %s in schedule.", name, verb))
	}

	v := enabled
	job.Spec.Enabled = &v
	r.persistLocked()

	env := envOK(fmt.Sprintf("Job %s %s in schedule.", name, verb))
	env.Changes[name] = verb
	return env
}

// Purge deletes every job.
func (r *Registry) Purge(test bool) Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.jobs) == 0 {
		return envOK("Schedule is already empty.")
	}
	names := r.namesLocked()
	if test {
		env := envWould("Schedule would be purged.")
		for _, n := range names {
			env.Changes[n] = "removed"
		}
		return env
	}

	r.jobs = map[string]*Job{}
	r.persistLocked()

	env := envOK("Purged schedule.")
	for _, n := range names {
		env.Changes[n] = "removed"
	}
	return env
}

// RunNow forces the job to fire on the next tick, regardless of trigger.
func (r *Registry) RunNow(name string) Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[name]
	if !exists {
		return envFail(fmt.Sprintf("Job %s does not exist in schedule.", name))
	}
	job.forceRun = true

	env := envOK(fmt.Sprintf("Job: %s set to run at next tick.", name))
	env.Changes[name] = "run"
	return env
}

// JobView is a read-only listing entry.
type JobView struct {
	Spec     JobSpec   `json:"spec"`
	LastRun  time.Time `json:"last_run,omitempty"`
	RunCount int       `json:"run_count,omitempty"`
	NextFire time.Time `json:"next_fire,omitempty"`
}

// List returns all jobs sorted by name.
func (r *Registry) List() []JobView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]JobView, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, JobView{
			Spec:     job.Spec,
			LastRun:  job.BK.LastRun,
			RunCount: job.BK.RunCount,
			NextFire: job.BK.NextFire,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}

func (r *Registry) Get(name string) (JobView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[name]
	if !ok {
		return JobView{}, false
	}
	return JobView{
		Spec:     job.Spec,
		LastRun:  job.BK.LastRun,
		RunCount: job.BK.RunCount,
		NextFire: job.BK.NextFire,
	}, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// ---- bulk reload (declarative config source) ----

// ReloadResult reports the outcome of a bulk reload.
type ReloadResult struct {
	Added   []string
	Removed []string
	Updated []string
	Invalid map[string]string // name -> reject reason
}

// SourceConfig marks jobs owned by the declarative config section.
const SourceConfig = "config"

// Reload diffs the declarative source against the in-memory set.
//
// New names are added, absent config-sourced names removed, and jobs present in both get
// their spec replaced while PRESERVING bookkeeping so interval math does
// not reset. An invalid entry is rejected alone: its previous version (if
// any) stays in place.
func (r *Registry) Reload(source map[string]json.RawMessage) ReloadResult {
	res := ReloadResult{Invalid: map[string]string{}}

	parsed := make(map[string]JobSpec, len(source))
	for name, raw := range source {
		spec, err := ParseSpec(name, raw, r.loc)
		if err != nil {
			res.Invalid[name] = err.Error()
			continue
		}
		if r.resolve != nil {
			if err := r.resolve(spec.Function); err != nil {
				res.Invalid[name] = err.Error()
				continue
			}
		}
		parsed[name] = spec
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, spec := range parsed {
		if job, exists := r.jobs[name]; exists {
			job.BK.Source = SourceConfig
			if !reflect.DeepEqual(job.Spec, spec) {
				job.Spec = spec
				job.BK.NextFire = time.Time{}
				job.BK.SplayedFire = time.Time{}
				res.Updated = append(res.Updated, name)
			}
			continue
		}
		r.jobs[name] = &Job{Spec: spec, BK: Bookkeeping{Source: SourceConfig}}
		res.Added = append(res.Added, name)
	}
	for name, job := range r.jobs {
		if _, keep := parsed[name]; keep {
			continue
		}
		if _, bad := res.Invalid[name]; bad {
			// Entry still declared but currently malformed; keep the old
			// version rather than dropping a running schedule.
			continue
		}
		// Jobs added at runtime are not managed by the declarative set.
		if job.BK.Source != SourceConfig {
			continue
		}
		delete(r.jobs, name)
		res.Removed = append(res.Removed, name)
	}

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Updated)

	if len(res.Added)+len(res.Removed)+len(res.Updated) > 0 {
		r.persistLocked()
	}
	return res
}

// ---- tick-loop surface ----

// Fire is one admitted due-cycle: a snapshot of the spec at fire time.
type Fire struct {
	Spec     JobSpec
	Terminal bool
	Forced   bool
}

// Suppressed reports a job that was due but held back without consuming
// its due-cycle. Spec is a snapshot so the caller can publish the denial.
type Suppressed struct {
	Name   string
	Reason string
	Spec   JobSpec
}

// Evaluate walks all jobs, fires due ones (advancing their bookkeeping),
// and reports suppressed ones. Called once per tick by the single control
// loop; takes the write lock because trigger evaluation updates
// NextFire/SplayedFire and firing updates LastRun/RunCount.
func (r *Registry) Evaluate(ev *Evaluator, now time.Time) ([]Fire, []Suppressed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fires []Fire
	var suppressed []Suppressed
	dirty := false

	for name, job := range r.jobs {
		if !job.Spec.IsEnabled() {
			continue
		}

		if job.forceRun {
			job.forceRun = false
			ev.MarkRun(&job.Spec, &job.BK, now)
			fires = append(fires, Fire{Spec: job.Spec, Forced: true})
			dirty = true
			continue
		}

		// Eval owns NextFire/SplayedFire; those must reach disk even on
		// ticks with no fire, or a restart mid-splay re-rolls the delay.
		before := job.BK
		d := ev.Eval(&job.Spec, &job.BK, now)
		if job.BK != before {
			dirty = true
		}
		if d.SkipReason != "" {
			suppressed = append(suppressed, Suppressed{Name: name, Reason: d.SkipReason, Spec: job.Spec})
			continue
		}
		if !d.Due {
			continue
		}

		ev.MarkRun(&job.Spec, &job.BK, now)
		if d.Terminal {
			// A once-job fires at most once, then is auto-disabled.
			v := false
			job.Spec.Enabled = &v
		}
		fires = append(fires, Fire{Spec: job.Spec, Terminal: d.Terminal})
		dirty = true
	}

	if dirty {
		r.persistLocked()
	}

	sort.Slice(fires, func(i, j int) bool { return fires[i].Spec.Name < fires[j].Spec.Name })
	return fires, suppressed
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
