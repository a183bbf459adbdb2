package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrBadSpec = errors.New("invalid job spec")

// JobSpec is one named recurring (or one-shot) job.
//
// Exactly one trigger kind must be set:
//   - interval: seconds/minutes/hours/days (summed)
//   - cron: crontab expression (robfig/cron, 5-field + descriptors)
//   - once: a single absolute timestamp
//   - when: a list of absolute timestamps, each firing once
//
// "after" is an additional gate usable with any trigger: the job is never
// due before that time.
//
// Timestamps accept RFC3339 or "2006-01-02 15:04:05" (evaluator timezone).
type JobSpec struct {
	Name     string         `json:"name" yaml:"name"`
	Function string         `json:"function" yaml:"function"`
	Args     []string       `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`

	Seconds int    `json:"seconds,omitempty" yaml:"seconds,omitempty"`
	Minutes int    `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Hours   int    `json:"hours,omitempty" yaml:"hours,omitempty"`
	Days    int    `json:"days,omitempty" yaml:"days,omitempty"`
	Cron    string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Once    string `json:"once,omitempty" yaml:"once,omitempty"`
	When    []string `json:"when,omitempty" yaml:"when,omitempty"`
	After   string   `json:"after,omitempty" yaml:"after,omitempty"`

	// Splay delays each due fire by a uniform random offset in [0, splay] seconds.
	Splay int `json:"splay,omitempty" yaml:"splay,omitempty"`

	// Range restricts runs to a daily time-of-day window;
	// SkipDuringRange suppresses runs inside one (without advancing _last_run).
	Range           *TimeRange `json:"range,omitempty" yaml:"range,omitempty"`
	SkipDuringRange *TimeRange `json:"skip_during_range,omitempty" yaml:"skip_during_range,omitempty"`

	// MaxRunning caps simultaneous instances of this job (default 1).
	// Scope selects where instances are counted: "local" (default) or "cluster".
	MaxRunning int    `json:"maxrunning,omitempty" yaml:"maxrunning,omitempty"`
	Scope      string `json:"scope,omitempty" yaml:"scope,omitempty"`

	JidInclude *bool `json:"jid_include,omitempty" yaml:"jid_include,omitempty"`
	RunOnStart *bool `json:"run_on_start,omitempty" yaml:"run_on_start,omitempty"`
	Enabled    *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ReturnJob  *bool `json:"return_job,omitempty" yaml:"return_job,omitempty"`

	// Timeout bounds one invocation of the job function (Go duration string).
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Lease requires a cluster-wide semaphore slot before the job may run.
	Lease *LeaseSpec `json:"lease,omitempty" yaml:"lease,omitempty"`
}

// LeaseSpec configures the optional cluster-wide concurrency slot.
type LeaseSpec struct {
	Resource      string `json:"resource" yaml:"resource"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	Blocking      bool   `json:"blocking,omitempty" yaml:"blocking,omitempty"`
	Timeout       string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // default "30s" when blocking
}

// TimeRange is a daily time-of-day window. Start/End are "HH:MM".
// A window with Start > End wraps past midnight.
// Invert flips the match.
type TimeRange struct {
	Start  string `json:"start" yaml:"start"`
	End    string `json:"end" yaml:"end"`
	Invert bool   `json:"invert,omitempty" yaml:"invert,omitempty"`
}

const (
	ScopeLocal   = "local"
	ScopeCluster = "cluster"
)

func (j *JobSpec) IsEnabled() bool    { return j.Enabled == nil || *j.Enabled }
func (j *JobSpec) DoRunOnStart() bool { return j.RunOnStart == nil || *j.RunOnStart }
func (j *JobSpec) DoJidInclude() bool { return j.JidInclude == nil || *j.JidInclude }
func (j *JobSpec) DoReturnJob() bool  { return j.ReturnJob == nil || *j.ReturnJob }

// Interval returns the summed fixed interval, or 0 for non-interval jobs.
func (j *JobSpec) Interval() time.Duration {
	return time.Duration(j.Seconds)*time.Second +
		time.Duration(j.Minutes)*time.Minute +
		time.Duration(j.Hours)*time.Hour +
		time.Duration(j.Days)*24*time.Hour
}

// TriggerKind is the normalized trigger of a validated spec.
type TriggerKind int

const (
	TriggerInterval TriggerKind = iota
	TriggerCron
	TriggerOnce
	TriggerWhen
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerInterval:
		return "interval"
	case TriggerCron:
		return "cron"
	case TriggerOnce:
		return "once"
	case TriggerWhen:
		return "when"
	}
	return "unknown"
}

// Trigger reports the spec's trigger kind. Only meaningful after Validate.
func (j *JobSpec) Trigger() TriggerKind {
	switch {
	case strings.TrimSpace(j.Cron) != "":
		return TriggerCron
	case strings.TrimSpace(j.Once) != "":
		return TriggerOnce
	case len(j.When) > 0:
		return TriggerWhen
	default:
		return TriggerInterval
	}
}

// Validate normalizes defaults and rejects malformed specs.
// It is called at add/modify/reload time; a spec that fails here is never
// partially applied.
func (j *JobSpec) Validate(loc *time.Location) error {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return fmt.Errorf("%w: job name is required", ErrBadSpec)
	}
	if strings.TrimSpace(j.Function) == "" {
		return fmt.Errorf("%w: job %s: function is required", ErrBadSpec, j.Name)
	}

	kinds := 0
	if j.Interval() > 0 {
		kinds++
	}
	if j.Seconds < 0 || j.Minutes < 0 || j.Hours < 0 || j.Days < 0 {
		return fmt.Errorf("%w: job %s: negative interval", ErrBadSpec, j.Name)
	}
	if strings.TrimSpace(j.Cron) != "" {
		kinds++
	}
	if strings.TrimSpace(j.Once) != "" {
		kinds++
	}
	if len(j.When) > 0 {
		kinds++
	}
	if kinds == 0 {
		return fmt.Errorf("%w: job %s: a trigger is required (seconds/minutes/hours/days, cron, once, or when)", ErrBadSpec, j.Name)
	}
	if kinds > 1 {
		return fmt.Errorf("%w: job %s: trigger options are mutually exclusive", ErrBadSpec, j.Name)
	}

	if strings.TrimSpace(j.Cron) != "" {
		if _, err := cronParser.Parse(strings.TrimSpace(j.Cron)); err != nil {
			return fmt.Errorf("%w: job %s: bad cron expression: %v", ErrBadSpec, j.Name, err)
		}
	}
	if strings.TrimSpace(j.Once) != "" {
		if _, err := ParseTime(j.Once, loc); err != nil {
			return fmt.Errorf("%w: job %s: bad once timestamp: %v", ErrBadSpec, j.Name, err)
		}
	}
	if len(j.When) > 0 {
		ts := make([]time.Time, 0, len(j.When))
		for _, w := range j.When {
			t, err := ParseTime(w, loc)
			if err != nil {
				return fmt.Errorf("%w: job %s: bad when timestamp %q: %v", ErrBadSpec, j.Name, w, err)
			}
			ts = append(ts, t)
		}
		// Keep when-lists sorted so firing order is deterministic.
		sort.Slice(ts, func(a, b int) bool { return ts[a].Before(ts[b]) })
		ws := make([]string, len(ts))
		for i, t := range ts {
			ws[i] = t.Format(time.RFC3339)
		}
		j.When = ws
	}
	if strings.TrimSpace(j.After) != "" {
		if _, err := ParseTime(j.After, loc); err != nil {
			return fmt.Errorf("%w: job %s: bad after timestamp: %v", ErrBadSpec, j.Name, err)
		}
	}

	if j.Splay < 0 {
		return fmt.Errorf("%w: job %s: splay must be >= 0", ErrBadSpec, j.Name)
	}
	if j.MaxRunning == 0 {
		j.MaxRunning = 1
	}
	if j.MaxRunning < 1 {
		return fmt.Errorf("%w: job %s: maxrunning must be >= 1", ErrBadSpec, j.Name)
	}

	switch strings.TrimSpace(j.Scope) {
	case "":
		j.Scope = ScopeLocal
	case ScopeLocal, ScopeCluster:
		j.Scope = strings.TrimSpace(j.Scope)
	default:
		return fmt.Errorf("%w: job %s: scope must be %q or %q", ErrBadSpec, j.Name, ScopeLocal, ScopeCluster)
	}

	for _, r := range []*TimeRange{j.Range, j.SkipDuringRange} {
		if r == nil {
			continue
		}
		if _, err := parseHHMM(r.Start); err != nil {
			return fmt.Errorf("%w: job %s: bad range start: %v", ErrBadSpec, j.Name, err)
		}
		if _, err := parseHHMM(r.End); err != nil {
			return fmt.Errorf("%w: job %s: bad range end: %v", ErrBadSpec, j.Name, err)
		}
	}

	if strings.TrimSpace(j.Timeout) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(j.Timeout))
		if err != nil || d < 0 {
			return fmt.Errorf("%w: job %s: bad timeout %q", ErrBadSpec, j.Name, j.Timeout)
		}
	}

	if j.Lease != nil {
		if strings.TrimSpace(j.Lease.Resource) == "" {
			return fmt.Errorf("%w: job %s: lease resource is required", ErrBadSpec, j.Name)
		}
		if j.Lease.MaxConcurrent < 1 {
			return fmt.Errorf("%w: job %s: lease max_concurrent must be >= 1", ErrBadSpec, j.Name)
		}
		if strings.TrimSpace(j.Lease.Timeout) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(j.Lease.Timeout))
			if err != nil || d < 0 {
				return fmt.Errorf("%w: job %s: bad lease timeout %q", ErrBadSpec, j.Name, j.Lease.Timeout)
			}
		}
	}

	return nil
}

// ParseSpec decodes and validates one raw job document.
// The name inside the document is optional; the map key wins.
func ParseSpec(name string, raw json.RawMessage, loc *time.Location) (JobSpec, error) {
	var spec JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return JobSpec{}, fmt.Errorf("%w: job %s: %v", ErrBadSpec, name, err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = name
	} else if strings.TrimSpace(spec.Name) != strings.TrimSpace(name) {
		return JobSpec{}, fmt.Errorf("%w: job %s: name field %q disagrees with map key", ErrBadSpec, name, spec.Name)
	}
	if err := spec.Validate(loc); err != nil {
		return JobSpec{}, err
	}
	return spec, nil
}

// InvocationTimeout returns the per-job timeout, falling back to def.
func (j *JobSpec) InvocationTimeout(def time.Duration) time.Duration {
	s := strings.TrimSpace(j.Timeout)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParseTime parses an absolute trigger timestamp.
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp required")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// parseHHMM parses "HH:MM" into minutes after midnight.
func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// inWindow reports whether now's time-of-day falls inside the range.
func (r *TimeRange) inWindow(now time.Time) bool {
	if r == nil {
		return false
	}
	start, err1 := parseHHMM(r.Start)
	end, err2 := parseHHMM(r.End)
	if err1 != nil || err2 != nil {
		return false
	}
	mod := now.Hour()*60 + now.Minute()
	var in bool
	if start <= end {
		in = mod >= start && mod <= end
	} else {
		// wraps midnight
		in = mod >= start || mod <= end
	}
	if r.Invert {
		return !in
	}
	return in
}
