package schedule

import (
	"math/rand"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser matches the 5-field crontab dialect plus descriptors
// ("@hourly", "@every 10m", ...).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Bookkeeping is the scheduler-owned state attached to each job.
// It is persisted next to the spec (underscore keys) so interval math
// survives a restart.
type Bookkeeping struct {
	LastRun  time.Time `json:"_last_run,omitempty" yaml:"_last_run,omitempty"`
	RunCount int       `json:"_run_count,omitempty" yaml:"_run_count,omitempty"`

	// NextFire is the next computed eligible time for interval/cron jobs.
	NextFire time.Time `json:"_next_fire_time,omitempty" yaml:"_next_fire_time,omitempty"`

	// SplayedFire is the splay-delayed fire time for the current due-cycle.
	// Chosen once when the cycle becomes due; cleared after firing. This is
	// what makes splay idempotent across ticks.
	SplayedFire time.Time `json:"_splay,omitempty" yaml:"_splay,omitempty"`

	// WhenFired counts consumed entries of a "when" trigger list.
	WhenFired int `json:"_when_fired,omitempty" yaml:"_when_fired,omitempty"`

	// Source records where the job came from: "config" for entries
	// declared in the config file, empty for jobs added at runtime.
	// Bulk reloads only manage config-sourced jobs.
	Source string `json:"_source,omitempty" yaml:"_source,omitempty"`
}

// Skip reasons surfaced in job returns.
const (
	SkipMaxRunning    = "maxrunning"
	SkipSemaphore     = "semaphore"
	SkipInSkipRange   = "in_skip_range"
	SkipOutsideRange  = "outside_range"
	SkipClockBackward = "clock_moved_backward"
	SkipDisabled      = "disabled"
)

// Decision is the outcome of one trigger evaluation.
type Decision struct {
	// Due means the job should fire now.
	Due bool

	// Next is the next eligible fire time when known (zero for exhausted
	// once/when jobs).
	Next time.Time

	// Terminal means a once-trigger fired; the registry disables the job
	// after this run.
	Terminal bool

	// SkipReason is set when the job was otherwise due but suppressed
	// (time-of-day windows, clock anomalies). Bookkeeping is NOT advanced
	// for suppressed runs, so the job fires once the condition clears.
	SkipReason string
}

// Evaluator holds the pieces of trigger math that are configuration, not
// per-job state: the timezone and the splay RNG (injectable for tests).
type Evaluator struct {
	loc  *time.Location
	rand func(n int64) int64
}

func NewEvaluator(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{loc: loc, rand: rand.Int63n}
}

func (e *Evaluator) Location() *time.Location { return e.loc }

// Eval decides whether the job is due at now.
//
// It mutates bk (NextFire, SplayedFire) to keep evaluation idempotent
// across ticks; the caller owns locking. It never advances LastRun or
// RunCount — that happens in MarkRun once a launch is actually dispatched.
func (e *Evaluator) Eval(spec *JobSpec, bk *Bookkeeping, now time.Time) Decision {
	now = now.In(e.loc)

	// Host time moved backward (e.g. time sync). Freeze rather than
	// re-firing intervals computed against the future LastRun.
	if !bk.LastRun.IsZero() && now.Before(bk.LastRun) {
		return Decision{SkipReason: SkipClockBackward, Next: bk.LastRun}
	}

	// "after" gate: never due before the given time.
	if strings.TrimSpace(spec.After) != "" {
		after, err := ParseTime(spec.After, e.loc)
		if err == nil && now.Before(after) {
			return Decision{Next: after}
		}
	}

	var d Decision
	switch spec.Trigger() {
	case TriggerInterval:
		d = e.evalInterval(spec, bk, now)
	case TriggerCron:
		d = e.evalCron(spec, bk, now)
	case TriggerOnce:
		d = e.evalOnce(spec, bk, now)
	case TriggerWhen:
		d = e.evalWhen(spec, bk, now)
	}
	if !d.Due {
		return d
	}

	// Splay: pick the delayed fire time once per due-cycle.
	if spec.Splay > 0 {
		if bk.SplayedFire.IsZero() {
			bk.SplayedFire = now.Add(time.Duration(e.rand(int64(spec.Splay)+1)) * time.Second)
		}
		if now.Before(bk.SplayedFire) {
			d.Due = false
			d.Next = bk.SplayedFire
			return d
		}
	}

	// Time-of-day windows. A suppressed run does not advance bookkeeping,
	// so the job becomes due again once the window condition clears.
	if spec.SkipDuringRange != nil && spec.SkipDuringRange.inWindow(now) {
		d.Due = false
		d.SkipReason = SkipInSkipRange
		return d
	}
	if spec.Range != nil && !spec.Range.inWindow(now) {
		d.Due = false
		d.SkipReason = SkipOutsideRange
		return d
	}

	return d
}

func (e *Evaluator) evalInterval(spec *JobSpec, bk *Bookkeeping, now time.Time) Decision {
	interval := spec.Interval()
	if bk.NextFire.IsZero() {
		if bk.LastRun.IsZero() {
			// First evaluation ever.
			if spec.DoRunOnStart() {
				bk.NextFire = now
			} else {
				bk.NextFire = now.Add(interval)
			}
		} else {
			// Restored from persistence.
			bk.NextFire = bk.LastRun.Add(interval)
		}
	}
	return Decision{Due: !now.Before(bk.NextFire), Next: bk.NextFire}
}

func (e *Evaluator) evalCron(spec *JobSpec, bk *Bookkeeping, now time.Time) Decision {
	sched, err := cronParser.Parse(strings.TrimSpace(spec.Cron))
	if err != nil {
		// Validate() rejects bad expressions; an error here means the spec
		// was mutated behind the registry's back. Fail closed.
		return Decision{}
	}
	if bk.NextFire.IsZero() {
		ref := now
		if !bk.LastRun.IsZero() {
			ref = bk.LastRun
		}
		// cron.Schedule.Next is strictly after ref, so NextFire can never
		// be <= LastRun (monotonic by construction).
		bk.NextFire = sched.Next(ref.In(e.loc))
	}
	return Decision{Due: !now.Before(bk.NextFire), Next: bk.NextFire}
}

func (e *Evaluator) evalOnce(spec *JobSpec, bk *Bookkeeping, now time.Time) Decision {
	if bk.RunCount > 0 {
		return Decision{}
	}
	target, err := ParseTime(spec.Once, e.loc)
	if err != nil {
		return Decision{}
	}
	if now.Before(target) {
		return Decision{Next: target}
	}
	return Decision{Due: true, Next: target, Terminal: true}
}

func (e *Evaluator) evalWhen(spec *JobSpec, bk *Bookkeeping, now time.Time) Decision {
	if bk.WhenFired >= len(spec.When) {
		return Decision{}
	}
	target, err := ParseTime(spec.When[bk.WhenFired], e.loc)
	if err != nil {
		return Decision{}
	}
	if now.Before(target) {
		return Decision{Next: target}
	}
	d := Decision{Due: true, Next: target}
	if bk.WhenFired == len(spec.When)-1 {
		d.Terminal = true
	}
	return d
}

// MarkRun advances bookkeeping after a launch was dispatched (admitted or
// skipped with a recorded reason — either way the due-cycle is consumed).
func (e *Evaluator) MarkRun(spec *JobSpec, bk *Bookkeeping, now time.Time) {
	now = now.In(e.loc)
	bk.LastRun = now
	bk.RunCount++
	bk.SplayedFire = time.Time{}

	switch spec.Trigger() {
	case TriggerInterval:
		bk.NextFire = now.Add(spec.Interval())
	case TriggerCron:
		if sched, err := cronParser.Parse(strings.TrimSpace(spec.Cron)); err == nil {
			bk.NextFire = sched.Next(now)
		} else {
			bk.NextFire = time.Time{}
		}
	case TriggerOnce:
		bk.NextFire = time.Time{}
	case TriggerWhen:
		bk.WhenFired++
		bk.NextFire = time.Time{}
	}
}
