package schedule

import (
	"testing"
	"time"
)

func testEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	return NewEvaluator(time.UTC)
}

func intervalSpec(t *testing.T, name string, seconds int) JobSpec {
	t.Helper()
	spec := JobSpec{Name: name, Function: "test.ping", Seconds: seconds}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return spec
}

func TestEvalIntervalFirstRun(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 10)
	var bk Bookkeeping

	d := ev.Eval(&spec, &bk, now)
	if !d.Due {
		t.Fatalf("run_on_start job should be due at first eval")
	}

	off := false
	spec.RunOnStart = &off
	bk = Bookkeeping{}
	d = ev.Eval(&spec, &bk, now)
	if d.Due {
		t.Fatalf("run_on_start=false job must wait out the first interval")
	}
	if want := now.Add(10 * time.Second); !d.Next.Equal(want) {
		t.Fatalf("next = %v, want %v", d.Next, want)
	}
}

func TestEvalIntervalCadence(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 10)
	var bk Bookkeeping

	if d := ev.Eval(&spec, &bk, now); !d.Due {
		t.Fatalf("expected due at t0")
	}
	ev.MarkRun(&spec, &bk, now)

	if d := ev.Eval(&spec, &bk, now.Add(5*time.Second)); d.Due {
		t.Fatalf("due again after half the interval")
	}
	if d := ev.Eval(&spec, &bk, now.Add(10*time.Second)); !d.Due {
		t.Fatalf("not due after a full interval")
	}
}

func TestEvalIntervalRestoredFromPersistence(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 60)
	bk := Bookkeeping{LastRun: now.Add(-45 * time.Second), RunCount: 3}

	d := ev.Eval(&spec, &bk, now)
	if d.Due {
		t.Fatalf("restored job fired early; next should honor the persisted last run")
	}
	if want := bk.LastRun.Add(60 * time.Second); !d.Next.Equal(want) {
		t.Fatalf("next = %v, want %v", d.Next, want)
	}
}

func TestEvalClockMovedBackward(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 10)
	bk := Bookkeeping{LastRun: now.Add(30 * time.Second)}

	d := ev.Eval(&spec, &bk, now)
	if d.Due {
		t.Fatalf("job fired while host time is behind its last run")
	}
	if d.SkipReason != SkipClockBackward {
		t.Fatalf("skip reason = %q, want %q", d.SkipReason, SkipClockBackward)
	}
}

func TestEvalSplayIdempotent(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	ev.rand = func(int64) int64 { return 7 }
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 10)
	spec.Splay = 30
	var bk Bookkeeping

	d := ev.Eval(&spec, &bk, now)
	if d.Due {
		t.Fatalf("splayed job fired before its delay elapsed")
	}
	want := now.Add(7 * time.Second)
	if !bk.SplayedFire.Equal(want) {
		t.Fatalf("splayed fire = %v, want %v", bk.SplayedFire, want)
	}

	// Subsequent ticks must keep the same splayed time, not re-roll.
	ev.rand = func(int64) int64 { t.Fatalf("splay re-rolled within a due-cycle"); return 0 }
	d = ev.Eval(&spec, &bk, now.Add(3*time.Second))
	if d.Due {
		t.Fatalf("fired before the splayed time")
	}
	d = ev.Eval(&spec, &bk, now.Add(7*time.Second))
	if !d.Due {
		t.Fatalf("not due at the splayed time")
	}

	ev.MarkRun(&spec, &bk, now.Add(7*time.Second))
	if !bk.SplayedFire.IsZero() {
		t.Fatalf("splayed fire not cleared after run")
	}
}

func TestEvalSplayBounds(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	var sawN int64
	ev.rand = func(n int64) int64 { sawN = n; return 0 }
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 10)
	spec.Splay = 5
	var bk Bookkeeping

	if d := ev.Eval(&spec, &bk, now); !d.Due {
		t.Fatalf("zero splay delay should fire immediately")
	}
	// rand is over [0, splay] inclusive.
	if sawN != 6 {
		t.Fatalf("rand bound = %d, want 6", sawN)
	}
}

func TestEvalSkipRangeDoesNotAdvance(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	// 12:30 is inside the skip window.
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 10)
	spec.SkipDuringRange = &TimeRange{Start: "12:00", End: "13:00"}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var bk Bookkeeping

	d := ev.Eval(&spec, &bk, now)
	if d.Due {
		t.Fatalf("fired inside skip window")
	}
	if d.SkipReason != SkipInSkipRange {
		t.Fatalf("skip reason = %q, want %q", d.SkipReason, SkipInSkipRange)
	}
	if !bk.LastRun.IsZero() || bk.RunCount != 0 {
		t.Fatalf("suppressed run advanced bookkeeping: %+v", bk)
	}

	// Once the window clears the pending cycle fires.
	later := time.Date(2026, 3, 1, 13, 1, 0, 0, time.UTC)
	if d := ev.Eval(&spec, &bk, later); !d.Due {
		t.Fatalf("not due after skip window cleared")
	}
}

func TestEvalRangeWindow(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)

	spec := intervalSpec(t, "beat", 10)
	spec.Range = &TimeRange{Start: "09:00", End: "17:00"}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var bk Bookkeeping

	night := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	d := ev.Eval(&spec, &bk, night)
	if d.Due {
		t.Fatalf("fired outside allowed range")
	}
	if d.SkipReason != SkipOutsideRange {
		t.Fatalf("skip reason = %q, want %q", d.SkipReason, SkipOutsideRange)
	}

	bk = Bookkeeping{}
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if d := ev.Eval(&spec, &bk, day); !d.Due {
		t.Fatalf("not due inside allowed range")
	}
}

func TestEvalOnce(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	target := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := JobSpec{Name: "oneshot", Function: "test.ping", Once: "2026-03-01T12:00:00"}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var bk Bookkeeping

	if d := ev.Eval(&spec, &bk, target.Add(-time.Minute)); d.Due {
		t.Fatalf("once job fired early")
	}
	d := ev.Eval(&spec, &bk, target)
	if !d.Due || !d.Terminal {
		t.Fatalf("due=%v terminal=%v, want both true", d.Due, d.Terminal)
	}
	ev.MarkRun(&spec, &bk, target)

	if d := ev.Eval(&spec, &bk, target.Add(time.Hour)); d.Due {
		t.Fatalf("once job fired twice")
	}
}

func TestEvalWhenList(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)

	spec := JobSpec{Name: "window", Function: "test.ping", When: []string{
		"2026-03-01T12:00:00",
		"2026-03-01T14:00:00",
	}}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var bk Bookkeeping

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := ev.Eval(&spec, &bk, first)
	if !d.Due || d.Terminal {
		t.Fatalf("first when entry: due=%v terminal=%v", d.Due, d.Terminal)
	}
	ev.MarkRun(&spec, &bk, first)

	// Not due again between entries.
	if d := ev.Eval(&spec, &bk, first.Add(time.Hour)); d.Due {
		t.Fatalf("due between when entries")
	}

	second := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	d = ev.Eval(&spec, &bk, second)
	if !d.Due || !d.Terminal {
		t.Fatalf("last when entry: due=%v terminal=%v", d.Due, d.Terminal)
	}
	ev.MarkRun(&spec, &bk, second)

	if d := ev.Eval(&spec, &bk, second.Add(time.Hour)); d.Due {
		t.Fatalf("exhausted when list fired again")
	}
}

func TestEvalAfterGate(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	spec := intervalSpec(t, "beat", 10)
	spec.After = "2026-03-01T13:00:00"
	var bk Bookkeeping

	if d := ev.Eval(&spec, &bk, now); d.Due {
		t.Fatalf("fired before the after gate")
	}
	if d := ev.Eval(&spec, &bk, now.Add(2*time.Hour)); !d.Due {
		t.Fatalf("not due once the after gate passed")
	}
}

func TestEvalCron(t *testing.T) {
	t.Parallel()
	ev := testEvaluator(t)

	spec := JobSpec{Name: "hourly", Function: "test.ping", Cron: "0 * * * *"}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var bk Bookkeeping

	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	d := ev.Eval(&spec, &bk, now)
	if d.Due {
		t.Fatalf("cron fired off the hour")
	}
	if want := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC); !d.Next.Equal(want) {
		t.Fatalf("next = %v, want %v", d.Next, want)
	}

	onHour := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if d := ev.Eval(&spec, &bk, onHour); !d.Due {
		t.Fatalf("cron not due on the hour")
	}
	ev.MarkRun(&spec, &bk, onHour)
	if want := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC); !bk.NextFire.Equal(want) {
		t.Fatalf("next after run = %v, want %v", bk.NextFire, want)
	}
}
