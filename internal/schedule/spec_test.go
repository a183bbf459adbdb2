package schedule

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidateVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		spec    JobSpec
		wantErr bool
	}{
		{name: "interval", spec: JobSpec{Name: "a", Function: "f", Seconds: 30}},
		{name: "summed interval", spec: JobSpec{Name: "a", Function: "f", Minutes: 1, Seconds: 30}},
		{name: "cron", spec: JobSpec{Name: "a", Function: "f", Cron: "*/5 * * * *"}},
		{name: "cron descriptor", spec: JobSpec{Name: "a", Function: "f", Cron: "@hourly"}},
		{name: "once", spec: JobSpec{Name: "a", Function: "f", Once: "2026-03-01 12:00:00"}},
		{name: "when list", spec: JobSpec{Name: "a", Function: "f", When: []string{"2026-03-01T12:00:00", "2026-03-01 06:00:00"}}},
		{name: "no name", spec: JobSpec{Function: "f", Seconds: 30}, wantErr: true},
		{name: "no function", spec: JobSpec{Name: "a", Seconds: 30}, wantErr: true},
		{name: "no trigger", spec: JobSpec{Name: "a", Function: "f"}, wantErr: true},
		{name: "two triggers", spec: JobSpec{Name: "a", Function: "f", Seconds: 30, Cron: "* * * * *"}, wantErr: true},
		{name: "negative interval", spec: JobSpec{Name: "a", Function: "f", Seconds: -5, Minutes: 1}, wantErr: true},
		{name: "bad cron", spec: JobSpec{Name: "a", Function: "f", Cron: "not a cron"}, wantErr: true},
		{name: "bad once", spec: JobSpec{Name: "a", Function: "f", Once: "tomorrow"}, wantErr: true},
		{name: "bad when entry", spec: JobSpec{Name: "a", Function: "f", When: []string{"nope"}}, wantErr: true},
		{name: "negative splay", spec: JobSpec{Name: "a", Function: "f", Seconds: 30, Splay: -1}, wantErr: true},
		{name: "bad scope", spec: JobSpec{Name: "a", Function: "f", Seconds: 30, Scope: "global"}, wantErr: true},
		{name: "bad range", spec: JobSpec{Name: "a", Function: "f", Seconds: 30, Range: &TimeRange{Start: "25:00", End: "06:00"}}, wantErr: true},
		{name: "bad timeout", spec: JobSpec{Name: "a", Function: "f", Seconds: 30, Timeout: "fast"}, wantErr: true},
		{name: "lease without resource", spec: JobSpec{Name: "a", Function: "f", Seconds: 30, Lease: &LeaseSpec{MaxConcurrent: 1}}, wantErr: true},
		{name: "lease bad concurrency", spec: JobSpec{Name: "a", Function: "f", Seconds: 30, Lease: &LeaseSpec{Resource: "r"}}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate(time.UTC)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	spec := JobSpec{Name: " beat ", Function: "f", Seconds: 30}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if spec.Name != "beat" {
		t.Fatalf("name not trimmed: %q", spec.Name)
	}
	if spec.MaxRunning != 1 {
		t.Fatalf("maxrunning default = %d, want 1", spec.MaxRunning)
	}
	if spec.Scope != ScopeLocal {
		t.Fatalf("scope default = %q", spec.Scope)
	}
}

func TestValidateSortsWhenList(t *testing.T) {
	t.Parallel()
	spec := JobSpec{Name: "a", Function: "f", When: []string{
		"2026-03-02 08:00:00",
		"2026-03-01 08:00:00",
	}}
	if err := spec.Validate(time.UTC); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(spec.When) != 2 {
		t.Fatalf("when = %v", spec.When)
	}
	first, err := time.Parse(time.RFC3339, spec.When[0])
	if err != nil {
		t.Fatalf("entry not normalized to RFC3339: %v", err)
	}
	second, _ := time.Parse(time.RFC3339, spec.When[1])
	if !first.Before(second) {
		t.Fatalf("when list not sorted: %v", spec.When)
	}
}

func TestTriggerKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		spec JobSpec
		want TriggerKind
	}{
		{JobSpec{Seconds: 5}, TriggerInterval},
		{JobSpec{Cron: "@daily"}, TriggerCron},
		{JobSpec{Once: "2026-03-01 12:00:00"}, TriggerOnce},
		{JobSpec{When: []string{"2026-03-01 12:00:00"}}, TriggerWhen},
	}
	for _, tc := range cases {
		if got := tc.spec.Trigger(); got != tc.want {
			t.Fatalf("Trigger() = %v, want %v", got, tc.want)
		}
	}
}

func TestParseSpecNameKey(t *testing.T) {
	t.Parallel()

	spec, err := ParseSpec("beat", json.RawMessage(`{"function":"f","seconds":10}`), time.UTC)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if spec.Name != "beat" {
		t.Fatalf("name = %q, want map key", spec.Name)
	}

	if _, err := ParseSpec("beat", json.RawMessage(`{"name":"other","function":"f","seconds":10}`), time.UTC); err == nil {
		t.Fatalf("disagreeing name field must be rejected")
	}
}

func TestParseTimeFormats(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	// RFC3339 carries its own offset.
	got, err := ParseTime("2026-03-01T12:00:00Z", loc)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !got.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("got %v", got)
	}

	// Bare timestamps are interpreted in the evaluator timezone.
	got, err = ParseTime("2026-03-01 12:00:00", loc)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if got.Location() != loc {
		t.Fatalf("location = %v, want %v", got.Location(), loc)
	}

	if _, err := ParseTime("half past noon", loc); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInvocationTimeout(t *testing.T) {
	t.Parallel()
	def := 30 * time.Second

	spec := JobSpec{}
	if got := spec.InvocationTimeout(def); got != def {
		t.Fatalf("default = %v", got)
	}
	spec.Timeout = "5m"
	if got := spec.InvocationTimeout(def); got != 5*time.Minute {
		t.Fatalf("got %v", got)
	}
	spec.Timeout = "garbage"
	if got := spec.InvocationTimeout(def); got != def {
		t.Fatalf("bad value must fall back, got %v", got)
	}
}

func TestTimeRangeWindow(t *testing.T) {
	t.Parallel()
	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
	}

	r := &TimeRange{Start: "09:00", End: "17:00"}
	if !r.inWindow(day(12, 0)) {
		t.Fatalf("noon should be inside 09:00-17:00")
	}
	if r.inWindow(day(8, 59)) || r.inWindow(day(17, 1)) {
		t.Fatalf("edges outside the window must not match")
	}
	if !r.inWindow(day(9, 0)) || !r.inWindow(day(17, 0)) {
		t.Fatalf("window bounds are inclusive")
	}

	// Wrapping past midnight.
	wrap := &TimeRange{Start: "22:00", End: "02:00"}
	if !wrap.inWindow(day(23, 30)) || !wrap.inWindow(day(1, 0)) {
		t.Fatalf("wrapped window must match both sides of midnight")
	}
	if wrap.inWindow(day(12, 0)) {
		t.Fatalf("noon is outside 22:00-02:00")
	}

	inv := &TimeRange{Start: "09:00", End: "17:00", Invert: true}
	if inv.inWindow(day(12, 0)) || !inv.inWindow(day(20, 0)) {
		t.Fatalf("invert must flip the match")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	got, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM: %v", err)
	}
	if got != 23*60+15 {
		t.Fatalf("got %d", got)
	}

	for _, bad := range []string{"24:00", "12:60", "noon", "12", "12:00:00"} {
		if _, err := parseHHMM(bad); err == nil {
			t.Fatalf("parseHHMM(%q): expected error", bad)
		}
	}
}
