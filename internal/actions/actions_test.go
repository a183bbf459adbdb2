package actions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	fn := func(ctx context.Context, args []string, kwargs map[string]any) (any, error) {
		return "ok", nil
	}
	if err := r.Register("disk.snapshot", fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("disk.snapshot", fn); err == nil {
		t.Fatalf("duplicate id must be rejected")
	}
	if err := r.Register("", fn); err == nil {
		t.Fatalf("empty id must be rejected")
	}
	if err := r.Register("nil.fn", nil); err == nil {
		t.Fatalf("nil callable must be rejected")
	}

	got, err := r.Resolve("disk.snapshot")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := got(context.Background(), nil, nil)
	if err != nil || res != "ok" {
		t.Fatalf("call: res=%v err=%v", res, err)
	}

	// Ids are trimmed on lookup.
	if _, err := r.Resolve("  disk.snapshot "); err != nil {
		t.Fatalf("resolve with whitespace: %v", err)
	}

	if _, err := r.Resolve("no.such"); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("err = %v, want ErrUnknownFunction", err)
	}
	if err := r.Has("no.such"); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("Has err = %v, want ErrUnknownFunction", err)
	}
	if err := r.Has("disk.snapshot"); err != nil {
		t.Fatalf("Has: %v", err)
	}
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	nop := func(ctx context.Context, args []string, kwargs map[string]any) (any, error) { return nil, nil }
	for _, id := range []string{"c.z", "a.a", "b.m"} {
		if err := r.Register(id, nop); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	names := r.Names()
	want := []string{"a.a", "b.m", "c.z"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestBuiltins(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	ctx := context.Background()

	ping, err := r.Resolve("test.ping")
	if err != nil {
		t.Fatalf("resolve ping: %v", err)
	}
	res, err := ping(ctx, nil, nil)
	if err != nil || res != true {
		t.Fatalf("ping: res=%v err=%v", res, err)
	}

	fail, _ := r.Resolve("test.fail")
	if _, err := fail(ctx, nil, map[string]any{"message": "boom"}); err == nil || err.Error() != "boom" {
		t.Fatalf("fail: err=%v", err)
	}

	sleep, _ := r.Resolve("test.sleep")
	if _, err := sleep(ctx, nil, map[string]any{"duration": "bogus"}); err == nil {
		t.Fatalf("bad duration must error")
	}
	if _, err := sleep(ctx, nil, map[string]any{"duration": "1ms"}); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}

func TestSleepHonorsCancel(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	sleep, _ := r.Resolve("test.sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sleep(ctx, nil, map[string]any{"duration": "30s"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
}
