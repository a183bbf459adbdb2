package actions

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RegisterBuiltins installs the small set of functions the agent ships
// with. Real workloads come from external module catalogs.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Func{
		"test.ping":  testPing,
		"test.sleep": testSleep,
		"test.fail":  testFail,
		"cmd.run":    cmdRun,
	}
	for id, fn := range builtins {
		if err := r.Register(id, fn); err != nil {
			return err
		}
	}
	return nil
}

func testPing(_ context.Context, _ []string, _ map[string]any) (any, error) {
	return true, nil
}

// testSleep blocks for kwargs["duration"] (Go duration string, default 1s),
// honoring cancellation.
func testSleep(ctx context.Context, _ []string, kwargs map[string]any) (any, error) {
	d := time.Second
	if raw, ok := kwargs["duration"].(string); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %w", raw, err)
		}
		d = parsed
	}
	select {
	case <-time.After(d):
		return fmt.Sprintf("slept %s", d), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testFail(_ context.Context, _ []string, kwargs map[string]any) (any, error) {
	msg := "deliberate failure"
	if m, ok := kwargs["message"].(string); ok && strings.TrimSpace(m) != "" {
		msg = m
	}
	return nil, fmt.Errorf("%s", msg)
}

// cmdRun executes args[0] with the remaining args and returns combined
// output. The invocation timeout set by the scheduler kills the process
// via ctx.
func cmdRun(ctx context.Context, args []string, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("cmd.run: command required")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	res := map[string]any{
		"output": strings.TrimSpace(string(out)),
	}
	if cmd.ProcessState != nil {
		res["exit_code"] = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return res, fmt.Errorf("cmd.run: %w", err)
	}
	return res, nil
}
