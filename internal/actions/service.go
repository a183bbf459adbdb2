package actions

import (
	"context"
	"fmt"

	"fleetd/pkg/systemd"
)

// RegisterService installs the systemd unit management functions.
// Split from the core builtins so hosts without systemd can skip them.
func RegisterService(r *Registry) error {
	fns := map[string]Func{
		"service.status":  serviceStatus,
		"service.start":   serviceStart,
		"service.stop":    serviceStop,
		"service.restart": serviceRestart,
		"service.enable":  serviceEnable,
		"service.disable": serviceDisable,
	}
	for id, fn := range fns {
		if err := r.Register(id, fn); err != nil {
			return err
		}
	}
	return nil
}

func unitArg(args []string) (string, error) {
	if len(args) == 0 || args[0] == "" {
		return "", fmt.Errorf("unit name required")
	}
	return args[0], nil
}

func serviceStatus(ctx context.Context, args []string, _ map[string]any) (any, error) {
	unit, err := unitArg(args)
	if err != nil {
		return nil, err
	}
	active, err := systemd.IsActive(ctx, unit)
	if err != nil {
		return nil, err
	}
	enabled, _ := systemd.IsEnabled(ctx, unit)
	failed, _ := systemd.IsFailed(ctx, unit)
	return map[string]any{"unit": unit, "active": active, "enabled": enabled, "failed": failed}, nil
}

func serviceStart(ctx context.Context, args []string, _ map[string]any) (any, error) {
	unit, err := unitArg(args)
	if err != nil {
		return nil, err
	}
	if err := systemd.Start(ctx, unit); err != nil {
		return nil, fmt.Errorf("start %s: %w", unit, err)
	}
	return map[string]any{"unit": unit, "started": true}, nil
}

func serviceStop(ctx context.Context, args []string, _ map[string]any) (any, error) {
	unit, err := unitArg(args)
	if err != nil {
		return nil, err
	}
	if err := systemd.Stop(ctx, unit); err != nil {
		return nil, fmt.Errorf("stop %s: %w", unit, err)
	}
	return map[string]any{"unit": unit, "stopped": true}, nil
}

func serviceRestart(ctx context.Context, args []string, _ map[string]any) (any, error) {
	unit, err := unitArg(args)
	if err != nil {
		return nil, err
	}
	if err := systemd.Restart(ctx, unit); err != nil {
		return nil, fmt.Errorf("restart %s: %w", unit, err)
	}
	return map[string]any{"unit": unit, "restarted": true}, nil
}

func serviceEnable(ctx context.Context, args []string, _ map[string]any) (any, error) {
	unit, err := unitArg(args)
	if err != nil {
		return nil, err
	}
	if err := systemd.Enable(ctx, unit); err != nil {
		return nil, fmt.Errorf("enable %s: %w", unit, err)
	}
	return map[string]any{"unit": unit, "enabled": true}, nil
}

func serviceDisable(ctx context.Context, args []string, _ map[string]any) (any, error) {
	unit, err := unitArg(args)
	if err != nil {
		return nil, err
	}
	if err := systemd.Disable(ctx, unit); err != nil {
		return nil, fmt.Errorf("disable %s: %w", unit, err)
	}
	return map[string]any{"unit": unit, "disabled": true}, nil
}
