//go:build linux

package builtin

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

func controlUnit(ctx context.Context, unit, action string) (string, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	switch action {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	case "reload":
		_, err = conn.ReloadUnitContext(ctx, unit, "replace", done)
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return "", err
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
