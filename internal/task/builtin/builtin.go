// Package builtin provides the handlers taskd registers: echo (log a
// message, optionally sleep or fail), and the opt-in exec (run a command)
// and systemd (start, stop, restart or reload a unit).
package builtin

import (
	"encoding/json"
	"fmt"

	"taskd/internal/task/engine"
)

const (
	EchoTask = "echo"
	ExecTask = "exec"
)

// Options configures the built-in handlers.
type Options struct {
	Exec    ExecOptions
	Systemd SystemdOptions
}

// Register adds the built-in handlers to reg. The exec and systemd handlers
// are only registered when enabled.
func Register(reg *engine.Registry, opt Options) error {
	if err := reg.Register(EchoTask, Echo); err != nil {
		return err
	}
	if opt.Exec.Enabled {
		if err := reg.Register(ExecTask, NewExec(opt.Exec)); err != nil {
			return err
		}
	}
	if opt.Systemd.Enabled {
		return reg.Register(SystemdTask, NewSystemd(opt.Systemd))
	}
	return nil
}

// decode unmarshals a handler payload. An empty payload leaves v untouched.
// Malformed payloads will not get better on retry.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return engine.NoRetry(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}
