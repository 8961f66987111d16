package builtin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const SystemdTask = "systemd"

var errSystemdUnsupported = errors.New("systemd: only supported on linux")

// SystemdOptions configures the systemd unit task.
type SystemdOptions struct {
	Enabled bool
	// Allow lists the units that may be controlled. Names without a suffix
	// mean ".service". Empty allows any unit.
	Allow []string
}

// SystemdPayload is the payload of the systemd task.
type SystemdPayload struct {
	Unit   string `json:"unit"`
	Action string `json:"action"` // start, stop, restart, reload
}

var systemdActions = []string{"start", "stop", "restart", "reload"}

// unitControl runs one unit job and waits for its result. Tests replace it.
var unitControl = controlUnit

// NewSystemd returns a handler that runs a unit job through the systemd
// D-Bus API and fails unless the job finishes as "done".
func NewSystemd(opt SystemdOptions) engine.Handler {
	allow := make([]string, 0, len(opt.Allow))
	for _, u := range opt.Allow {
		if u = normalizeUnit(u); u != "" {
			allow = append(allow, u)
		}
	}

	return func(ctx context.Context, rc engine.RunContext) error {
		var p SystemdPayload
		if err := decode(rc.Payload, &p); err != nil {
			return err
		}
		unit := normalizeUnit(p.Unit)
		action := strings.ToLower(strings.TrimSpace(p.Action))
		if unit == "" {
			return engine.NoRetry(errors.New("systemd: unit required"))
		}
		if !slices.Contains(systemdActions, action) {
			return engine.NoRetry(fmt.Errorf("systemd: unknown action %q (want %s)", p.Action, strings.Join(systemdActions, ", ")))
		}
		if len(allow) > 0 && !slices.Contains(allow, unit) {
			return engine.NoRetry(fmt.Errorf("systemd: unit %q not allowed", unit))
		}

		log := rc.Log.With(logx.String("unit", unit), logx.String("action", action))
		result, err := unitControl(ctx, unit, action)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errSystemdUnsupported) || isNoSuchUnitErr(err) {
				return engine.NoRetry(err)
			}
			return fmt.Errorf("systemd: %s %s: %w", action, unit, err)
		}
		if result != "done" {
			return fmt.Errorf("systemd: %s %s: job %s", action, unit, result)
		}
		log.Info("systemd job done")
		return nil
	}
}

// normalizeUnit trims the name and adds ".service" when no unit type is given.
func normalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(err.Error(), "NoSuchUnit")
}
