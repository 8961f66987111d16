package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

// EchoPayload is the payload of the echo task. A bare JSON string is
// accepted as the message.
type EchoPayload struct {
	Message string `json:"message"`
	// Sleep is a Go duration string; completion is delayed by it.
	Sleep string `json:"sleep,omitempty"`
	// Fail makes the run fail with this reason.
	Fail string `json:"fail,omitempty"`
}

func parseEcho(raw []byte) (EchoPayload, error) {
	var p EchoPayload
	var msg string
	if err := decode(raw, &msg); err == nil {
		p.Message = msg
		return p, nil
	}
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

// Echo logs its payload message at info level.
func Echo(ctx context.Context, rc engine.RunContext) error {
	p, err := parseEcho(rc.Payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.Message) == "" {
		p.Message = "(empty)"
	}

	if s := strings.TrimSpace(p.Sleep); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return engine.NoRetry(fmt.Errorf("sleep: invalid duration %q", p.Sleep))
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	rc.Log.Info("echo",
		logx.String("message", p.Message),
		logx.String("schedule", rc.ScheduleID),
		logx.Int("attempt", rc.Attempt))
	if p.Fail != "" {
		return errors.New(p.Fail)
	}
	return nil
}
