package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const defaultOutputLimit = 4 << 10

// ExecOptions configures the exec task.
type ExecOptions struct {
	Enabled bool
	// Allow restricts runnable commands. Bare names are looked up on PATH,
	// and the resolved command must match one entry exactly. Empty allows
	// any.
	Allow []string
	// Dir is the default working directory.
	Dir string
	// OutputLimit caps the captured output kept for logs and errors.
	OutputLimit int
}

// ExecPayload is the payload of the exec task.
type ExecPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// NewExec returns a handler that runs the payload command and fails on a
// non-zero exit. The command is killed when the run context ends.
func NewExec(opt ExecOptions) engine.Handler {
	limit := opt.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	allow := make([]string, 0, len(opt.Allow))
	for _, a := range opt.Allow {
		if a = strings.TrimSpace(a); a != "" {
			allow = append(allow, a)
		}
	}

	return func(ctx context.Context, rc engine.RunContext) error {
		var p ExecPayload
		if err := decode(rc.Payload, &p); err != nil {
			return err
		}
		p.Command = strings.TrimSpace(p.Command)
		if p.Command == "" {
			return engine.NoRetry(errors.New("exec: command required"))
		}
		bin := p.Command
		if len(allow) > 0 {
			resolved, err := resolveCommand(p.Command)
			if err != nil {
				return engine.NoRetry(fmt.Errorf("exec: %w", err))
			}
			if !slices.ContainsFunc(allow, func(a string) bool { return allowEntryMatches(a, resolved) }) {
				return engine.NoRetry(fmt.Errorf("exec: command %q not allowed", p.Command))
			}
			bin = resolved
		}

		cmd := exec.CommandContext(ctx, bin, p.Args...)
		cmd.Dir = opt.Dir
		if p.Dir != "" {
			cmd.Dir = p.Dir
		}
		if len(p.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range p.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		out := &limitedBuffer{max: limit}
		cmd.Stdout = out
		cmd.Stderr = out

		err := cmd.Run()
		log := rc.Log.With(logx.String("command", p.Command))
		if err == nil {
			log.Debug("exec completed", logx.String("output", out.String()))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return engine.NoRetry(fmt.Errorf("exec: %w", err))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exec: exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(out.String()))
		}
		return fmt.Errorf("exec: %w", err)
	}
}

// resolveCommand returns the absolute path exec would run for name.
func resolveCommand(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

func allowEntryMatches(entry, resolved string) bool {
	if strings.ContainsRune(entry, filepath.Separator) {
		abs, err := filepath.Abs(entry)
		return err == nil && abs == resolved
	}
	path, err := resolveCommand(entry)
	return err == nil && path == resolved
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "...(truncated)"
	}
	return b.buf.String()
}
