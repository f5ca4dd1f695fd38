// Package waitcmd runs the wait step of a watcher cycle: either a shell
// command whose output is evidence of progress, or a plain sleep.
package waitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
	"unicode/utf8"
)

// DefaultWait is the sleep used when no command is given.
const DefaultWait = 10 * time.Second

// maxOutput bounds how much command output is kept (the tail is kept).
const maxOutput = 64 * 1024

// Executor runs wait commands.
type Executor struct {
	// DefaultWait is slept when the command is empty.
	DefaultWait time.Duration
	// Shell is the interpreter; commands run as Shell -lc cmd.
	Shell string
}

// New returns an Executor sleeping defaultWait for empty commands.
func New(defaultWait time.Duration) *Executor {
	if defaultWait <= 0 {
		defaultWait = DefaultWait
	}
	return &Executor{DefaultWait: defaultWait, Shell: "bash"}
}

// Run executes cmd and returns its combined stdout and stderr. A non-zero
// exit status is not an error; the output is what matters. With an empty
// cmd it sleeps for sleep (DefaultWait when sleep <= 0) and describes the
// sleep. Errors are returned only for cancellation or a command that could
// not be started.
func (e *Executor) Run(ctx context.Context, cmd string, sleep time.Duration) (string, error) {
	if cmd == "" {
		return e.sleep(ctx, sleep)
	}

	shell := e.Shell
	if shell == "" {
		shell = "bash"
	}
	c := exec.CommandContext(ctx, shell, "-lc", cmd)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	// Children of the shell may keep the output pipe open after a cancel.
	c.WaitDelay = time.Second

	err := c.Run()
	if ctx.Err() != nil {
		return tail(out.Bytes()), ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return tail(out.Bytes()), fmt.Errorf("run wait command: %w", err)
		}
	}
	return tail(out.Bytes()), nil
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) (string, error) {
	if d <= 0 {
		d = e.DefaultWait
	}
	if d <= 0 {
		d = DefaultWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.C:
	}
	return fmt.Sprintf("[sleep] %.2fs", d.Seconds()), nil
}

// tail keeps the last maxOutput bytes, starting on a rune boundary.
func tail(b []byte) string {
	if len(b) <= maxOutput {
		return string(b)
	}
	b = b[len(b)-maxOutput:]
	for i := 0; i < utf8.UTFMax && len(b) > 0 && !utf8.RuneStart(b[0]); i++ {
		b = b[1:]
	}
	return string(b)
}
