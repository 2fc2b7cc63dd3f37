package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/DEEJ4Y/warden/internal/config"
	"github.com/rs/zerolog"
)

const (
	maxOutputTail = 512
	// waitDelay bounds how long output pipes may outlive a killed command.
	waitDelay = 2 * time.Second
)

// execHandler runs the process command with the job payload on stdin.
// A non-zero exit or a timeout fails the run.
func execHandler(p config.ProcessConfig, log zerolog.Logger) warden.Handler {
	timeout := p.TimeoutDuration()
	log = log.With().Str("process", p.Name).Logger()

	return func(ctx context.Context, payload []byte) error {
		if len(p.Command) == 0 {
			return fmt.Errorf("process %s has no command", p.Name)
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.WaitDelay = waitDelay
		cmd.Env = append(os.Environ(), "WARDEN_PROCESS="+p.Name)
		cmd.Env = append(cmd.Env, p.Env...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("command timed out after %s", timeout)
		}
		if err != nil {
			return fmt.Errorf("command failed: %w: %s", err, tail(out.String()))
		}
		log.Debug().Int("output_bytes", out.Len()).Msg("command finished")
		return nil
	}
}

// tail returns the last maxOutputTail bytes of s, trimmed.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	return s
}
