// Package sandbox runs workspace commands on the host or in a container.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultCmdTimeout = 2 * time.Minute

// Result captures output of a command.
type Result struct {
	Stdout   string
	Stderr   string
	Code     int
	TimedOut bool
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
}

// Runner runs one command inside a workspace directory. A non-zero exit
// or a timeout is reported in the Result; the error is reserved for
// commands that could not be run at all.
type Runner interface {
	RunCmd(ctx context.Context, dir, name string, args []string, timeout time.Duration) (Result, error)
}

// Mode represents the sandbox execution mode.
type Mode string

const (
	// ModeDocker uses Docker containers for isolation.
	ModeDocker Mode = "docker"
	// ModeHost runs commands directly on the host (no isolation).
	ModeHost Mode = "host"
	// ModeAuto uses Docker when a daemon answers, otherwise the host.
	ModeAuto Mode = "auto"
)

// ParseMode accepts docker, host or auto; empty means host.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHost, nil
	case ModeDocker, ModeHost, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sandbox mode %q", s)
	}
}

// Options configures a Runner.
type Options struct {
	Mode Mode
	// Image overrides the per-project container image.
	Image string
	// Memory is the container memory limit in bytes; zero means 1GiB.
	Memory  int64
	CPUs    float64
	Network bool
	// Timeout applies when RunCmd is given none.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (o Options) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultCmdTimeout
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// New returns the runner for opts.Mode. Docker mode fails when no daemon
// is reachable; auto mode falls back to the host.
func New(ctx context.Context, opts Options) (Runner, error) {
	log := opts.logger()
	switch opts.Mode {
	case ModeDocker:
		return NewDockerRunner(ctx, opts)
	case ModeAuto:
		r, err := NewDockerRunner(ctx, opts)
		if err == nil {
			return r, nil
		}
		log.Warn("docker unavailable, running commands on the host", "error", err)
		return NewHostRunner(opts), nil
	case ModeHost, "":
		log.Debug("running commands on the host without isolation")
		return NewHostRunner(opts), nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", opts.Mode)
	}
}
