//go:build windows

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// HostRunner runs commands directly on the host machine without isolation.
type HostRunner struct {
	opts Options
}

func NewHostRunner(opts Options) *HostRunner {
	return &HostRunner{opts: opts}
}

func (r *HostRunner) RunCmd(ctx context.Context, dir, name string, args []string, timeout time.Duration) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout(timeout))
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: cctx.Err() != nil,
	}
	if err != nil {
		res.Code = 1
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if res.TimedOut {
				return res, nil
			}
			return res, err
		}
		if code := exitErr.ExitCode(); code > 0 {
			res.Code = code
		}
	}
	return res, nil
}
