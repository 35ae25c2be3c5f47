//go:build !windows

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// HostRunner runs commands directly on the host machine without isolation.
type HostRunner struct {
	opts Options
}

func NewHostRunner(opts Options) *HostRunner {
	return &HostRunner{opts: opts}
}

// RunCmd runs name in dir. On timeout or cancellation the whole process
// group is killed so that children spawned by shells and test runners die
// with it.
func (r *HostRunner) RunCmd(ctx context.Context, dir, name string, args []string, timeout time.Duration) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout(timeout))
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-cctx.Done():
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: cctx.Err() != nil,
	}
	if waitErr != nil {
		res.Code = 1
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, waitErr
		}
		if code := exitErr.ExitCode(); code > 0 {
			res.Code = code
		}
	}
	return res, nil
}
