package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/ChamsBouzaiene/taskloop/internal/workspace"
)

const (
	defaultMemory = 1 << 30
	defaultCPUs   = 2
	pingTimeout   = 5 * time.Second
	mountPoint    = "/workspace"
)

// DockerRunner runs commands in throwaway containers with the workspace
// bind-mounted, all capabilities dropped and a read-only root filesystem.
type DockerRunner struct {
	client *client.Client
	opts   Options
}

// NewDockerRunner connects using the standard DOCKER_* environment and
// pings the daemon.
func NewDockerRunner(ctx context.Context, opts Options) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	hc := hostConfig(opts, "")
	opts.logger().Debug("docker sandbox ready",
		"memory", units.BytesSize(float64(hc.Memory)),
		"cpus", float64(hc.NanoCPUs)/1e9,
		"network", opts.Network)
	return &DockerRunner{client: cli, opts: opts}, nil
}

func (r *DockerRunner) Close() error { return r.client.Close() }

// imageFor picks the configured image or one matching the workspace.
func (r *DockerRunner) imageFor(dir string) string {
	if r.opts.Image != "" {
		return r.opts.Image
	}
	return workspace.Image(workspace.Detect(dir))
}

func hostConfig(opts Options, src string) *container.HostConfig {
	memory := opts.Memory
	if memory <= 0 {
		memory = defaultMemory
	}
	cpus := opts.CPUs
	if cpus <= 0 {
		cpus = defaultCPUs
	}
	return &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: src,
			Target: mountPoint,
		}},
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: int64(cpus * 1e9),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=100m",
		},
	}
}

// RunCmd runs name in a fresh container. The container is removed after
// its logs have been read.
func (r *DockerRunner) RunCmd(ctx context.Context, dir, name string, args []string, timeout time.Duration) (Result, error) {
	log := r.opts.logger()
	img := r.imageFor(dir)
	if err := r.ensureImage(ctx, img); err != nil {
		return Result{}, fmt.Errorf("ensure image %s: %w", img, err)
	}

	src, err := filepath.Abs(dir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve workspace: %w", err)
	}

	cfg := &container.Config{
		Image:           img,
		Cmd:             append([]string{name}, args...),
		WorkingDir:      mountPoint,
		User:            "1000:1000",
		Env:             []string{"HOME=/tmp"},
		NetworkDisabled: !r.opts.Network,
	}
	created, err := r.client.ContainerCreate(ctx, cfg, hostConfig(r.opts, src), nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := r.client.ContainerRemove(rctx, id, container.RemoveOptions{Force: true}); err != nil {
			log.Warn("remove container", "id", id, "error", err)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, r.opts.timeout(timeout))
	defer cancel()

	start := time.Now()
	if err := r.client.ContainerStart(execCtx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	res := Result{}
	statusCh, errCh := r.client.ContainerWait(execCtx, id, container.WaitConditionNotRunning)
	select {
	case <-execCtx.Done():
		kctx, kcancel := context.WithTimeout(context.Background(), pingTimeout)
		_ = r.client.ContainerKill(kctx, id, "SIGKILL")
		kcancel()
		res.Code = 1
		res.TimedOut = true
	case err := <-errCh:
		if execCtx.Err() == nil {
			return Result{}, fmt.Errorf("wait for container: %w", err)
		}
		res.Code = 1
		res.TimedOut = true
	case status := <-statusCh:
		res.Code = int(status.StatusCode)
	}
	res.Duration = time.Since(start)

	lctx, lcancel := context.WithTimeout(context.Background(), pingTimeout)
	defer lcancel()
	logs, err := r.client.ContainerLogs(lctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return res, fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()
	res.Stdout, res.Stderr, err = demux(logs)
	if err != nil {
		return res, fmt.Errorf("read container logs: %w", err)
	}
	return res, nil
}

// demux splits the multiplexed log stream of a non-TTY container.
func demux(r io.Reader) (string, string, error) {
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, r); err != nil {
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

// ensureImage pulls imageName unless it is already present.
func (r *DockerRunner) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := r.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	r.opts.logger().Info("pulling image", "image", imageName)
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
