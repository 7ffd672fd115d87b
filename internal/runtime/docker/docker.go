// Package docker implements the local runtime on top of the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

const labelPrefix = "werkstatt."

type Options struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// StorageQuota passes the disk limit as a storage-opt. Only some storage
	// drivers (overlay2 on xfs with pquota) accept it.
	StorageQuota bool
}

// Runtime is the local single-host backend.
type Runtime struct {
	docker *client.Client
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Runtime, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runtime{docker: cli, opts: opts, logger: logger}, nil
}

func (r *Runtime) Mode() runtime.Mode { return runtime.ModeLocal }

func (r *Runtime) Close() error {
	return r.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.docker.Ping(ctx)
	return err
}

func (r *Runtime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	cfg, hostCfg := buildContainerConfig(spec, r.opts)

	resp, err := r.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(spec.OwnerID))
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning", "owner_id", spec.OwnerID, "warning", w)
	}
	r.logger.Debug("container created", "owner_id", spec.OwnerID, "container_id", resp.ID,
		"memory", units.BytesSize(float64(hostCfg.Memory)))
	return resp.ID, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string, force bool) error {
	err := r.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (r *Runtime) Info(ctx context.Context, id string) (*runtime.Info, error) {
	resp, err := r.docker.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &runtime.Info{ID: id, State: runtime.StateMissing}, nil
		}
		return nil, fmt.Errorf("container inspect: %w", err)
	}

	info := &runtime.Info{ID: id, State: runtime.StateError}
	if resp.Config != nil {
		info.Image = resp.Config.Image
	}
	info.CreatedAt = parseDockerTime(resp.Created)
	if resp.State != nil {
		info.State = mapState(string(resp.State.Status))
		info.StartedAt = parseDockerTime(resp.State.StartedAt)
		info.FinishedAt = parseDockerTime(resp.State.FinishedAt)
		info.Error = resp.State.Error
	}
	if resp.NetworkSettings != nil {
		names := make([]string, 0, len(resp.NetworkSettings.Networks))
		for name := range resp.NetworkSettings.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ep := resp.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
				info.IPAddress = ep.IPAddress
				break
			}
		}
	}
	return info, nil
}

func (r *Runtime) Exec(ctx context.Context, id string, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()

	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.WorkDir,
		User:         opts.User,
		Env:          envList(opts.Env),
	}
	execResp, err := r.docker.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := r.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	// The hijacked connection ignores ctx, so read in the background and
	// close the connection when the deadline passes.
	type demuxed struct {
		stdout, stderr []byte
		err            error
	}
	done := make(chan demuxed, 1)
	go func() {
		stdout, stderr, err := demux(attachResp.Reader)
		done <- demuxed{stdout, stderr, err}
	}()

	var out demuxed
	select {
	case out = <-done:
	case <-ctx.Done():
		attachResp.Close()
		return nil, fmt.Errorf("exec: %w", ctx.Err())
	}
	if out.err != nil {
		return nil, fmt.Errorf("exec read: %w", out.err)
	}

	inspect, err := r.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &runtime.ExecResult{
		ExitCode:   inspect.ExitCode,
		Stdout:     string(out.stdout),
		Stderr:     string(out.stderr),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: false}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := r.docker.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	stdout, stderr, err := demux(rc)
	if err != nil {
		return "", fmt.Errorf("container logs read: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(stdout)
	buf.Write(stderr)
	return buf.String(), nil
}

func (r *Runtime) ResourceUsage(ctx context.Context, id string) (*runtime.ResourceUsage, error) {
	// stream=false makes the daemon take two samples so precpu_stats is set.
	resp, err := r.docker.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()
	return decodeStats(resp.Body)
}

// ListManaged returns every container this runtime created, mapping
// container id to owner id.
func (r *Runtime) ListManaged(ctx context.Context) (map[string]string, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := r.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make(map[string]string, len(containers))
	for _, ctr := range containers {
		if owner := ctr.Labels[labelPrefix+"owner_id"]; owner != "" {
			out[ctr.ID] = owner
		}
	}
	return out, nil
}

func buildContainerConfig(spec runtime.CreateSpec, opts Options) (*container.Config, *container.HostConfig) {
	labels := map[string]string{
		labelPrefix + "owner_id": spec.OwnerID,
		labelPrefix + "managed":  "true",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	mountPoint := spec.WorkspaceMount
	if mountPoint == "" {
		mountPoint = "/workspace"
	}

	memory := int64(spec.Limits.MemoryLimitMB) * units.MiB
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:   int64(spec.Limits.CPUCores * 1e9),
			Memory:     memory,
			MemorySwap: memory,
		},
		SecurityOpt: []string{"no-new-privileges"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 512 * units.MiB,
				},
			},
		},
	}
	if spec.WorkspaceHostPath != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceHostPath,
			Target: mountPoint,
		})
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	if opts.StorageQuota && spec.Limits.DiskLimitMB > 0 {
		hostCfg.StorageOpt = map[string]string{"size": fmt.Sprintf("%dM", spec.Limits.DiskLimitMB)}
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        envList(spec.Env),
		Labels:     labels,
		WorkingDir: mountPoint,
		Tty:        false,
	}
	return cfg, hostCfg
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func containerName(ownerID string) string {
	name := strings.Trim(unsafeNameChars.ReplaceAllString(ownerID, "-"), "-.")
	if len(name) > 40 {
		name = name[:40]
	}
	return "werkstatt-" + name + "-" + uuid.NewString()[:8]
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func mapState(status string) runtime.State {
	switch status {
	case "created":
		return runtime.StateCreated
	case "running", "restarting", "paused":
		return runtime.StateRunning
	case "exited", "removing":
		return runtime.StateExited
	case "dead":
		return runtime.StateError
	}
	return runtime.StateError
}

// parseDockerTime returns the zero time for Docker's "0001-01-01T00:00:00Z"
// placeholder and for unparseable input.
func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

var _ runtime.Backend = (*Runtime)(nil)
