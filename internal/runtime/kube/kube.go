// Package kube implements the cluster runtime: one pod per sandbox, backed by
// a durable PersistentVolumeClaim per owner.
package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/puzpuzpuz/xsync/v3"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

const (
	containerName = "sandbox"
	volumeName    = "workspace"
	labelPrefix   = "werkstatt.io/"
)

type Options struct {
	Namespace    string
	Kubeconfig   string
	StorageClass string
	// RequestEqualsLimit sets resource requests equal to limits so the
	// scheduler never places a sandbox that will be throttled later.
	RequestEqualsLimit bool
	PodReadyTimeout    time.Duration
	PollInterval       time.Duration
}

// Runtime is the cluster backend.
type Runtime struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	opts       Options
	logger     *slog.Logger

	// Pods cannot be stopped in place. Stop deletes the pod and Start
	// recreates it from the saved template with the same name and claim.
	// This caches the ConfigMap-backed templates.
	templates *xsync.MapOf[string, *corev1.Pod]
}

// New builds a client from the in-cluster config, falling back to the
// kubeconfig file.
func New(opts Options, logger *slog.Logger) (*Runtime, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		path := opts.Kubeconfig
		if path == "" {
			path = clientcmd.RecommendedHomeFile
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewWithClient(client, restConfig, opts, logger), nil
}

func NewWithClient(client kubernetes.Interface, restConfig *rest.Config, opts Options, logger *slog.Logger) *Runtime {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.PodReadyTimeout <= 0 {
		opts.PodReadyTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Runtime{
		client:     client,
		restConfig: restConfig,
		opts:       opts,
		logger:     logger,
		templates:  xsync.NewMapOf[string, *corev1.Pod](),
	}
}

func (r *Runtime) Mode() runtime.Mode { return runtime.ModeCluster }

func (r *Runtime) Close() error { return nil }

// Ping checks the API server answers and the namespace exists.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.client.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("server version: %w", err)
	}
	if _, err := r.client.CoreV1().Namespaces().Get(ctx, r.opts.Namespace, metav1.GetOptions{}); err != nil {
		return fmt.Errorf("namespace %s: %w", r.opts.Namespace, err)
	}
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	claim, err := r.ensureVolumeClaim(ctx, spec.OwnerID, spec.Limits.DiskLimitMB)
	if err != nil {
		return "", err
	}

	pod, err := buildPod(spec, claim, r.opts)
	if err != nil {
		return "", err
	}

	if err := r.saveTemplate(ctx, pod); err != nil {
		return "", err
	}
	created, err := r.client.CoreV1().Pods(r.opts.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if dErr := r.deleteTemplate(ctx, pod.Name); dErr != nil {
			r.logger.Warn("drop pod template", "pod", pod.Name, "error", dErr)
		}
		return "", fmt.Errorf("create pod: %w", err)
	}
	r.logger.Debug("pod created", "owner_id", spec.OwnerID, "pod", created.Name, "claim", claim)
	return created.Name, nil
}

// Start waits for the pod to become ready, recreating it first if Stop
// deleted it.
func (r *Runtime) Start(ctx context.Context, id string) error {
	pods := r.client.CoreV1().Pods(r.opts.Namespace)
	if _, err := pods.Get(ctx, id, metav1.GetOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("get pod: %w", err)
		}
		tmpl, err := r.loadTemplate(ctx, id)
		if err != nil {
			return err
		}
		if tmpl == nil {
			return fmt.Errorf("pod %s not found and no template to recreate it", id)
		}
		if _, err := pods.Create(ctx, tmpl, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("recreate pod: %w", err)
		}
	}
	return r.waitForPodReady(ctx, id)
}

func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	grace := int64(timeout.Seconds())
	return r.deletePod(ctx, id, grace)
}

func (r *Runtime) Remove(ctx context.Context, id string, force bool) error {
	var grace int64 = 30
	if force {
		grace = 0
	}
	if err := r.deletePod(ctx, id, grace); err != nil {
		return err
	}
	return r.deleteTemplate(ctx, id)
}

func (r *Runtime) deletePod(ctx context.Context, name string, grace int64) error {
	err := r.client.CoreV1().Pods(r.opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod: %w", err)
	}
	return nil
}

func (r *Runtime) Info(ctx context.Context, id string) (*runtime.Info, error) {
	pod, err := r.client.CoreV1().Pods(r.opts.Namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return &runtime.Info{ID: id, State: runtime.StateMissing}, nil
		}
		return nil, fmt.Errorf("get pod: %w", err)
	}

	info := &runtime.Info{
		ID:        id,
		State:     mapPhase(pod.Status.Phase),
		CreatedAt: pod.CreationTimestamp.Time,
		IPAddress: pod.Status.PodIP,
		Error:     pod.Status.Message,
	}
	if pod.Status.StartTime != nil {
		info.StartedAt = pod.Status.StartTime.Time
	}
	for _, c := range pod.Spec.Containers {
		if c.Name == containerName {
			info.Image = c.Image
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == containerName && cs.State.Terminated != nil {
			info.FinishedAt = cs.State.Terminated.FinishedAt.Time
			if info.Error == "" {
				info.Error = cs.State.Terminated.Reason
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

	cmd := wrapCommand(argv, opts)
	r.logger.Debug("pod exec", "pod", id, "cmd", shellquote.Join(cmd...))

	stdout, stderr, code, err := r.stream(ctx, id, cmd)
	if err != nil {
		return nil, err
	}
	return &runtime.ExecResult{
		ExitCode:   code,
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (r *Runtime) stream(ctx context.Context, pod string, cmd []string) (string, string, int, error) {
	if r.restConfig == nil {
		return "", "", -1, errors.New("exec requires a REST config")
	}
	req := r.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(r.opts.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(r.restConfig, "POST", req.URL())
	if err != nil {
		return "", "", -1, fmt.Errorf("create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		var exitErr interface{ ExitStatus() int }
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("exec stream: %w", err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := &corev1.PodLogOptions{Container: containerName}
	if tail > 0 {
		lines := int64(tail)
		opts.TailLines = &lines
	}
	raw, err := r.client.CoreV1().Pods(r.opts.Namespace).GetLogs(id, opts).Do(ctx).Raw()
	if err != nil {
		return "", fmt.Errorf("pod logs: %w", err)
	}
	return string(raw), nil
}

// ResourceUsage samples the sandbox's own cgroup from inside the pod, so it
// works without metrics-server.
func (r *Runtime) ResourceUsage(ctx context.Context, id string) (*runtime.ResourceUsage, error) {
	stdout, stderr, code, err := r.stream(ctx, id, []string{"sh", "-c", usageScript})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("usage probe exited %d: %s", code, strings.TrimSpace(stderr))
	}

	var memLimitMB float64
	if tmpl, ok := r.templates.Load(id); ok {
		for _, c := range tmpl.Spec.Containers {
			if q, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
				memLimitMB = float64(q.Value()) / (1 << 20)
			}
		}
	}
	return parseUsage(stdout, memLimitMB)
}

func (r *Runtime) waitForPodReady(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.PodReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		pod, err := r.client.CoreV1().Pods(r.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get pod: %w", err)
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == containerName && cs.Ready {
					return nil
				}
			}
		case corev1.PodFailed, corev1.PodSucceeded:
			return fmt.Errorf("pod %s is in terminal phase %s", name, pod.Status.Phase)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for pod %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ListManaged returns the pods this runtime created, mapping pod name to
// owner id.
func (r *Runtime) ListManaged(ctx context.Context) (map[string]string, error) {
	list, err := r.client.CoreV1().Pods(r.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelPrefix + "managed=true",
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	out := make(map[string]string, len(list.Items))
	for _, p := range list.Items {
		if owner := p.Annotations[labelPrefix+"owner-id"]; owner != "" {
			out[p.Name] = owner
		}
	}
	return out, nil
}

func mapPhase(phase corev1.PodPhase) runtime.State {
	switch phase {
	case corev1.PodPending:
		return runtime.StateCreated
	case corev1.PodRunning:
		return runtime.StateRunning
	case corev1.PodSucceeded:
		return runtime.StateExited
	}
	return runtime.StateError
}

// wrapCommand applies working directory and environment, which the pod
// exec API has no fields for.
func wrapCommand(argv []string, opts runtime.ExecOptions) []string {
	cmd := argv
	if len(opts.Env) > 0 {
		envArgs := append([]string{"env"}, sortedEnv(opts.Env)...)
		cmd = append(envArgs, cmd...)
	}
	if opts.WorkDir != "" {
		cmd = append([]string{"sh", "-c", `cd "$0" && exec "$@"`, opts.WorkDir}, cmd...)
	}
	return cmd
}

var _ runtime.Backend = (*Runtime)(nil)
