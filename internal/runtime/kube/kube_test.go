package kube

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

const testNS = "werkstatt"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRuntime(objects ...k8sruntime.Object) (*Runtime, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	rt := NewWithClient(client, nil, Options{
		Namespace:          testNS,
		RequestEqualsLimit: true,
		PodReadyTimeout:    time.Second,
		PollInterval:       10 * time.Millisecond,
	}, testLogger())
	return rt, client
}

// markPodsReady makes every pod the fake API server creates report Running.
func markPodsReady(client *fake.Clientset) {
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, k8sruntime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		pod.Status.PodIP = "10.0.0.7"
		pod.Status.ContainerStatuses = []corev1.ContainerStatus{{Name: containerName, Ready: true}}
		return false, nil, nil
	})
}

func countActions(client *fake.Clientset, verb, resource string) int {
	n := 0
	for _, a := range client.Actions() {
		if a.GetVerb() == verb && a.GetResource().Resource == resource {
			n++
		}
	}
	return n
}

func testSpec(owner string) runtime.CreateSpec {
	return runtime.CreateSpec{
		OwnerID: owner,
		Image:   "werkstatt-sandbox:latest",
		Command: []string{"sleep", "infinity"},
		Env:     map[string]string{"HOME": "/workspace"},
		Limits:  runtime.Limits{MemoryLimitMB: 2048, CPUCores: 1.5, DiskLimitMB: 20480},
	}
}

func TestPing(t *testing.T) {
	rt, _ := newTestRuntime(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: testNS}})
	assert.NoError(t, rt.Ping(context.Background()))
}

func TestPingMissingNamespace(t *testing.T) {
	rt, _ := newTestRuntime()
	assert.Error(t, rt.Ping(context.Background()))
}

func TestCreateMakesClaimAndPod(t *testing.T) {
	rt, client := newTestRuntime()
	ctx := context.Background()

	id, err := rt.Create(ctx, testSpec("Alice@Example.com"))
	require.NoError(t, err)

	pod, err := client.CoreV1().Pods(testNS).Get(ctx, id, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Alice@Example.com", pod.Annotations["werkstatt.io/owner-id"])
	require.Len(t, pod.Spec.Volumes, 1)
	assert.Equal(t, claimName("Alice@Example.com"), pod.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)

	c := pod.Spec.Containers[0]
	assert.Equal(t, "/workspace", c.WorkingDir)
	assert.Equal(t, []corev1.EnvVar{{Name: "HOME", Value: "/workspace"}}, c.Env)
	assert.True(t, c.Resources.Limits.Memory().Equal(resource.MustParse("2048Mi")))
	assert.True(t, c.Resources.Limits.Cpu().Equal(resource.MustParse("1500m")))
	// requests mirror limits
	assert.True(t, c.Resources.Requests.Memory().Equal(*c.Resources.Limits.Memory()))
	assert.True(t, c.Resources.Requests.Cpu().Equal(*c.Resources.Limits.Cpu()))

	pvc, err := client.CoreV1().PersistentVolumeClaims(testNS).Get(ctx, claimName("Alice@Example.com"), metav1.GetOptions{})
	require.NoError(t, err)
	storage := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	assert.True(t, storage.Equal(resource.MustParse("20480Mi")))
}

func TestCreateReusesExistingClaim(t *testing.T) {
	existing := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: claimName("bob"), Namespace: testNS},
	}
	rt, client := newTestRuntime(existing)
	ctx := context.Background()

	_, err := rt.Create(ctx, testSpec("bob"))
	require.NoError(t, err)
	_, err = rt.Create(ctx, testSpec("bob"))
	require.NoError(t, err)

	assert.Zero(t, countActions(client, "create", "persistentvolumeclaims"))
	assert.Equal(t, 2, countActions(client, "get", "persistentvolumeclaims"))
	assert.Equal(t, 2, countActions(client, "create", "pods"))
}

func TestCreateClaimOnlyOnce(t *testing.T) {
	rt, client := newTestRuntime()
	ctx := context.Background()

	_, err := rt.Create(ctx, testSpec("carol"))
	require.NoError(t, err)
	_, err = rt.Create(ctx, testSpec("carol"))
	require.NoError(t, err)

	assert.Equal(t, 1, countActions(client, "create", "persistentvolumeclaims"))
}

func TestStartWaitsForReady(t *testing.T) {
	rt, client := newTestRuntime()
	markPodsReady(client)
	ctx := context.Background()

	id, err := rt.Create(ctx, testSpec("dave"))
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx, id))

	info, err := rt.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, info.State)
	assert.Equal(t, "10.0.0.7", info.IPAddress)
	assert.Equal(t, "werkstatt-sandbox:latest", info.Image)
}

func TestStartTimesOutWhenPending(t *testing.T) {
	rt, _ := newTestRuntime()
	ctx := context.Background()

	id, err := rt.Create(ctx, testSpec("erin"))
	require.NoError(t, err)
	assert.Error(t, rt.Start(ctx, id))
}

func TestStopThenStartRecreatesPod(t *testing.T) {
	rt, client := newTestRuntime()
	markPodsReady(client)
	ctx := context.Background()

	id, err := rt.Create(ctx, testSpec("frank"))
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx, id))

	require.NoError(t, rt.Stop(ctx, id, 5*time.Second))
	info, err := rt.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateMissing, info.State)

	require.NoError(t, rt.Start(ctx, id))
	info, err = rt.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, info.State)
}

func TestRemoveForgetsTemplate(t *testing.T) {
	rt, client := newTestRuntime()
	ctx := context.Background()

	id, err := rt.Create(ctx, testSpec("gina"))
	require.NoError(t, err)
	require.NoError(t, rt.Remove(ctx, id, true))
	// second remove is a no-op
	require.NoError(t, rt.Remove(ctx, id, true))

	assert.Error(t, rt.Start(ctx, id))
	_, err = client.CoreV1().ConfigMaps(testNS).Get(ctx, templateName(id), metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestStartAfterRestartRecreatesFromStoredTemplate(t *testing.T) {
	rt, client := newTestRuntime()
	markPodsReady(client)
	ctx := context.Background()

	id, err := rt.Create(ctx, testSpec("jack"))
	require.NoError(t, err)
	require.NoError(t, rt.Stop(ctx, id, 5*time.Second))

	// a fresh process shares the cluster but not the in-memory cache
	restarted := NewWithClient(client, nil, rt.opts, testLogger())
	require.NoError(t, restarted.Start(ctx, id))

	info, err := restarted.Info(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, info.State)
	pod, err := client.CoreV1().Pods(testNS).Get(ctx, id, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "werkstatt-sandbox:latest", pod.Spec.Containers[0].Image)
}

func TestListManaged(t *testing.T) {
	rt, _ := newTestRuntime()
	ctx := context.Background()

	id, err := rt.Create(ctx, testSpec("hank"))
	require.NoError(t, err)

	managed, err := rt.ListManaged(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{id: "hank"}, managed)
}

func TestDeleteVolumeClaim(t *testing.T) {
	rt, client := newTestRuntime()
	ctx := context.Background()

	_, err := rt.Create(ctx, testSpec("ivy"))
	require.NoError(t, err)
	require.NoError(t, rt.DeleteVolumeClaim(ctx, "ivy"))
	require.NoError(t, rt.DeleteVolumeClaim(ctx, "ivy"))

	_, err = client.CoreV1().PersistentVolumeClaims(testNS).Get(ctx, claimName("ivy"), metav1.GetOptions{})
	assert.Error(t, err)
}

func TestBuildResourcesWithoutRequestEqualsLimit(t *testing.T) {
	res, err := buildResources(runtime.Limits{MemoryLimitMB: 4096, CPUCores: 2}, false)
	require.NoError(t, err)
	assert.True(t, res.Requests.Memory().Equal(resource.MustParse("1Gi")))
	assert.True(t, res.Requests.Cpu().Equal(resource.MustParse("500m")))
	_, hasDisk := res.Limits[corev1.ResourceEphemeralStorage]
	assert.False(t, hasDisk)
}

func TestDNSName(t *testing.T) {
	assert.Equal(t, "werkstatt-ws-alice-example-com", claimName("Alice@Example.com"))
	assert.LessOrEqual(t, len(dnsName(string(make([]byte, 200)), 63)), 63)
	long := dnsName("werkstatt-"+"abcdefghij-abcdefghij-abcdefghij-abcdefghij-abcdefghij-abcdefghij", 54)
	assert.LessOrEqual(t, len(long), 54)
	assert.NotEqual(t, '-', long[len(long)-1])
}

func TestWrapCommand(t *testing.T) {
	argv := []string{"git", "status"}

	assert.Equal(t, argv, wrapCommand(argv, runtime.ExecOptions{}))
	assert.Equal(t,
		[]string{"sh", "-c", `cd "$0" && exec "$@"`, "/workspace/repo", "env", "A=1", "B=2", "git", "status"},
		wrapCommand(argv, runtime.ExecOptions{WorkDir: "/workspace/repo", Env: map[string]string{"B": "2", "A": "1"}}))
}

func TestExecWithoutRestConfig(t *testing.T) {
	rt, _ := newTestRuntime()
	_, err := rt.Exec(context.Background(), "pod", []string{"true"}, runtime.ExecOptions{})
	assert.Error(t, err)
}

func TestParseUsage(t *testing.T) {
	out := "cpu_ns_1=1000000000\ncpu_ns_2=1250000000\ninterval_ms=500\nmem_bytes=268435456\nnet_rx=1048576\nnet_tx=3145728\n"
	u, err := parseUsage(out, 2048)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, u.CPUPercent, 0.001)
	assert.InDelta(t, 256.0, u.MemUsedMB, 0.001)
	assert.InDelta(t, 2048.0, u.MemLimitMB, 0.001)
	assert.InDelta(t, 1.0, u.NetRxMB, 0.001)
	assert.InDelta(t, 3.0, u.NetTxMB, 0.001)
}

func TestParseUsageErrors(t *testing.T) {
	_, err := parseUsage("cpu_ns_1=1\n", 0)
	assert.Error(t, err)

	_, err = parseUsage("mem_bytes=lots\n", 0)
	assert.Error(t, err)
}
