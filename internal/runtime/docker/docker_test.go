package docker

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

func frame(stream byte, payload string) []byte {
	hdr := make([]byte, 8)
	hdr[0] = stream
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	return append(hdr, payload...)
}

func TestDemuxInterleavedFrames(t *testing.T) {
	var raw []byte
	raw = append(raw, frame(1, "A")...)
	raw = append(raw, frame(2, "B")...)
	raw = append(raw, frame(1, "C")...)

	stdout, stderr, err := demux(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "AC", string(stdout))
	assert.Equal(t, "B", string(stderr))
}

func TestDemuxStdWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	outW := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	errW := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)

	outW.Write([]byte("line one\n"))
	errW.Write([]byte("warning: x\n"))
	outW.Write([]byte("line two\n"))

	stdout, stderr, err := demux(&buf)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(stdout))
	assert.Equal(t, "warning: x\n", string(stderr))
}

func TestDemuxLargeFrame(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	stdout, stderr, err := demux(bytes.NewReader(frame(1, payload)))
	require.NoError(t, err)
	assert.Len(t, stdout, len(payload))
	assert.Empty(t, stderr)
}

func TestDemuxEmpty(t *testing.T) {
	stdout, stderr, err := demux(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
}

func TestDemuxUnknownStream(t *testing.T) {
	_, _, err := demux(bytes.NewReader(frame(9, "??")))
	assert.Error(t, err)
}

func TestBuildContainerConfig(t *testing.T) {
	spec := runtime.CreateSpec{
		OwnerID:           "user-1",
		Image:             "werkstatt-sandbox:latest",
		Command:           []string{"sleep", "infinity"},
		Env:               map[string]string{"B": "2", "A": "1"},
		Labels:            map[string]string{"team": "core"},
		Limits:            runtime.Limits{MemoryLimitMB: 2048, CPUCores: 1.5, DiskLimitMB: 10240},
		WorkspaceHostPath: "/srv/workspaces/user-1",
		NetworkMode:       "bridge",
	}

	cfg, hostCfg := buildContainerConfig(spec, Options{})

	assert.Equal(t, "werkstatt-sandbox:latest", cfg.Image)
	assert.Equal(t, []string{"sleep", "infinity"}, []string(cfg.Cmd))
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.Env)
	assert.Equal(t, "/workspace", cfg.WorkingDir)
	assert.Equal(t, "user-1", cfg.Labels["werkstatt.owner_id"])
	assert.Equal(t, "true", cfg.Labels["werkstatt.managed"])
	assert.Equal(t, "core", cfg.Labels["team"])

	assert.Equal(t, int64(2048*1024*1024), hostCfg.Memory)
	assert.Equal(t, hostCfg.Memory, hostCfg.MemorySwap)
	assert.Equal(t, int64(1.5e9), hostCfg.NanoCPUs)
	assert.Equal(t, container.NetworkMode("bridge"), hostCfg.NetworkMode)
	assert.Nil(t, hostCfg.StorageOpt)

	var bind *mount.Mount
	for i := range hostCfg.Mounts {
		if hostCfg.Mounts[i].Type == mount.TypeBind {
			bind = &hostCfg.Mounts[i]
		}
	}
	require.NotNil(t, bind)
	assert.Equal(t, "/srv/workspaces/user-1", bind.Source)
	assert.Equal(t, "/workspace", bind.Target)
}

func TestBuildContainerConfigStorageQuota(t *testing.T) {
	spec := runtime.CreateSpec{Limits: runtime.Limits{MemoryLimitMB: 512, CPUCores: 1, DiskLimitMB: 4096}}
	_, hostCfg := buildContainerConfig(spec, Options{StorageQuota: true})
	assert.Equal(t, map[string]string{"size": "4096M"}, hostCfg.StorageOpt)
}

func TestContainerName(t *testing.T) {
	name := containerName("alice@example.com")
	assert.True(t, strings.HasPrefix(name, "werkstatt-alice-example.com-"), name)
	assert.NotEqual(t, name, containerName("alice@example.com"))

	assert.NotContains(t, containerName("team/alice"), "/")
}

func TestMapState(t *testing.T) {
	assert.Equal(t, runtime.StateRunning, mapState("running"))
	assert.Equal(t, runtime.StateCreated, mapState("created"))
	assert.Equal(t, runtime.StateExited, mapState("exited"))
	assert.Equal(t, runtime.StateError, mapState("dead"))
}

func TestParseDockerTime(t *testing.T) {
	assert.True(t, parseDockerTime("0001-01-01T00:00:00Z").IsZero())
	assert.True(t, parseDockerTime("garbage").IsZero())
	ts := parseDockerTime("2024-05-01T10:00:00.123456789Z")
	assert.Equal(t, 2024, ts.Year())
}

func TestDecodeStats(t *testing.T) {
	payload := `{
		"cpu_stats": {"cpu_usage": {"total_usage": 400000000}, "system_cpu_usage": 20000000000, "online_cpus": 4},
		"precpu_stats": {"cpu_usage": {"total_usage": 200000000}, "system_cpu_usage": 18000000000},
		"memory_stats": {"usage": 314572800, "limit": 2147483648, "stats": {"inactive_file": 104857600}},
		"networks": {"eth0": {"rx_bytes": 1048576, "tx_bytes": 2097152}, "eth1": {"rx_bytes": 1048576, "tx_bytes": 0}}
	}`

	u, err := decodeStats(strings.NewReader(payload))
	require.NoError(t, err)
	// (0.2e9 / 2e9) * 4 cpus * 100
	assert.InDelta(t, 40.0, u.CPUPercent, 0.001)
	assert.InDelta(t, 200.0, u.MemUsedMB, 0.001)
	assert.InDelta(t, 2048.0, u.MemLimitMB, 0.001)
	assert.InDelta(t, 2.0, u.NetRxMB, 0.001)
	assert.InDelta(t, 2.0, u.NetTxMB, 0.001)
}

func TestUsageFromStatsCgroupV1(t *testing.T) {
	s := &container.StatsResponse{}
	s.CPUStats.CPUUsage.TotalUsage = 300
	s.CPUStats.CPUUsage.PercpuUsage = []uint64{150, 150}
	s.CPUStats.SystemUsage = 1000
	s.PreCPUStats.CPUUsage.TotalUsage = 100
	s.PreCPUStats.SystemUsage = 600
	s.MemoryStats.Usage = 3 * units.MiB
	s.MemoryStats.Stats = map[string]uint64{"total_inactive_file": units.MiB}

	u := usageFromStats(s)
	// no online_cpus: fall back to the per-cpu sample count
	assert.InDelta(t, 100.0, u.CPUPercent, 0.001)
	assert.InDelta(t, 2.0, u.MemUsedMB, 0.001)
}

func TestDecodeStatsNoPreviousSample(t *testing.T) {
	u, err := decodeStats(strings.NewReader(`{"cpu_stats": {"cpu_usage": {"total_usage": 5}}, "memory_stats": {"usage": 1048576}}`))
	require.NoError(t, err)
	assert.Zero(t, u.CPUPercent)
	assert.InDelta(t, 1.0, u.MemUsedMB, 0.001)
}
