package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCountsInstruments(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	m.SandboxCreated(ctx, "local")
	m.SandboxCreated(ctx, "cluster")
	m.SandboxFailed(ctx, "local", "start")
	m.Checkpoint(ctx, "saved")
	m.Checkpoint(ctx, "clean")
	m.ExecDuration(ctx, 12, 0)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap["werkstatt.sandboxes.created"])
	assert.Equal(t, int64(1), snap["werkstatt.sandboxes.failed"])
	assert.Equal(t, int64(2), snap["werkstatt.checkpoints"])
	assert.Equal(t, int64(1), snap["werkstatt.exec.duration"])
	assert.NotContains(t, snap, "werkstatt.reclaims")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.SandboxCreated(ctx, "local")
		m.Reclaimed(ctx, "idle")
		m.IdleWarning(ctx)
		m.SessionCommand(ctx, true)
	})
	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.NoError(t, m.Shutdown(ctx))
}
