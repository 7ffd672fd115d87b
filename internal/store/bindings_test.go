package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBinding(thread string, lastActivity time.Time) *ThreadBinding {
	return &ThreadBinding{
		ThreadID:       thread,
		OwnerID:        "alice",
		ScopeKey:       "alice",
		SandboxID:      "sbx-1",
		RepositoryID:   "repo-1",
		WorkDir:        "/workspace/repo-1",
		State:          BindingActive,
		IsActive:       true,
		LastActivityAt: lastActivity,
		CreatedAt:      lastActivity,
	}
}

func TestUpsertAndGetBinding(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	b := testBinding("t1", now)
	b.WarnedFor = &now
	require.NoError(t, st.UpsertBinding(b))

	got, err := st.GetBinding("t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, BindingActive, got.State)
	assert.True(t, got.IsActive)
	assert.True(t, now.Equal(got.LastActivityAt))
	require.NotNil(t, got.WarnedFor)
	assert.True(t, now.Equal(*got.WarnedFor))
}

func TestUpsertBindingActivityOnlyMovesForward(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.UpsertBinding(testBinding("t1", now)))

	require.NoError(t, st.UpsertBinding(testBinding("t1", now.Add(-time.Hour))))

	got, err := st.GetBinding("t1")
	require.NoError(t, err)
	assert.True(t, now.Equal(got.LastActivityAt))
}

func TestUpsertBindingNewSandboxResetsActivity(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.UpsertBinding(testBinding("t1", now)))

	fresh := testBinding("t1", now.Add(-time.Minute))
	fresh.SandboxID = "sbx-2"
	require.NoError(t, st.UpsertBinding(fresh))

	got, err := st.GetBinding("t1")
	require.NoError(t, err)
	assert.Equal(t, "sbx-2", got.SandboxID)
	assert.True(t, now.Add(-time.Minute).Equal(got.LastActivityAt))
}

func TestTouchBinding(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, st.UpsertBinding(testBinding("t1", now)))

	require.NoError(t, st.TouchBinding("t1", now.Add(time.Minute)))
	got, _ := st.GetBinding("t1")
	assert.True(t, now.Add(time.Minute).Equal(got.LastActivityAt))

	require.NoError(t, st.TouchBinding("t1", now))
	got, _ = st.GetBinding("t1")
	assert.True(t, now.Add(time.Minute).Equal(got.LastActivityAt))

	assert.ErrorIs(t, st.TouchBinding("missing", now), ErrNotFound)
}

func TestListActiveAndDeactivate(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, st.UpsertBinding(testBinding("t1", now)))
	require.NoError(t, st.UpsertBinding(testBinding("t2", now)))

	require.NoError(t, st.DeactivateBinding("t1"))

	active, err := st.ListActiveBindings()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t2", active[0].ThreadID)

	got, _ := st.GetBinding("t1")
	assert.False(t, got.IsActive)
	assert.Equal(t, BindingInactive, got.State)
}
