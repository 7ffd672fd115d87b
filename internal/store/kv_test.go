package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVPutGet(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Put("checkpoint:t1", []byte(`{"ref":"abc"}`), time.Hour))
	v, ok, err := st.Get("checkpoint:t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"ref":"abc"}`, string(v))

	_, ok, err = st.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVExpiry(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	st.now = func() time.Time { return now }

	require.NoError(t, st.Put("short", []byte("x"), time.Minute))
	require.NoError(t, st.Put("forever", []byte("y"), 0))

	st.now = func() time.Time { return now.Add(2 * time.Minute) }

	_, ok, err := st.Get("short")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.Get("forever")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := st.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestKVOverwriteAndDelete(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Put("k", []byte("1"), 0))
	require.NoError(t, st.Put("k", []byte("2"), 0))
	v, _, _ := st.Get("k")
	assert.Equal(t, "2", string(v))

	require.NoError(t, st.Delete("k"))
	_, ok, _ := st.Get("k")
	assert.False(t, ok)
}

func TestKVScan(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Put("session:a", []byte("1"), 0))
	require.NoError(t, st.Put("session:b", []byte("2"), 0))
	require.NoError(t, st.Put("sessions", []byte("x"), 0))
	require.NoError(t, st.Put("binding:a", []byte("3"), 0))

	got, err := st.Scan("session:")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"session:a": []byte("1"), "session:b": []byte("2")}, got)
}

func TestKVJSON(t *testing.T) {
	st := newTestStore(t)
	type checkpoint struct {
		Ref string `json:"ref"`
	}

	require.NoError(t, st.PutJSON("cp", checkpoint{Ref: "deadbeef"}, time.Hour))

	var got checkpoint
	ok, err := st.GetJSON("cp", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "deadbeef", got.Ref)

	ok, err = st.GetJSON("none", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}
