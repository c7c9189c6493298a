package datasync

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/fleetwright/internal/storage"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func nameOf(raw json.RawMessage) (string, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	return r.Name, nil
}

func mustMarshal(t *testing.T, r record) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return data
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyRecordWritesWhenNoLocalMatch(t *testing.T) {
	store := newTestStore(t)
	h := NewBoltHandler("tasks", store, nameOf, false)
	reg := NewRegistry(nil)
	reg.RegisterHandler(h)

	require.NoError(t, reg.ApplyRecord("tasks", mustMarshal(t, record{Name: "lobby", Version: 1})))

	current, ok := h.CurrentOf("lobby")
	require.True(t, ok)
	var got record
	require.NoError(t, json.Unmarshal(current, &got))
	require.Equal(t, 1, got.Version)
}

func TestApplyRecordConflictKeepsLocalWithoutForceApply(t *testing.T) {
	store := newTestStore(t)
	h := NewBoltHandler("tasks", store, nameOf, false)
	reg := NewRegistry(nil) // nil resolver => conservative "keep local"
	reg.RegisterHandler(h)

	require.NoError(t, reg.ApplyRecord("tasks", mustMarshal(t, record{Name: "lobby", Version: 1})))
	require.NoError(t, reg.ApplyRecord("tasks", mustMarshal(t, record{Name: "lobby", Version: 2})))

	current, ok := h.CurrentOf("lobby")
	require.True(t, ok)
	var got record
	require.NoError(t, json.Unmarshal(current, &got))
	require.Equal(t, 1, got.Version)
}

func TestApplyRecordAlwaysForceApplyOverwrites(t *testing.T) {
	store := newTestStore(t)
	h := NewBoltHandler("snapshots", store, nameOf, true)
	reg := NewRegistry(nil)
	reg.RegisterHandler(h)

	require.NoError(t, reg.ApplyRecord("snapshots", mustMarshal(t, record{Name: "svc-1", Version: 1})))
	require.NoError(t, reg.ApplyRecord("snapshots", mustMarshal(t, record{Name: "svc-1", Version: 2})))

	current, ok := h.CurrentOf("svc-1")
	require.True(t, ok)
	var got record
	require.NoError(t, json.Unmarshal(current, &got))
	require.Equal(t, 2, got.Version)
}

func TestResolverCanChooseIncoming(t *testing.T) {
	store := newTestStore(t)
	h := NewBoltHandler("tasks", store, nameOf, false)
	reg := NewRegistry(func(key string, local, incoming json.RawMessage) bool {
		var l, i record
		json.Unmarshal(local, &l)
		json.Unmarshal(incoming, &i)
		return i.Version > l.Version
	})
	reg.RegisterHandler(h)

	require.NoError(t, reg.ApplyRecord("tasks", mustMarshal(t, record{Name: "lobby", Version: 1})))
	require.NoError(t, reg.ApplyRecord("tasks", mustMarshal(t, record{Name: "lobby", Version: 5})))
	require.NoError(t, reg.ApplyRecord("tasks", mustMarshal(t, record{Name: "lobby", Version: 3})))

	current, _ := h.CurrentOf("lobby")
	var got record
	json.Unmarshal(current, &got)
	require.Equal(t, 5, got.Version)
}

func TestPrepareAndApplySnapshotRoundTrip(t *testing.T) {
	srcStore := newTestStore(t)
	srcHandler := NewBoltHandler("tasks", srcStore, nameOf, false)
	srcReg := NewRegistry(nil)
	srcReg.RegisterHandler(srcHandler)
	require.NoError(t, srcReg.ApplyRecord("tasks", mustMarshal(t, record{Name: "lobby", Version: 1})))
	require.NoError(t, srcReg.ApplyRecord("tasks", mustMarshal(t, record{Name: "arena", Version: 1})))

	snap, err := srcReg.PrepareClusterData()
	require.NoError(t, err)
	require.Len(t, snap.Entries["tasks"], 2)

	dstStore := newTestStore(t)
	dstHandler := NewBoltHandler("tasks", dstStore, nameOf, false)
	dstReg := NewRegistry(nil)
	dstReg.RegisterHandler(dstHandler)

	require.NoError(t, dstReg.ApplySnapshot(snap))
	_, ok := dstHandler.CurrentOf("lobby")
	require.True(t, ok)
	_, ok = dstHandler.CurrentOf("arena")
	require.True(t, ok)
}
