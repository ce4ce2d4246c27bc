package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

func sampleDirectory() Directory {
	reg := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return Directory{
		"a1": {
			AgentID:      "a1",
			MachineID:    "m1",
			MachineName:  "laptop",
			AgentType:    "daemon",
			Status:       protocol.StatusOnline,
			Capabilities: []string{"sync"},
			RegisteredAt: reg,
			LastSeenAt:   reg.Add(time.Minute),
		},
		"a0": {
			AgentID:      "a0",
			MachineID:    "m0",
			AgentType:    "daemon",
			Status:       "busy",
			ActiveTaskID: "t1",
			RegisteredAt: reg.Add(-time.Hour),
			LastSeenAt:   reg,
		},
	}
}

func TestSQLiteStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directory.db")

	store, err := OpenSQLite(path, nil)
	require.NoError(t, err)

	got, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)

	want := sampleDirectory()
	require.NoError(t, store.Save(ctx, "u1", want))
	require.NoError(t, store.Close())

	// Survives reopen.
	store, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err = store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got["a1"].RegisteredAt.Equal(want["a1"].RegisteredAt))
	require.Equal(t, want["a1"].Capabilities, got["a1"].Capabilities)
	require.Equal(t, "t1", got["a0"].ActiveTaskID)

	other, err := store.Load(ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestSQLiteStore_EmptyDirectoryDeletesRecord(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Save(ctx, "u1", sampleDirectory()))
	require.NoError(t, store.Save(ctx, "u1", Directory{}))

	got, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, store.Ping(ctx))
}

func TestSQLiteStore_MemoryStoresAreSeparate(t *testing.T) {
	ctx := context.Background()
	first, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	require.NoError(t, first.Save(ctx, "u1", sampleDirectory()))

	got, err := first.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	got, err = second.Load(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMemoryStore_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	dir := sampleDirectory()
	require.NoError(t, store.Save(ctx, "u1", dir))
	dir["a1"] = protocol.AgentInfo{AgentID: "a1", MachineID: "changed"}

	got, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "m1", got["a1"].MachineID)

	boom := errors.New("disk full")
	store.FailSaves(boom)
	require.ErrorIs(t, store.Save(ctx, "u1", Directory{}), boom)
	require.Equal(t, 1, store.Saves())
}

func TestDirectory_SnapshotOrder(t *testing.T) {
	snap := sampleDirectory().Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a0", snap[0].AgentID)
	require.Equal(t, "a1", snap[1].AgentID)
}
