package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/furgen-fcs/dependency-agent/internal/pathutil"
	"github.com/furgen-fcs/dependency-agent/internal/state"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, policy Policy) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	m := New(state.New(statePath), root, policy)
	return m, root
}

func writeArtifact(t *testing.T, root, rel string, size int) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, make([]byte, size), 0o644))
}

func TestTouchNeverCreatesForMissingFile(t *testing.T) {
	m, _ := newTestManager(t, DefaultPolicy())
	require.NoError(t, m.Touch("d1", "models/missing.bin"))

	inv := m.Inventory()
	require.Empty(t, inv.InstalledDynamic)
}

func TestTouchAdoptsExistingFile(t *testing.T) {
	m, root := newTestManager(t, DefaultPolicy())
	writeArtifact(t, root, "models/x.bin", 10)

	require.NoError(t, m.Touch("d1", "models/x.bin"))

	inv := m.Inventory()
	require.Contains(t, inv.InstalledDynamic, "d1")
	require.Equal(t, int64(10), inv.DynamicBytesUsed)
}

func TestTouchIdempotence(t *testing.T) {
	m, root := newTestManager(t, DefaultPolicy())
	writeArtifact(t, root, "models/x.bin", 10)

	require.NoError(t, m.Touch("d1", "models/x.bin"))
	e1 := m.lruEntryForTest("d1")

	require.NoError(t, m.Touch("d1", ""))
	e2 := m.lruEntryForTest("d1")

	require.Equal(t, e1.SizeBytes, e2.SizeBytes)
	require.Equal(t, e1.DestRelativePath, e2.DestRelativePath)
	require.GreaterOrEqual(t, e2.LastTouchedAtMs, e1.LastTouchedAtMs)
}

func TestReconcileDropsMissingFile(t *testing.T) {
	m, root := newTestManager(t, DefaultPolicy())
	writeArtifact(t, root, "models/x.bin", 10)
	require.NoError(t, m.Touch("d1", "models/x.bin"))

	require.NoError(t, os.Remove(filepath.Join(root, "models/x.bin")))
	require.NoError(t, m.Reconcile())

	inv := m.Inventory()
	require.NotContains(t, inv.InstalledDynamic, "d1")
	require.Equal(t, int64(0), inv.DynamicBytesUsed)
}

func TestEvictionRespectsPinTTLAndDeterministicOrder(t *testing.T) {
	policy := DefaultPolicy()
	policy.Enabled = true
	policy.PinTTLMs = 0
	policy.EvictionBatchMax = 10
	m, root := newTestManager(t, policy)

	writeArtifact(t, root, "a.bin", 10)
	writeArtifact(t, root, "b.bin", 10)
	require.NoError(t, m.Touch("old", "a.bin"))
	require.NoError(t, m.Touch("new", "b.bin"))

	// Force old to have an earlier timestamp than new.
	m.mu.Lock()
	oe := m.lru["old"]
	oe.LastTouchedAtMs = 100
	m.lru["old"] = oe
	ne := m.lru["new"]
	ne.LastTouchedAtMs = 200
	m.lru["new"] = ne
	m.mu.Unlock()

	// Free space appears once a.bin (old's file) has been removed, so one
	// eviction of the right candidate satisfies the requirement.
	m.statFn = func(string) (pathutil.DiskStats, error) {
		if _, err := os.Stat(filepath.Join(root, "a.bin")); os.IsNotExist(err) {
			return pathutil.DiskStats{FreeBytes: 10}, nil
		}
		return pathutil.DiskStats{FreeBytes: 0}, nil
	}

	n, err := m.Evict(1, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	inv := m.Inventory()
	require.NotContains(t, inv.InstalledDynamic, "old")
	require.Contains(t, inv.InstalledDynamic, "new")
}

func TestEvictionNeverTouchesProtectedOrDownloading(t *testing.T) {
	policy := DefaultPolicy()
	policy.Enabled = true
	policy.PinTTLMs = 0
	m, root := newTestManager(t, policy)

	writeArtifact(t, root, "a.bin", 10)
	require.NoError(t, m.Touch("d1", "a.bin"))
	m.SetDownloading("d1")

	m.statFn = func(string) (pathutil.DiskStats, error) {
		return pathutil.DiskStats{FreeBytes: 0}, nil
	}

	n, err := m.Evict(1<<30, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestEnsureSpaceFailsWhenStillShort(t *testing.T) {
	policy := DefaultPolicy()
	policy.Enabled = true
	policy.MinFreeBytes = 1 << 30
	m, _ := newTestManager(t, policy)

	m.statFn = func(string) (pathutil.DiskStats, error) {
		return pathutil.DiskStats{FreeBytes: 0}, nil
	}

	_, err := m.EnsureSpace(context.Background(), 100, "d1")
	require.ErrorIs(t, err, ErrInsufficientSpace)
}

func (m *Manager) lruEntryForTest(depID string) state.LRUEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru[depID]
}
