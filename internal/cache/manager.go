// Package cache implements the LRU-bounded dynamic cache: reconciliation
// against the filesystem, touch, eviction under space pressure, and the
// single mutex that serializes all inventory mutation (§5 of the
// specification).
package cache

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/furgen-fcs/dependency-agent/internal/pathutil"
	"github.com/furgen-fcs/dependency-agent/internal/state"
)

// Policy is the merged eviction policy (§4.D), computed by internal/config
// from the registration profile overridden by environment.
type Policy struct {
	Enabled          bool
	MinFreeBytes     int64
	MaxDynamicBytes  int64
	EvictionBatchMax int
	PinTTLMs         int64
}

// DefaultPolicy matches the defaults applied when eviction is enabled
// with no further configuration.
func DefaultPolicy() Policy {
	return Policy{
		MinFreeBytes:     5 << 30,
		EvictionBatchMax: 20,
		PinTTLMs:         1_800_000,
	}
}

// Manager owns the in-memory inventory and the single mutex guarding it,
// persisting through a state.Store whenever a mutation changes anything.
type Manager struct {
	mu sync.Mutex

	store         *state.Store
	workspaceRoot string
	policy        Policy
	statFn        func(string) (pathutil.DiskStats, error)
	nowMs         func() int64

	installedStatic  map[string]struct{}
	installedDynamic map[string]struct{}
	failed           map[string]struct{}
	lru              map[string]state.LRUEntry
	retry            map[string]state.RetryEntry
	downloading      map[string]struct{}
	dynamicBytesUsed int64
}

// New loads the persisted snapshot (if any) and returns a ready Manager.
func New(store *state.Store, workspaceRoot string, policy Policy) *Manager {
	snap := store.Load()
	m := &Manager{
		store:            store,
		workspaceRoot:    workspaceRoot,
		policy:           policy,
		statFn:           pathutil.Stat,
		nowMs:            func() int64 { return time.Now().UnixMilli() },
		installedStatic:  toSet(snap.InstalledStatic),
		installedDynamic: toSet(snap.InstalledDynamic),
		failed:           toSet(snap.Failed),
		lru:              snap.LRU,
		retry:            snap.Retry,
		downloading:      map[string]struct{}{},
	}
	m.dynamicBytesUsed = state.DynamicBytesUsed(m.lru)
	return m
}

// SetPolicy installs a freshly-merged policy (env > profile precedence is
// resolved by internal/config before calling this).
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}

func fromSet(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for s := range in {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func unionKeys(sets ...map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

// persistLocked serializes the current in-memory inventory to disk. The
// caller must hold m.mu.
func (m *Manager) persistLocked() error {
	snap := state.Snapshot{
		InstalledStatic:  fromSet(m.installedStatic),
		InstalledDynamic: fromSet(m.installedDynamic),
		Failed:           fromSet(m.failed),
		LRU:              m.lru,
		Retry:            m.retry,
	}
	return m.store.Save(snap)
}

// reconcileLocked walks the LRU index against the filesystem. The caller
// must hold m.mu.
func (m *Manager) reconcileLocked() bool {
	changed := false
	for depID, e := range m.lru {
		abs, err := pathutil.SafeJoin(m.workspaceRoot, e.DestRelativePath)
		if err != nil {
			delete(m.lru, depID)
			delete(m.installedDynamic, depID)
			changed = true
			continue
		}
		info, statErr := os.Stat(abs)
		if statErr != nil {
			delete(m.lru, depID)
			delete(m.installedDynamic, depID)
			changed = true
			continue
		}
		if info.Size() != e.SizeBytes {
			e.SizeBytes = info.Size()
			changed = true
		}
		if e.LastTouchedAtMs == 0 {
			e.LastTouchedAtMs = m.nowMs()
			changed = true
		}
		m.lru[depID] = e
	}
	for depID := range m.installedDynamic {
		if _, ok := m.lru[depID]; !ok {
			delete(m.installedDynamic, depID)
			changed = true
		}
	}
	if changed {
		m.dynamicBytesUsed = state.DynamicBytesUsed(m.lru)
	}
	return changed
}

// Reconcile drops LRU entries whose backing file has disappeared and
// recomputes sizes and dynamicBytesUsed. Invariant 1 and 2 of §8 hold
// immediately after this returns.
func (m *Manager) Reconcile() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconcileLocked() {
		return m.persistLocked()
	}
	return nil
}

// Touch refreshes lastTouchedAtMs for a dynamic artifact. It never
// creates an entry for a file that does not exist on disk — a touch must
// never falsely mark an artifact as installed.
func (m *Manager) Touch(depID, destRelativePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := destRelativePath
	existing, hadEntry := m.lru[depID]
	if path == "" {
		if !hadEntry {
			return nil // nothing recorded and nothing to adopt: no-op
		}
		path = existing.DestRelativePath
	}

	abs, err := pathutil.SafeJoin(m.workspaceRoot, path)
	if err != nil {
		return fmt.Errorf("cache: touch %s: %w", depID, err)
	}

	info, statErr := os.Stat(abs)
	if statErr != nil {
		// File absent: leave any pre-existing entry as-is. reconcile()
		// will drop it; a touch alone must not create or promote.
		return nil
	}

	newEntry := state.LRUEntry{
		DestRelativePath: path,
		SizeBytes:        info.Size(),
		LastTouchedAtMs:  m.nowMs(),
	}
	var delta int64
	if hadEntry {
		delta = newEntry.SizeBytes - existing.SizeBytes
	} else {
		delta = newEntry.SizeBytes
	}

	m.lru[depID] = newEntry
	m.installedDynamic[depID] = struct{}{}
	delete(m.installedStatic, depID)
	m.dynamicBytesUsed += delta
	if m.dynamicBytesUsed < 0 {
		m.dynamicBytesUsed = 0
	}

	return m.persistLocked()
}

// evictionCandidate is a sortable (lastTouchedAtMs, depId) pair.
type evictionCandidate struct {
	depID           string
	lastTouchedAtMs int64
}

// evictLocked performs one eviction pass. The caller must hold m.mu.
func (m *Manager) evictLocked(requiredFreeBytes int64, protect map[string]struct{}) (int, error) {
	if !m.policy.Enabled {
		return 0, nil
	}

	now := m.nowMs()
	pinned := unionKeys(protect, m.downloading)
	for depID, e := range m.lru {
		if now-e.LastTouchedAtMs <= m.policy.PinTTLMs {
			pinned[depID] = struct{}{}
		}
	}

	candidates := make([]evictionCandidate, 0, len(m.lru))
	for depID, e := range m.lru {
		if _, isPinned := pinned[depID]; isPinned {
			continue
		}
		if e.DestRelativePath == "" {
			continue
		}
		candidates = append(candidates, evictionCandidate{depID: depID, lastTouchedAtMs: e.LastTouchedAtMs})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastTouchedAtMs != candidates[j].lastTouchedAtMs {
			return candidates[i].lastTouchedAtMs < candidates[j].lastTouchedAtMs
		}
		return candidates[i].depID < candidates[j].depID
	})

	evicted := 0
	for _, c := range candidates {
		if evicted >= m.policy.EvictionBatchMax {
			break
		}

		stats, statErr := m.statFn(m.workspaceRoot)
		freeOK := statErr == nil && stats.FreeBytes >= requiredFreeBytes
		capOK := m.policy.MaxDynamicBytes <= 0 || m.dynamicBytesUsed <= m.policy.MaxDynamicBytes
		if freeOK && capOK {
			break
		}

		entry, ok := m.lru[c.depID]
		if !ok {
			continue
		}
		if abs, err := pathutil.SafeJoin(m.workspaceRoot, entry.DestRelativePath); err == nil {
			if rmErr := os.Remove(abs); rmErr != nil && !os.IsNotExist(rmErr) {
				// Tolerate failures removing a single evictee; continue
				// to the next candidate rather than aborting eviction.
				continue
			}
		}

		delete(m.lru, c.depID)
		delete(m.installedDynamic, c.depID)
		delete(m.failed, c.depID)
		m.dynamicBytesUsed -= entry.SizeBytes
		if m.dynamicBytesUsed < 0 {
			m.dynamicBytesUsed = 0
		}
		evicted++
	}

	return evicted, nil
}

// Evict runs one eviction pass to satisfy requiredFreeBytes and the
// configured maxDynamicBytes cap, protecting the depIds in protect plus
// anything currently downloading or touched within the pin TTL.
func (m *Manager) Evict(requiredFreeBytes int64, protect map[string]struct{}) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconcileLocked()
	n, err := m.evictLocked(requiredFreeBytes, protect)
	if err != nil {
		return n, err
	}
	if n > 0 {
		if perr := m.persistLocked(); perr != nil {
			return n, perr
		}
	}
	return n, nil
}

// EvictToFloor runs one eviction pass using the policy's minFreeBytes as
// the required-free target, protecting protect. Used after a successful
// write to maintain the configured floor immediately, per §4.F step 9.
func (m *Manager) EvictToFloor(protect map[string]struct{}) (int, error) {
	m.mu.Lock()
	m.reconcileLocked()
	required := m.policy.MinFreeBytes
	n, err := m.evictLocked(required, protect)
	if err != nil {
		m.mu.Unlock()
		return n, err
	}
	if n > 0 {
		if perr := m.persistLocked(); perr != nil {
			m.mu.Unlock()
			return n, perr
		}
	}
	m.mu.Unlock()
	return n, nil
}

// ErrInsufficientSpace is returned by EnsureSpace when eviction cannot
// free enough room. It is retryable: eviction candidates or queue
// pressure may change by the next attempt.
var ErrInsufficientSpace = fmt.Errorf("cache: insufficient space after eviction")

// EnsureSpace reconciles, evicts under lock protecting depID, and fails
// with ErrInsufficientSpace if free space is still short afterward.
// evictedCount > 0 tells the caller (internal/executor) to heartbeat
// opportunistically.
func (m *Manager) EnsureSpace(_ context.Context, expectedSize int64, depID string) (evictedCount int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	required := m.policy.MinFreeBytes
	if expectedSize > 0 {
		required += expectedSize
	}

	m.reconcileLocked()
	n, err := m.evictLocked(required, map[string]struct{}{depID: {}})
	if err != nil {
		return n, err
	}
	if n > 0 {
		if perr := m.persistLocked(); perr != nil {
			return n, perr
		}
	}

	stats, statErr := m.statFn(m.workspaceRoot)
	if statErr != nil {
		return n, fmt.Errorf("cache: stat workspace: %w", statErr)
	}
	if stats.FreeBytes < required {
		return n, ErrInsufficientSpace
	}
	return n, nil
}

// SetDownloading marks depID as having an in-flight worker.
func (m *Manager) SetDownloading(depID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloading[depID] = struct{}{}
}

// ClearDownloading removes depID from the in-flight set.
func (m *Manager) ClearDownloading(depID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.downloading, depID)
}

// IsDownloading reports whether depID currently has an in-flight worker.
func (m *Manager) IsDownloading(depID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.downloading[depID]
	return ok
}

// DownloadingSnapshot returns a sorted copy of the in-flight set.
func (m *Manager) DownloadingSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fromSet(m.downloading)
}

// MarkFailed records depID in the failed set.
func (m *Manager) MarkFailed(depID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[depID] = struct{}{}
	return m.persistLocked()
}

// ClearFailed removes depID from the failed set, if present.
func (m *Manager) ClearFailed(depID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failed[depID]; !ok {
		return nil
	}
	delete(m.failed, depID)
	return m.persistLocked()
}

// PromoteStatic moves depID into installedStatic, dropping any prior LRU
// entry (a dynamic-to-static transition discards eviction eligibility).
func (m *Manager) PromoteStatic(depID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.lru[depID]; ok {
		m.dynamicBytesUsed -= e.SizeBytes
		if m.dynamicBytesUsed < 0 {
			m.dynamicBytesUsed = 0
		}
		delete(m.lru, depID)
	}
	delete(m.installedDynamic, depID)
	m.installedStatic[depID] = struct{}{}
	delete(m.failed, depID)
	return m.persistLocked()
}

// SetRetry installs or replaces the retry entry for depID.
func (m *Manager) SetRetry(depID string, entry state.RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry[depID] = entry
	return m.persistLocked()
}

// ClearRetry removes the retry entry for depID, if present.
func (m *Manager) ClearRetry(depID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.retry[depID]; !ok {
		return nil
	}
	delete(m.retry, depID)
	return m.persistLocked()
}

// RetryEntry returns the current retry entry for depID, if any.
func (m *Manager) RetryEntry(depID string) (state.RetryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.retry[depID]
	return e, ok
}

// RetryCount returns the number of artifacts currently awaiting a
// scheduled retry, for the RetryQueueDepth gauge.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retry)
}

// DueRetries returns depIds whose nextAttemptAtMs has elapsed, excluding
// any depId in exclude (already fetched this cycle or downloading).
// Entries with no resolved payload are purged as a side effect.
func (m *Manager) DueRetries(nowMs int64, exclude map[string]struct{}) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := false
	due := make([]string, 0)
	for depID, e := range m.retry {
		if len(e.Resolved) == 0 {
			delete(m.retry, depID)
			purged = true
			continue
		}
		if _, skip := exclude[depID]; skip {
			continue
		}
		if _, dl := m.downloading[depID]; dl {
			continue
		}
		if e.NextAttemptAtMs <= nowMs {
			due = append(due, depID)
		}
	}
	sort.Strings(due)
	if purged {
		_ = m.persistLocked()
	}
	return due
}

// Snapshot is a read-only view used for heartbeat/status reporting.
type Snapshot struct {
	InstalledStatic  []string
	InstalledDynamic []string
	Failed           []string
	Downloading      []string
	DynamicBytesUsed int64
}

// Inventory returns a consistent, sorted snapshot of the inventory sets.
func (m *Manager) Inventory() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		InstalledStatic:  fromSet(m.installedStatic),
		InstalledDynamic: fromSet(m.installedDynamic),
		Failed:           fromSet(m.failed),
		Downloading:      fromSet(m.downloading),
		DynamicBytesUsed: m.dynamicBytesUsed,
	}
}

// DiskStats reports current free space at the workspace root.
func (m *Manager) DiskStats() (pathutil.DiskStats, error) {
	return m.statFn(m.workspaceRoot)
}
