// Package state persists the agent's inventory, LRU index, and retry
// schedule as a single atomically-written JSON document.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LRUEntry is the dynamic-index value for one artifact.
type LRUEntry struct {
	DestRelativePath string `json:"destRelativePath"`
	SizeBytes        int64  `json:"sizeBytes"`
	LastTouchedAtMs  int64  `json:"lastTouchedAtMs"`
}

// RetryEntry is the retry-table value for one artifact awaiting a
// scheduled re-attempt.
type RetryEntry struct {
	ItemID          string          `json:"itemId"`
	Resolved        json.RawMessage `json:"resolved"`
	Attempts        int             `json:"attempts"`
	NextAttemptAtMs int64           `json:"nextAttemptAtMs"`
	LastError       string          `json:"lastError"`
	LastAttemptAtMs int64           `json:"lastAttemptAtMs"`
}

// Snapshot is the on-disk document shape.
type Snapshot struct {
	InstalledStatic  []string              `json:"installed_static"`
	InstalledDynamic []string              `json:"installed_dynamic"`
	Failed           []string              `json:"failed"`
	LRU              map[string]LRUEntry   `json:"lru"`
	Retry            map[string]RetryEntry `json:"retry"`
	UpdatedAtMs      int64                 `json:"updatedAtMs"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		InstalledStatic:  []string{},
		InstalledDynamic: []string{},
		Failed:           []string{},
		LRU:              map[string]LRUEntry{},
		Retry:            map[string]RetryEntry{},
	}
}

// Store owns a Snapshot on disk at path and provides crash-safe,
// canonically-ordered persistence. Store itself holds no lock — callers
// (internal/cache, internal/executor) serialize access via the single
// state mutex described in the concurrency model.
type Store struct {
	path string
}

// New returns a Store bound to path. It does not touch disk.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot from disk. A missing file, a parse failure, or
// a malformed top-level shape all yield an empty snapshot — ground truth
// is re-established by reconciliation against the filesystem on the
// first heartbeat, per the persistence contract.
func (s *Store) Load() Snapshot {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return emptySnapshot()
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return emptySnapshot()
	}

	if snap.InstalledStatic == nil {
		snap.InstalledStatic = []string{}
	}
	if snap.InstalledDynamic == nil {
		snap.InstalledDynamic = []string{}
	}
	if snap.Failed == nil {
		snap.Failed = []string{}
	}
	if snap.LRU == nil {
		snap.LRU = map[string]LRUEntry{}
	}
	if snap.Retry == nil {
		snap.Retry = map[string]RetryEntry{}
	}

	// Field-level validation: drop individual malformed entries rather
	// than discarding the whole document.
	for depID, e := range snap.LRU {
		if e.DestRelativePath == "" || e.SizeBytes < 0 {
			delete(snap.LRU, depID)
		}
	}
	for depID, e := range snap.Retry {
		if len(e.Resolved) == 0 {
			delete(snap.Retry, depID)
		}
	}

	return snap
}

// Save writes snap atomically: serialize to a sibling .tmp file, then
// rename over the target path (the .tmp file is not fsynced). Arrays are sorted and map keys are
// emitted in sorted order by encoding/json by default for maps, so two
// consecutive saves of logically-equal state produce byte-identical
// output (canonical ordering invariant).
func (s *Store) Save(snap Snapshot) error {
	snap.InstalledStatic = sortedCopy(snap.InstalledStatic)
	snap.InstalledDynamic = sortedCopy(snap.InstalledDynamic)
	snap.Failed = sortedCopy(snap.Failed)
	snap.UpdatedAtMs = time.Now().UnixMilli()

	if snap.LRU == nil {
		snap.LRU = map[string]LRUEntry{}
	}
	if snap.Retry == nil {
		snap.Retry = map[string]RetryEntry{}
	}

	buf, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir %s: %w", dir, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("state: write tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: rename %s -> %s: %w", tmp, s.path, err)
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// DynamicBytesUsed sums sizeBytes across all LRU entries.
func DynamicBytesUsed(lru map[string]LRUEntry) int64 {
	var total int64
	for _, e := range lru {
		total += e.SizeBytes
	}
	return total
}
