// Package pathutil provides traversal-safe path joins, human byte-size
// parsing, and filesystem free-space queries for the workspace subtree.
package pathutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrEscapesBase is returned by SafeJoin when rel would resolve outside base.
var ErrEscapesBase = errors.New("pathutil: path escapes base directory")

// ErrAbsolutePath is returned by SafeJoin when rel is an absolute path.
var ErrAbsolutePath = errors.New("pathutil: relative path must not be absolute")

// SafeJoin joins base and rel, rejecting absolute inputs and any result
// that would lexically escape base. base is assumed already-resolved
// (callers should filepath.Clean/Abs it once at startup).
func SafeJoin(base, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("pathutil: empty relative path")
	}
	if filepath.IsAbs(rel) {
		return "", ErrAbsolutePath
	}

	cleanBase := filepath.Clean(base)
	candidate := filepath.Clean(filepath.Join(cleanBase, rel))

	if candidate != cleanBase && !strings.HasPrefix(candidate, cleanBase+string(filepath.Separator)) {
		return "", ErrEscapesBase
	}
	return candidate, nil
}

var sizePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([a-zA-Z]{0,4})$`)

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
	tib = gib * 1024
)

// ParseBytes parses a human byte-size string (e.g. "5", "5B", "5K", "5KB",
// "5KiB", "5M", "5G", "5T") into a byte count. All multipliers use base
// 1024 regardless of the IEC/SI spelling of the unit, matching the
// control plane's own size strings. An empty unit means bytes. Malformed
// input returns false; callers treat that as "unset, use default."
func ParseBytes(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value < 0 {
		return 0, false
	}

	var mult float64 = 1
	switch strings.ToLower(m[2]) {
	case "", "b":
		mult = 1
	case "k", "kb", "kib":
		mult = kib
	case "m", "mb", "mib":
		mult = mib
	case "g", "gb", "gib":
		mult = gib
	case "t", "tb", "tib":
		mult = tib
	default:
		return 0, false
	}

	return int64(value * mult), true
}

// DiskStats reports total, free, and used bytes for the filesystem
// hosting path.
type DiskStats struct {
	TotalBytes int64 `json:"totalBytes"`
	FreeBytes  int64 `json:"freeBytes"`
	UsedBytes  int64 `json:"usedBytes"`
}

// Stat queries the filesystem hosting path via statfs(2).
func Stat(path string) (DiskStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskStats{}, fmt.Errorf("pathutil: statfs %s: %w", path, err)
	}
	total := int64(st.Blocks) * int64(st.Bsize)
	free := int64(st.Bavail) * int64(st.Bsize)
	used := int64(st.Blocks-st.Bfree) * int64(st.Bsize)
	if used < 0 {
		used = total - free
	}
	return DiskStats{TotalBytes: total, FreeBytes: free, UsedBytes: used}, nil
}
