// Package executor implements the task executor (§4.F): the single
// process(item) entry point invoked by the control loop's worker pool
// for both download and touch queue items, and for synthesized retry
// wake-ups.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/furgen-fcs/dependency-agent/internal/cache"
	"github.com/furgen-fcs/dependency-agent/internal/config"
	"github.com/furgen-fcs/dependency-agent/internal/metrics"
	"github.com/furgen-fcs/dependency-agent/internal/pathutil"
	"github.com/furgen-fcs/dependency-agent/internal/retry"
	"github.com/furgen-fcs/dependency-agent/internal/state"
	"github.com/furgen-fcs/dependency-agent/internal/transport"
)

const maxErrorLen = 500

// DownloadResolved is the resolved payload for op=="download".
type DownloadResolved struct {
	URL               string `json:"url"`
	Auth              string `json:"auth"`
	DestRelativePath  string `json:"destRelativePath"`
	SHA256            string `json:"sha256,omitempty"`
	ExpectedSizeBytes int64  `json:"expectedSizeBytes,omitempty"`
	Kind              string `json:"kind"`
}

// TouchResolved is the resolved payload for op=="touch".
type TouchResolved struct {
	DestRelativePath string `json:"destRelativePath,omitempty"`
	Kind             string `json:"kind,omitempty"`
}

// StatusPoster abstracts the control-plane status RPC so tests can stub
// it without a network round trip.
type StatusPoster interface {
	PostStatus(ctx context.Context, req transport.StatusRequest) error
}

// HeartbeatFunc is invoked opportunistically whenever an eviction pass
// (before a download, or after a successful write) removes at least one
// artifact. The executor calls it without throttling; the function that
// internal/cli installs skips calls made within 2s of its previous one.
type HeartbeatFunc func(ctx context.Context)

// Notifier abstracts the diagnostics console's broadcast so tests can
// leave it nil.
type Notifier interface {
	Notify(eventType string, data any)
}

// Executor processes one queue item at a time (concurrently, one
// goroutine per in-flight item, dispatched by internal/agent's pool).
type Executor struct {
	Cache       *cache.Manager
	Downloader  *transport.Downloader
	Status      StatusPoster
	Heartbeat   HeartbeatFunc
	Diag        Notifier
	Config      config.Config
	Log         *zap.Logger
	Metrics     *metrics.Registry
	InstanceID  string
	Rand        *rand.Rand
}

// Process runs one queue item to completion, reporting every state
// transition to the control plane. It never returns an error that should
// kill the caller — failures are reported via status posts, not panics
// or propagated errors, matching the controller-never-dies contract.
func (e *Executor) Process(ctx context.Context, item transport.QueueItem) {
	switch item.Op {
	case "download":
		e.processDownload(ctx, item)
	case "touch":
		e.processTouch(ctx, item)
	default:
		e.postStatus(ctx, item, transport.StateFailed, fmt.Sprintf("unknown op %q", item.Op))
	}
}

func (e *Executor) processDownload(ctx context.Context, item transport.QueueItem) {
	var resolved DownloadResolved
	if len(item.Resolved) == 0 {
		e.postStatus(ctx, item, transport.StateFailed, "missing resolved info")
		return
	}
	if err := json.Unmarshal(item.Resolved, &resolved); err != nil {
		e.postStatus(ctx, item, transport.StateFailed, "malformed resolved info: "+err.Error())
		return
	}

	if entry, inBackoff := e.Cache.RetryEntry(item.DepID); inBackoff && entry.NextAttemptAtMs > nowMs() {
		remaining := (entry.NextAttemptAtMs - nowMs()) / 1000
		e.postStatus(ctx, item, transport.StateRetrying,
			fmt.Sprintf("backing off, retrying in %ds: %s", remaining, entry.LastError))
		return
	}

	e.Cache.SetDownloading(item.DepID)
	defer e.Cache.ClearDownloading(item.DepID)
	e.postStatus(ctx, item, transport.StateRunning, "")

	dest, err := pathutil.SafeJoin(e.Config.ComfyUIDir, resolved.DestRelativePath)
	if err != nil {
		e.failNonRetryable(ctx, item, err)
		return
	}
	partial := transport.PartialPath(dest)

	authHeader, err := e.Config.ResolveAuthHeader(resolved.Auth)
	if err != nil {
		e.failNonRetryable(ctx, item, err)
		return
	}

	// Fast path: file already present.
	if info, statErr := os.Stat(dest); statErr == nil {
		if resolved.SHA256 == "" || sha256Matches(dest, resolved.SHA256) {
			e.finishSuccess(ctx, item, resolved, dest, info.Size())
			return
		}
		// Digest mismatch: fall through to a fresh download.
	}

	evicted, err := e.Cache.EnsureSpace(ctx, resolved.ExpectedSizeBytes, item.DepID)
	if err != nil {
		e.handleFailure(ctx, item, err)
		return
	}
	if evicted > 0 {
		if e.Metrics != nil {
			e.Metrics.EvictionsTotal.Add(float64(evicted))
		}
		if e.Heartbeat != nil {
			e.Heartbeat(ctx)
		}
	}

	written, err := e.Downloader.DownloadTo(ctx, resolved.URL, partial, authHeader, resolved.ExpectedSizeBytes)
	if err != nil {
		e.handleFailure(ctx, item, err)
		return
	}

	if resolved.SHA256 != "" && !sha256Matches(partial, resolved.SHA256) {
		_ = os.Remove(partial)
		// The origin may have been mid-deploy: treat as retryable, not a
		// configuration error, per the executor's classification note.
		e.handleFailure(ctx, item, fmt.Errorf("sha256 mismatch for %s", partial))
		return
	}

	if err := os.Rename(partial, dest); err != nil {
		e.handleFailure(ctx, item, fmt.Errorf("rename %s -> %s: %w", partial, dest, err))
		return
	}

	e.finishSuccess(ctx, item, resolved, dest, written)
}

func (e *Executor) finishSuccess(ctx context.Context, item transport.QueueItem, resolved DownloadResolved, dest string, size int64) {
	// Clear downloading before any heartbeat-triggering work below: a
	// heartbeat fired from the EvictToFloor branch must see this depId as
	// settled, not still in flight.
	e.Cache.ClearDownloading(item.DepID)

	var err error
	if resolved.Kind == "dynamic" {
		err = e.Cache.Touch(item.DepID, resolved.DestRelativePath)
	} else {
		err = e.Cache.PromoteStatic(item.DepID)
	}
	if err != nil {
		e.Log.Error("inventory update after download failed", zap.String("depId", item.DepID), zap.Error(err))
	}
	_ = e.Cache.ClearFailed(item.DepID)
	_ = e.Cache.ClearRetry(item.DepID)

	// EvictToFloor no-ops when the merged policy disables eviction; this
	// call maintains the configured floor immediately after write.
	if n, evErr := e.Cache.EvictToFloor(map[string]struct{}{item.DepID: {}}); evErr == nil && n > 0 {
		if e.Metrics != nil {
			e.Metrics.EvictionsTotal.Add(float64(n))
		}
		if e.Heartbeat != nil {
			e.Heartbeat(ctx)
		}
	}

	if e.Metrics != nil {
		e.Metrics.DownloadsTotal.WithLabelValues("succeeded").Inc()
		e.Metrics.BytesDownloaded.Add(float64(size))
	}

	e.postStatus(ctx, item, transport.StateSucceeded, "")
}

func (e *Executor) handleFailure(ctx context.Context, item transport.QueueItem, err error) {
	if retry.Classify(err) == retry.NonRetryable {
		e.failNonRetryable(ctx, item, err)
		return
	}

	entry, _ := e.Cache.RetryEntry(item.DepID)
	attempts := entry.Attempts + 1
	msg := truncate(err.Error(), maxErrorLen)
	delay := retry.NextDelay(attempts, msg, e.Rand)
	now := nowMs()

	newEntry := state.RetryEntry{
		ItemID:          item.ItemID,
		Resolved:        item.Resolved,
		Attempts:        attempts,
		NextAttemptAtMs: now + delay.Milliseconds(),
		LastError:       msg,
		LastAttemptAtMs: now,
	}
	if serr := e.Cache.SetRetry(item.DepID, newEntry); serr != nil {
		e.Log.Error("persist retry entry failed", zap.Error(serr))
	}
	_ = e.Cache.MarkFailed(item.DepID)

	if e.Metrics != nil {
		e.Metrics.DownloadsTotal.WithLabelValues("retrying").Inc()
	}

	e.postStatus(ctx, item, transport.StateRetrying, msg)
}

func (e *Executor) failNonRetryable(ctx context.Context, item transport.QueueItem, err error) {
	_ = e.Cache.MarkFailed(item.DepID)
	if e.Metrics != nil {
		e.Metrics.DownloadsTotal.WithLabelValues("failed").Inc()
	}
	e.postStatus(ctx, item, transport.StateFailed, truncate(err.Error(), maxErrorLen))
}

func (e *Executor) processTouch(ctx context.Context, item transport.QueueItem) {
	var resolved TouchResolved
	if len(item.Resolved) > 0 {
		_ = json.Unmarshal(item.Resolved, &resolved)
	}

	e.postStatus(ctx, item, transport.StateRunning, "")
	if err := e.Cache.Touch(item.DepID, resolved.DestRelativePath); err != nil {
		e.postStatus(ctx, item, transport.StateFailed, truncate(err.Error(), maxErrorLen))
		return
	}
	e.postStatus(ctx, item, transport.StateSucceeded, "")
}

func (e *Executor) postStatus(ctx context.Context, item transport.QueueItem, s transport.ItemState, errMsg string) {
	if e.Status == nil {
		return
	}
	inv := e.Cache.Inventory()
	diskStats, _ := e.Cache.DiskStats()

	req := transport.StatusRequest{
		InstanceID:       e.InstanceID,
		ItemID:           item.ItemID,
		DepID:            item.DepID,
		Op:               item.Op,
		State:            s,
		DiskStats:        transport.DiskStats{TotalBytes: diskStats.TotalBytes, FreeBytes: diskStats.FreeBytes, UsedBytes: diskStats.UsedBytes},
		DynamicBytesUsed: inv.DynamicBytesUsed,
		Error:            errMsg,
	}
	if err := e.Status.PostStatus(ctx, req); err != nil {
		e.Log.Warn("status post failed", zap.String("depId", item.DepID), zap.String("state", string(s)), zap.Error(err))
	}

	if e.Diag != nil {
		e.Diag.Notify("state_transition", req)
	}
}

func sha256Matches(path, expected string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), expected)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
