// Package agent implements the control loop (§4.G): registration with
// backoff, the steady-state poll/heartbeat/dispatch cycle, and
// cooperative shutdown. It is the top-level driver that wires
// internal/transport, internal/cache and internal/executor together.
package agent

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/furgen-fcs/dependency-agent/internal/cache"
	"github.com/furgen-fcs/dependency-agent/internal/config"
	"github.com/furgen-fcs/dependency-agent/internal/executor"
	"github.com/furgen-fcs/dependency-agent/internal/metrics"
	"github.com/furgen-fcs/dependency-agent/internal/transport"
)

// AgentVersion is reported to the control plane on registration.
const AgentVersion = "1.0.0"

// probeURLs is consulted, in order, for best-effort public-IP detection
// when neither DM_INSTANCE_ID nor DM_INSTANCE_IP is configured. The
// first IPv4 response wins; failures of individual probes are swallowed.
var probeURLs = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
	"https://ifconfig.me/ip",
}

const (
	registerBaseDelay = 1 * time.Second
	registerMaxDelay  = 60 * time.Second
	registerBackoff   = 1.5

	apiErrorSleep = 5 * time.Second
	maxQueueItems = 25
)

// Agent drives the registration and steady-state loop described in
// §4.G. It owns no network connections beyond what ControlPlane and
// Downloader hold, so it can be constructed freely in tests.
type Agent struct {
	Config    config.Config
	Control   *transport.ControlPlane
	Cache     *cache.Manager
	Executor  *executor.Executor
	Log       *zap.Logger
	Metrics   *metrics.Registry
	Rand      *rand.Rand
	HTTPProbe *http.Client

	instanceID    string
	lastHeartbeat time.Time
	inflight      map[string]struct{}
	inflightMu    sync.Mutex
	wg            sync.WaitGroup
}

// Run registers with the control plane and blocks in the steady-state
// loop until ctx is cancelled. Cancellation does not wait for in-flight
// downloads: partials remain on disk for resume on the next start.
func (a *Agent) Run(ctx context.Context) error {
	if a.Rand == nil {
		a.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if a.inflight == nil {
		a.inflight = make(map[string]struct{})
	}

	if err := a.register(ctx); err != nil {
		return err
	}

	sem := make(chan struct{}, maxParallel(a.Config.MaxParallel))
	results := make(chan string, maxQueueItems*2)

	for {
		select {
		case <-ctx.Done():
			// Cancelled without waiting for in-flight downloads: partials
			// remain on disk and resume on the next start.
			return nil
		default:
		}

		a.maybeHeartbeat(ctx, nil)

		items, err := a.Control.FetchQueue(ctx, a.instanceID, maxQueueItems)
		if err != nil {
			if a.handleControlPlaneError(ctx, err) {
				continue
			}
		}

		if len(items) > 0 {
			depth := len(items) + a.inflightCount()
			a.maybeHeartbeat(ctx, &depth)
		}

		a.reapCompleted(results)

		a.dispatchItems(ctx, items, sem, results)

		due := a.Cache.DueRetries(nowMs(), a.excludeSet(items))
		a.dispatchRetries(ctx, due, sem, results)

		if a.Metrics != nil {
			a.Metrics.RetryQueueDepth.Set(float64(a.Cache.RetryCount()))
		}

		a.sleepJittered(ctx, time.Duration(a.Config.PollSeconds)*time.Second)
	}
}

func (a *Agent) register(ctx context.Context) error {
	req := transport.RegisterRequest{
		ServerType: a.Config.ServerType,
		AgentVer:   AgentVersion,
		InstanceID: a.Config.InstanceID,
		InstanceIP: a.Config.InstanceIP,
	}
	if req.InstanceID == "" && req.InstanceIP == "" {
		req.InstanceIP = a.detectPublicIP(ctx)
	}

	delay := registerBaseDelay
	for {
		resp, err := a.Control.Register(ctx, req)
		if err == nil {
			a.instanceID = resp.InstanceID

			// Two-level precedence (§4.H): env overrides always apply, on
			// top of whatever baseline the profile provides (or the cache
			// package's defaults, if the server sent no profile at all).
			var dp transport.DynamicPolicy
			if resp.Profile != nil && resp.Profile.DynamicPolicy != nil {
				dp = *resp.Profile.DynamicPolicy
			} else {
				def := cache.DefaultPolicy()
				dp = transport.DynamicPolicy{
					Enabled: def.Enabled, MinFreeBytes: def.MinFreeBytes,
					MaxDynamicBytes: def.MaxDynamicBytes, EvictionBatchMax: def.EvictionBatchMax,
					PinTTLMs: def.PinTTLMs,
				}
			}
			policy := a.Config.MergePolicy(dp.Enabled, dp.MinFreeBytes, dp.MaxDynamicBytes, dp.EvictionBatchMax, dp.PinTTLMs)
			a.Cache.SetPolicy(policy)
			a.Log.Info("registered", zap.String("instanceId", a.instanceID))
			return nil
		}

		a.Log.Warn("registration failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * registerBackoff)
		if delay > registerMaxDelay {
			delay = registerMaxDelay
		}
	}
}

// detectPublicIP tries each probe in order and returns the first IPv4
// response. All probe failures are swallowed; an empty string means
// the agent registers with neither id nor ip and relies on the control
// plane to mint one.
func (a *Agent) detectPublicIP(ctx context.Context) string {
	client := a.HTTPProbe
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	for _, probe := range probeURLs {
		reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probe, nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			cancel()
			continue
		}
		buf := make([]byte, 64)
		n, _ := resp.Body.Read(buf)
		resp.Body.Close()
		cancel()

		candidate := string(buf[:n])
		candidate = trimIP(candidate)
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			return candidate
		}
	}
	return ""
}

func trimIP(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func (a *Agent) maybeHeartbeat(ctx context.Context, queueDepth *int) {
	interval := time.Duration(a.Config.HeartbeatSecs) * time.Second
	opportunistic := queueDepth != nil
	since := time.Since(a.lastHeartbeat)
	if !opportunistic && since < interval {
		return
	}
	if opportunistic && since < 5*time.Second {
		return
	}

	// Reconcile before every heartbeat (§4.D): the installed/dynamic sets
	// reported to the control plane must reflect the filesystem, not a
	// stale in-memory index.
	if err := a.Cache.Reconcile(); err != nil {
		a.Log.Warn("reconcile before heartbeat failed", zap.Error(err))
	}

	inv := a.Cache.Inventory()
	diskStats, _ := a.Cache.DiskStats()

	req := transport.HeartbeatRequest{
		InstanceID:             a.instanceID,
		InstalledStaticDepIDs:  inv.InstalledStatic,
		InstalledDynamicDepIDs: inv.InstalledDynamic,
		DownloadingDepIDs:      a.Cache.DownloadingSnapshot(),
		FailedDepIDs:           inv.Failed,
		DiskStats:              transport.DiskStats{TotalBytes: diskStats.TotalBytes, FreeBytes: diskStats.FreeBytes, UsedBytes: diskStats.UsedBytes},
		DynamicBytesUsed:       inv.DynamicBytesUsed,
		QueueDepth:             queueDepth,
	}

	start := time.Now()
	if err := a.Control.Heartbeat(ctx, req); err != nil {
		a.Log.Warn("heartbeat failed", zap.Error(err))
		a.handleControlPlaneError(ctx, err)
		return
	}
	if a.Metrics != nil {
		a.Metrics.HeartbeatLatency.Observe(time.Since(start).Seconds())
	}
	a.lastHeartbeat = time.Now()
}

// handleControlPlaneError applies §4.G's error policy: 401/403 triggers
// re-registration, any other ApiError or transport error logs and
// sleeps 5s. It reports whether the caller's current loop iteration
// should restart immediately (re-registration succeeded).
func (a *Agent) handleControlPlaneError(ctx context.Context, err error) bool {
	if errors.Is(err, transport.ErrUnauthorized) {
		a.Log.Warn("control plane rejected credentials, re-registering")
		if rerr := a.register(ctx); rerr != nil {
			a.Log.Error("re-registration failed", zap.Error(rerr))
			sleepCtx(ctx, apiErrorSleep)
			return false
		}
		return true
	}
	a.Log.Warn("control plane error", zap.Error(err))
	sleepCtx(ctx, apiErrorSleep)
	return false
}

func (a *Agent) dispatchItems(ctx context.Context, items []transport.QueueItem, sem chan struct{}, results chan<- string) {
	for _, item := range items {
		if a.isInflight(item.DepID) {
			continue
		}
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		a.runItem(ctx, item, sem, results)
	}
}

func (a *Agent) dispatchRetries(ctx context.Context, depIDs []string, sem chan struct{}, results chan<- string) {
	for _, depID := range depIDs {
		if a.isInflight(depID) {
			continue
		}
		entry, ok := a.Cache.RetryEntry(depID)
		if !ok {
			continue
		}
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		item := transport.QueueItem{ItemID: entry.ItemID, DepID: depID, Op: "download", Resolved: entry.Resolved}
		a.runItem(ctx, item, sem, results)
	}
}

// InstanceID returns the id assigned at registration, or "" before the
// agent has registered.
func (a *Agent) InstanceID() string {
	return a.instanceID
}

// Wait blocks until all dispatched workers have returned. Run itself
// never calls this on shutdown (per §4.G); callers that want a bounded
// drain before process exit can call it with their own timeout.
func (a *Agent) Wait() {
	a.wg.Wait()
}

func (a *Agent) runItem(ctx context.Context, item transport.QueueItem, sem <-chan struct{}, results chan<- string) {
	a.markInflight(item.DepID)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-sem }()
		defer func() {
			if r := recover(); r != nil {
				a.Log.Error("worker panic", zap.Any("recover", r), zap.String("depId", item.DepID))
			}
		}()
		a.Executor.Process(ctx, item)
		select {
		case results <- item.DepID:
		default:
		}
	}()
}

func (a *Agent) reapCompleted(results <-chan string) {
	for {
		select {
		case depID := <-results:
			a.clearInflight(depID)
		default:
			return
		}
	}
}

func (a *Agent) excludeSet(items []transport.QueueItem) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it.DepID] = struct{}{}
	}
	return set
}

func (a *Agent) isInflight(depID string) bool {
	a.inflightMu.Lock()
	defer a.inflightMu.Unlock()
	_, ok := a.inflight[depID]
	return ok
}

func (a *Agent) markInflight(depID string) {
	a.inflightMu.Lock()
	a.inflight[depID] = struct{}{}
	a.inflightMu.Unlock()
}

func (a *Agent) clearInflight(depID string) {
	a.inflightMu.Lock()
	delete(a.inflight, depID)
	a.inflightMu.Unlock()
}

func (a *Agent) inflightCount() int {
	a.inflightMu.Lock()
	defer a.inflightMu.Unlock()
	return len(a.inflight)
}

func (a *Agent) sleepJittered(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	jitterFrac := 0.8 + a.Rand.Float64()*0.4 // ±20%
	jittered := time.Duration(float64(d) * jitterFrac)
	sleepCtx(ctx, jittered)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func maxParallel(n int) int {
	if n < 1 {
		return 1
	}
	if n > 4 {
		return 4
	}
	return n
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
