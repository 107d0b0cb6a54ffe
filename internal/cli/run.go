// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/furgen-fcs/dependency-agent/internal/agent"
	"github.com/furgen-fcs/dependency-agent/internal/cache"
	"github.com/furgen-fcs/dependency-agent/internal/config"
	"github.com/furgen-fcs/dependency-agent/internal/diagnostics"
	"github.com/furgen-fcs/dependency-agent/internal/executor"
	"github.com/furgen-fcs/dependency-agent/internal/logging"
	"github.com/furgen-fcs/dependency-agent/internal/metrics"
	"github.com/furgen-fcs/dependency-agent/internal/state"
	"github.com/furgen-fcs/dependency-agent/internal/transport"
)

// ErrStartup wraps any failure that happens before the steady-state
// loop is reached; cmd/dependency-agent maps it to exit code 2.
var ErrStartup = errors.New("cli: unrecoverable startup failure")

func newRunCmd(ctx context.Context) *cobra.Command {
	var logLevel string
	var logFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent's registration and dispatch loop (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(ctx, logLevel, logFile)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to a file in addition to stderr")

	return cmd
}

func runAgent(ctx context.Context, logLevel, logFile string) error {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	log, err := logging.New(logLevel, logFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	store := state.New(cfg.StatePath)
	cacheMgr := cache.New(store, cfg.ComfyUIDir, cache.DefaultPolicy())

	control := transport.NewControlPlane(cfg.APIBaseURL, cfg.SharedSecret)
	downloader := transport.NewDownloader(
		transport.NewAllowList(cfg.AllowedDomains),
		int64(cfg.DownloadChunkMiB)<<20,
		time.Duration(cfg.DownloadTimeoutSecs)*time.Second,
	)

	diag := diagnostics.New(diagnostics.Config{Addr: cfg.DiagAddr}, cacheMgr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	exec := &executor.Executor{
		Cache:      cacheMgr,
		Downloader: downloader,
		Status:     control,
		Diag:       diag,
		Config:     cfg,
		Log:        log,
		Metrics:    metricsReg,
		Rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	a := &agent.Agent{
		Config:   cfg,
		Control:  control,
		Cache:    cacheMgr,
		Executor: exec,
		Log:      log,
		Metrics:  metricsReg,
		Rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	// Opportunistic heartbeat, triggered by the executor when an eviction
	// pass removed something; at most one every 2s, best-effort, errors
	// logged and otherwise ignored (the scheduled heartbeat in the control
	// loop will retry re-registration if the credentials themselves are
	// the problem).
	var hbMu sync.Mutex
	var lastHB time.Time
	exec.Heartbeat = func(ctx context.Context) {
		hbMu.Lock()
		if time.Since(lastHB) < 2*time.Second {
			hbMu.Unlock()
			return
		}
		lastHB = time.Now()
		hbMu.Unlock()

		// Reconcile before every heartbeat (§4.D): the control plane's view
		// of installed/dynamic artifacts must reflect the filesystem, not a
		// stale in-memory index.
		if err := cacheMgr.Reconcile(); err != nil {
			log.Warn("reconcile before opportunistic heartbeat failed", zap.Error(err))
		}
		inv := cacheMgr.Inventory()
		disk, _ := cacheMgr.DiskStats()
		req := transport.HeartbeatRequest{
			InstanceID:             a.InstanceID(),
			InstalledStaticDepIDs:  inv.InstalledStatic,
			InstalledDynamicDepIDs: inv.InstalledDynamic,
			DownloadingDepIDs:      cacheMgr.DownloadingSnapshot(),
			FailedDepIDs:           inv.Failed,
			DiskStats:              transport.DiskStats{TotalBytes: disk.TotalBytes, FreeBytes: disk.FreeBytes, UsedBytes: disk.UsedBytes},
			DynamicBytesUsed:       inv.DynamicBytesUsed,
		}
		if err := control.Heartbeat(ctx, req); err != nil {
			log.Warn("opportunistic heartbeat failed", zap.Error(err))
		}
	}

	diagErrCh := make(chan error, 1)
	go func() { diagErrCh <- diag.ListenAndServe(ctx) }()

	runErr := a.Run(ctx)

	select {
	case derr := <-diagErrCh:
		if derr != nil {
			log.Warn("diagnostics server exited with error", zap.Error(derr))
		}
	default:
	}

	return runErr
}
