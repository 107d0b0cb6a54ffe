// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package diagnostics serves a local, read-only HTTP+WebSocket console
// bound to DM_DIAG_ADDR: health, Prometheus metrics, a point-in-time
// inventory snapshot, and a live event stream. Nothing here can mutate
// agent state — it exists purely for operator visibility into a
// headless daemon with no attached terminal.
package diagnostics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/furgen-fcs/dependency-agent/internal/cache"
)

const agentVersion = "1.0.0"

// Config configures the diagnostics console.
type Config struct {
	Addr string
}

// Server is the local diagnostics HTTP server.
type Server struct {
	config     Config
	cache      *cache.Manager
	registerer interface {
		Handler() http.Handler
	}
	hub        *hub
	httpServer *http.Server
}

// metricsHandler abstracts the Prometheus registry's handler so this
// package doesn't need to import the metrics registry's concrete type.
type metricsHandler struct {
	h http.Handler
}

func (m metricsHandler) Handler() http.Handler { return m.h }

// New builds a diagnostics server over cacheMgr, exposing metricsHTTP
// (typically promhttp.HandlerFor the agent's registry) at /metrics.
func New(cfg Config, cacheMgr *cache.Manager, metricsHTTP http.Handler) *Server {
	if metricsHTTP == nil {
		metricsHTTP = promhttp.Handler()
	}
	return &Server{
		config:     cfg,
		cache:      cacheMgr,
		registerer: metricsHandler{h: metricsHTTP},
		hub:        newHub(),
	}
}

// Notify broadcasts an inventory or health event to connected clients.
// Safe to call from any goroutine; a full client send buffer drops the
// message for that client rather than blocking the caller.
func (s *Server) Notify(eventType string, data any) {
	s.hub.Broadcast(eventType, data)
}

// ListenAndServe starts the console and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.config.Addr == "" {
		<-ctx.Done()
		return nil
	}

	go s.hub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.registerer.Handler())
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("diagnostics: listening on http://%s", s.config.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": agentVersion,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// stateResponse mirrors the control plane's heartbeat shape so operators
// can cross-check what the agent is about to (or just did) report.
type stateResponse struct {
	InstalledStatic  []string `json:"installedStatic"`
	InstalledDynamic []string `json:"installedDynamic"`
	Failed           []string `json:"failed"`
	Downloading      []string `json:"downloading"`
	DynamicBytesUsed int64    `json:"dynamicBytesUsed"`
	DiskTotalBytes   int64    `json:"diskTotalBytes"`
	DiskFreeBytes    int64    `json:"diskFreeBytes"`
	DiskUsedBytes    int64    `json:"diskUsedBytes"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	inv := s.cache.Inventory()
	disk, err := s.cache.DiskStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "disk stats unavailable", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{
		InstalledStatic:  inv.InstalledStatic,
		InstalledDynamic: inv.InstalledDynamic,
		Failed:           inv.Failed,
		Downloading:      s.cache.DownloadingSnapshot(),
		DynamicBytesUsed: inv.DynamicBytesUsed,
		DiskTotalBytes:   disk.TotalBytes,
		DiskFreeBytes:    disk.FreeBytes,
		DiskUsedBytes:    disk.UsedBytes,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("diagnostics: ws upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  s.hub,
	}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()

	s.sendInitialState(c)
}

func (s *Server) sendInitialState(c *client) {
	inv := s.cache.Inventory()
	disk, _ := s.cache.DiskStats()

	payload := event{Type: "init", Data: stateResponse{
		InstalledStatic:  inv.InstalledStatic,
		InstalledDynamic: inv.InstalledDynamic,
		Failed:           inv.Failed,
		Downloading:      s.cache.DownloadingSnapshot(),
		DynamicBytesUsed: inv.DynamicBytesUsed,
		DiskTotalBytes:   disk.TotalBytes,
		DiskFreeBytes:    disk.FreeBytes,
		DiskUsedBytes:    disk.UsedBytes,
	}}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		select {
		case c.send <- data:
		default:
		}
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse mirrors the teacher's ErrorResponse shape.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}
