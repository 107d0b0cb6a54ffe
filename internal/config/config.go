// Package config derives the agent's configuration from environment
// variables, with graceful fallback to documented defaults on any
// malformed value — parsing never aborts the process (§4.H).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/furgen-fcs/dependency-agent/internal/cache"
	"github.com/furgen-fcs/dependency-agent/internal/retry"
)

// Config is the fully-resolved, validated configuration surface (§6).
type Config struct {
	APIBaseURL     string
	ServerType     string
	SharedSecret   string
	HFToken        string
	CivitaiToken   string
	InstanceID     string
	InstanceIP     string
	Workspace      string
	ComfyUIDir     string
	StatePath      string
	PollSeconds    int
	HeartbeatSecs  int
	MaxParallel    int
	AllowedDomains []string
	DownloadTimeoutSecs int
	DownloadChunkMiB    int
	VerboseProgress     bool

	// Env-level overrides of the dynamic eviction policy; nil fields mean
	// "let the server profile decide" (two-level precedence, §4.H).
	EvictionEnabled  *bool
	MinFreeBytes     *int64
	MaxDynamicBytes  *int64
	EvictionBatchMax *int
	PinTTLSeconds    *int

	DiagAddr string
}

// Load reads the environment and returns a Config. Required variables
// missing entirely is the only hard failure (exit code 2 per §6);
// everything else degrades to its documented default.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	apiBase := getenv("FCS_API_BASE_URL")
	serverType := getenv("SERVER_TYPE")
	if apiBase == "" {
		return Config{}, fmt.Errorf("config: FCS_API_BASE_URL is required")
	}
	if serverType == "" {
		return Config{}, fmt.Errorf("config: SERVER_TYPE is required")
	}

	workspace := envStr(getenv, "WORKSPACE", "/workspace")
	comfy := envStr(getenv, "DM_COMFYUI_DIR", workspace+"/ComfyUI")
	statePath := envStr(getenv, "DM_STATE_PATH", workspace+"/dependency_agent_state.json")

	cfg := Config{
		APIBaseURL:          apiBase,
		ServerType:          serverType,
		SharedSecret:        getenv("DEPENDENCY_MANAGER_SHARED_SECRET"),
		HFToken:             getenv("HF_TOKEN"),
		CivitaiToken:        getenv("CIVITAI_TOKEN"),
		InstanceID:          getenv("DM_INSTANCE_ID"),
		InstanceIP:          getenv("DM_INSTANCE_IP"),
		Workspace:           workspace,
		ComfyUIDir:          comfy,
		StatePath:           statePath,
		PollSeconds:         envIntClamped(getenv, "DM_POLL_SECONDS", 5, 1, 3600),
		HeartbeatSecs:       envIntClamped(getenv, "DM_HEARTBEAT_SECONDS", 30, 1, 3600),
		MaxParallel:         envIntClamped(getenv, "MAX_PARALLEL_DOWNLOADS", 1, 1, 4),
		AllowedDomains:      splitCSV(envStr(getenv, "DM_ALLOWED_DOMAINS", "huggingface.co,hf.co,civitai.com")),
		DownloadTimeoutSecs: envIntClamped(getenv, "DM_DOWNLOAD_TIMEOUT_SECONDS", 300, 30, 3600),
		DownloadChunkMiB:    envIntClamped(getenv, "DM_DOWNLOAD_CHUNK_MIB", 1, 1, 32),
		VerboseProgress:     envBool(getenv, "DM_VERBOSE_PROGRESS", false),
		DiagAddr:            envStr(getenv, "DM_DIAG_ADDR", "127.0.0.1:9393"),
	}

	if v, ok := envBoolPtr(getenv, "DM_DYNAMIC_EVICTION_ENABLED"); ok {
		cfg.EvictionEnabled = v
	}
	if v, ok := envInt64Ptr(getenv, "DM_DYNAMIC_MIN_FREE_BYTES"); ok {
		cfg.MinFreeBytes = v
	}
	if v, ok := envInt64Ptr(getenv, "DM_DYNAMIC_MAX_BYTES"); ok {
		cfg.MaxDynamicBytes = v
	}
	if v, ok := envIntPtr(getenv, "DM_EVICTION_BATCH_MAX"); ok {
		cfg.EvictionBatchMax = v
	}
	if v, ok := envIntPtr(getenv, "DM_PIN_TTL_SECONDS"); ok {
		cfg.PinTTLSeconds = v
	}

	return cfg, nil
}

// MergePolicy resolves the two-level precedence (environment overrides >
// profile-from-server) into a concrete cache.Policy.
func (c Config) MergePolicy(profileEnabled bool, profileMinFree, profileMaxDynamic int64, profileBatchMax int, profilePinTTLMs int64) cache.Policy {
	p := cache.DefaultPolicy()
	p.Enabled = profileEnabled
	if profileMinFree > 0 {
		p.MinFreeBytes = profileMinFree
	}
	p.MaxDynamicBytes = profileMaxDynamic
	if profileBatchMax > 0 {
		p.EvictionBatchMax = profileBatchMax
	}
	if profilePinTTLMs > 0 {
		p.PinTTLMs = profilePinTTLMs
	}

	if c.EvictionEnabled != nil {
		p.Enabled = *c.EvictionEnabled
	}
	if c.MinFreeBytes != nil {
		p.MinFreeBytes = *c.MinFreeBytes
	}
	if c.MaxDynamicBytes != nil {
		p.MaxDynamicBytes = *c.MaxDynamicBytes
	}
	if c.EvictionBatchMax != nil {
		p.EvictionBatchMax = *c.EvictionBatchMax
	}
	if c.PinTTLSeconds != nil {
		p.PinTTLMs = int64(*c.PinTTLSeconds) * 1000
	}
	return p
}

func envStr(getenv func(string) string, key, def string) string {
	v := getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntClamped(getenv func(string) string, key string, def, min, max int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func envBool(getenv func(string) string, key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envBoolPtr(getenv func(string) string, key string) (*bool, bool) {
	raw := getenv(key)
	if raw == "" {
		return nil, false
	}
	b := envBool(getenv, key, false)
	return &b, true
}

func envInt64Ptr(getenv func(string) string, key string) (*int64, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &n, true
}

func envIntPtr(getenv func(string) string, key string) (*int, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return nil, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, false
	}
	return &n, true
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ResolveAuthHeader maps the queue item's auth enum to an Authorization
// header value, failing non-retryably when a token is required but
// absent or the auth kind is unrecognized.
func (c Config) ResolveAuthHeader(authKind string) (string, error) {
	switch authKind {
	case "", "none":
		return "", nil
	case "hf_token":
		if c.HFToken == "" {
			return "", fmt.Errorf("%w: HF_TOKEN", retry.ErrMissingAuthToken)
		}
		return "Bearer " + c.HFToken, nil
	case "civitai_token":
		if c.CivitaiToken == "" {
			return "", fmt.Errorf("%w: CIVITAI_TOKEN", retry.ErrMissingAuthToken)
		}
		return "Bearer " + c.CivitaiToken, nil
	default:
		return "", fmt.Errorf("%w: %s", retry.ErrUnsupportedAuth, authKind)
	}
}
