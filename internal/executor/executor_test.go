package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/furgen-fcs/dependency-agent/internal/cache"
	"github.com/furgen-fcs/dependency-agent/internal/config"
	"github.com/furgen-fcs/dependency-agent/internal/state"
	"github.com/furgen-fcs/dependency-agent/internal/transport"
	"github.com/stretchr/testify/require"
)

type recordingStatus struct {
	posts []transport.StatusRequest
}

func (r *recordingStatus) PostStatus(_ context.Context, req transport.StatusRequest) error {
	r.posts = append(r.posts, req)
	return nil
}

func newTestExecutor(t *testing.T, workspace string) (*Executor, *recordingStatus) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "state.json")
	policy := cache.DefaultPolicy()
	mgr := cache.New(state.New(statePath), workspace, policy)

	rec := &recordingStatus{}
	cfg := config.Config{ComfyUIDir: workspace, HFToken: "t"}

	return &Executor{
		Cache:      mgr,
		Downloader: transport.NewDownloader(transport.NewAllowList(nil), 1<<20, 5*time.Second),
		Status:     rec,
		Config:     cfg,
		Log:        zap.NewNop(),
		InstanceID: "inst-1",
		Rand:       rand.New(rand.NewSource(1)),
	}, rec
}

func TestProcessDownloadCleanInstall(t *testing.T) {
	body := "hello world"
	sum := sha256.Sum256([]byte(body))
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	workspace := t.TempDir()
	exec, rec := newTestExecutor(t, workspace)
	exec.Downloader = transport.NewDownloader(transport.NewAllowList([]string{hostOf(t, srv.URL)}), 1<<20, 5*time.Second)

	resolved := DownloadResolved{
		URL:               srv.URL,
		Auth:              "none",
		DestRelativePath:  "models/x.bin",
		SHA256:            digest,
		ExpectedSizeBytes: int64(len(body)),
		Kind:              "static",
	}
	raw, _ := json.Marshal(resolved)
	item := transport.QueueItem{ItemID: "i1", DepID: "d1", Op: "download", Resolved: raw}

	exec.Process(context.Background(), item)

	require.FileExists(t, filepath.Join(workspace, "models/x.bin"))
	require.Len(t, rec.posts, 2)
	require.Equal(t, transport.StateRunning, rec.posts[0].State)
	require.Equal(t, transport.StateSucceeded, rec.posts[1].State)

	inv := exec.Cache.Inventory()
	require.Contains(t, inv.InstalledStatic, "d1")
}

func TestProcessDownloadDisallowedDomainFailsNonRetryable(t *testing.T) {
	workspace := t.TempDir()
	exec, rec := newTestExecutor(t, workspace)

	resolved := DownloadResolved{
		URL:              "https://evil.example.com/x",
		Auth:             "none",
		DestRelativePath: "models/x.bin",
		Kind:             "static",
	}
	raw, _ := json.Marshal(resolved)
	item := transport.QueueItem{ItemID: "i1", DepID: "d1", Op: "download", Resolved: raw}

	exec.Process(context.Background(), item)

	last := rec.posts[len(rec.posts)-1]
	require.Equal(t, transport.StateFailed, last.State)

	inv := exec.Cache.Inventory()
	require.Contains(t, inv.Failed, "d1")
	require.NotContains(t, inv.InstalledStatic, "d1")
	_, hasRetry := exec.Cache.RetryEntry("d1")
	require.False(t, hasRetry)
}

func TestProcessDownloadShaMismatchSchedulesRetry(t *testing.T) {
	body := "hello world"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	workspace := t.TempDir()
	exec, rec := newTestExecutor(t, workspace)
	exec.Downloader = transport.NewDownloader(transport.NewAllowList([]string{hostOf(t, srv.URL)}), 1<<20, 5*time.Second)

	resolved := DownloadResolved{
		URL:               srv.URL,
		Auth:              "none",
		DestRelativePath:  "models/x.bin",
		SHA256:            "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
		ExpectedSizeBytes: int64(len(body)),
		Kind:              "static",
	}
	raw, _ := json.Marshal(resolved)
	item := transport.QueueItem{ItemID: "i1", DepID: "d1", Op: "download", Resolved: raw}

	exec.Process(context.Background(), item)

	last := rec.posts[len(rec.posts)-1]
	require.Equal(t, transport.StateRetrying, last.State)

	entry, ok := exec.Cache.RetryEntry("d1")
	require.True(t, ok)
	require.Equal(t, 1, entry.Attempts)

	require.NoFileExists(t, filepath.Join(workspace, "models/x.bin.partial"))
}

func TestProcessDownloadBackingOffPostsRetryingWithoutNetwork(t *testing.T) {
	workspace := t.TempDir()
	exec, rec := newTestExecutor(t, workspace)

	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, exec.Cache.SetRetry("d1", state.RetryEntry{
		ItemID: "i1", Resolved: json.RawMessage(`{}`), Attempts: 1,
		NextAttemptAtMs: future, LastError: "boom",
	}))

	resolved := DownloadResolved{URL: "https://huggingface.co/x", Auth: "none", DestRelativePath: "m.bin", Kind: "static"}
	raw, _ := json.Marshal(resolved)
	item := transport.QueueItem{ItemID: "i2", DepID: "d1", Op: "download", Resolved: raw}

	exec.Process(context.Background(), item)

	require.Len(t, rec.posts, 1)
	require.Equal(t, transport.StateRetrying, rec.posts[0].State)
}

func TestProcessTouchOnMissingFilePostsSucceededButDoesNotInstall(t *testing.T) {
	workspace := t.TempDir()
	exec, rec := newTestExecutor(t, workspace)

	resolved := TouchResolved{DestRelativePath: "missing.bin"}
	raw, _ := json.Marshal(resolved)
	item := transport.QueueItem{ItemID: "i1", DepID: "d1", Op: "touch", Resolved: raw}

	exec.Process(context.Background(), item)

	last := rec.posts[len(rec.posts)-1]
	require.Equal(t, transport.StateSucceeded, last.State)

	inv := exec.Cache.Inventory()
	require.NotContains(t, inv.InstalledDynamic, "d1")
}

func TestProcessUnknownOpPostsFailed(t *testing.T) {
	workspace := t.TempDir()
	exec, rec := newTestExecutor(t, workspace)

	item := transport.QueueItem{ItemID: "i1", DepID: "d1", Op: "explode"}
	exec.Process(context.Background(), item)

	require.Len(t, rec.posts, 1)
	require.Equal(t, transport.StateFailed, rec.posts[0].State)
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}

var _ = os.TempDir
