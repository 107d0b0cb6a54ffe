package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowListExactAndSuffixMatch(t *testing.T) {
	a := NewAllowList([]string{"huggingface.co", "hf.co", "civitai.com"})
	require.True(t, a.Allows("huggingface.co"))
	require.True(t, a.Allows("cdn.huggingface.co"))
	require.False(t, a.Allows("evil-huggingface.co"))
	require.False(t, a.Allows("example.com"))
}

func TestDownloadToFreshFile(t *testing.T) {
	const body = "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	allow := NewAllowList([]string{hostOf(t, srv.URL)})
	d := NewDownloader(allow, 1024*1024, 5*time.Second)

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	partial := PartialPath(dest)

	n, err := d.DownloadTo(context.Background(), srv.URL, partial, "", int64(len(body)))
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), n)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
}

func TestDownloadToResumesFromPartial(t *testing.T) {
	const full = "0123456789ABCDEF"
	const already = 8

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(full))
			return
		}
		w.Header().Set("Content-Range", "bytes 8-15/16")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(full[already:]))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	partial := PartialPath(dest)
	require.NoError(t, os.WriteFile(partial, []byte(full[:already]), 0o644))

	allow := NewAllowList([]string{hostOf(t, srv.URL)})
	d := NewDownloader(allow, 1024*1024, 5*time.Second)

	n, err := d.DownloadTo(context.Background(), srv.URL, partial, "", int64(len(full)))
	require.NoError(t, err)
	require.Equal(t, int64(len(full)), n)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	require.Equal(t, full, string(got))
}

func TestDownloadToAlreadyCompleteSkipsNetwork(t *testing.T) {
	const body = "0123456789"
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	partial := PartialPath(dest)
	require.NoError(t, os.WriteFile(partial, []byte(body), 0o644))

	allow := NewAllowList([]string{hostOf(t, srv.URL)})
	d := NewDownloader(allow, 1024*1024, 5*time.Second)

	n, err := d.DownloadTo(context.Background(), srv.URL, partial, "", int64(len(body)))
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), n)
	require.False(t, called)
}

func TestDownloadToRejectsDisallowedDomain(t *testing.T) {
	allow := NewAllowList([]string{"huggingface.co"})
	d := NewDownloader(allow, 1024*1024, 5*time.Second)

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	_, err := d.DownloadTo(context.Background(), "https://evil.example.com/x", PartialPath(dest), "", 10)
	require.Error(t, err)
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}
