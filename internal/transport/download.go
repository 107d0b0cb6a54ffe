// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/furgen-fcs/dependency-agent/internal/retry"
)

// AllowList validates that a download URL's host is permitted, either by
// exact match or dotted-suffix match against the configured domains.
type AllowList struct {
	domains []string
}

// NewAllowList builds an AllowList from a comma-split domain set.
func NewAllowList(domains []string) AllowList {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return AllowList{domains: out}
}

// Allows reports whether host is exactly one of the configured domains,
// or a dotted subdomain of one.
func (a AllowList) Allows(host string) bool {
	host = strings.ToLower(host)
	for _, d := range a.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Downloader streams one artifact to a .partial file with resume support.
type Downloader struct {
	httpc      *http.Client
	allowList  AllowList
	chunkBytes int64
	timeout    time.Duration
}

// NewDownloader builds a Downloader. chunkBytes must be in [1 MiB, 32 MiB];
// timeout bounds each socket read, matching DM_DOWNLOAD_TIMEOUT_SECONDS.
func NewDownloader(allowList AllowList, chunkBytes int64, timeout time.Duration) *Downloader {
	return &Downloader{
		httpc:      buildHTTPClient(),
		allowList:  allowList,
		chunkBytes: chunkBytes,
		timeout:    timeout,
	}
}

// PartialPath returns the resumable sibling of dest.
func PartialPath(dest string) string {
	return dest + ".partial"
}

var contentRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+|\*)$`)

// DownloadTo streams url into the .partial sibling of dest, resuming from
// any existing partial file, and returns the final byte count written.
// Callers (internal/executor) are responsible for integrity verification
// and the atomic rename from .partial to dest.
func (d *Downloader) DownloadTo(ctx context.Context, rawURL, partialPath, authHeader string, expectedSize int64) (int64, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return 0, fmt.Errorf("%w: %s", retry.ErrInvalidURL, rawURL)
	}
	if !d.allowList.Allows(parsed.Hostname()) {
		return 0, fmt.Errorf("%w: %s", retry.ErrDisallowedDomain, parsed.Hostname())
	}

	if err := os.MkdirAll(filepath.Dir(partialPath), 0o755); err != nil {
		return 0, fmt.Errorf("transport: mkdir parent of %s: %w", partialPath, err)
	}

	existingSize := int64(-1)
	if info, statErr := os.Stat(partialPath); statErr == nil {
		existingSize = info.Size()
		if expectedSize > 0 {
			if existingSize == expectedSize {
				return existingSize, nil
			}
			if existingSize > expectedSize {
				if rmErr := os.Remove(partialPath); rmErr != nil {
					return 0, fmt.Errorf("transport: remove corrupt partial %s: %w", partialPath, rmErr)
				}
				existingSize = -1
			}
		}
	}

	// The timeout is an idle bound, re-armed after every read: it limits a
	// stalled socket, not the length of the whole transfer.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := time.AfterFunc(d.timeout, cancel)
	defer idle.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("transport: build download request: %w", err)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	req.Header.Set("User-Agent", userAgent)
	resuming := existingSize > 0
	if resuming {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := d.httpc.Do(req)
	if err != nil {
		return 0, &TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	writeOffset := int64(0)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if !resuming {
			return 0, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: rawURL}
		}
		cr := resp.Header.Get("Content-Range")
		m := contentRangePattern.FindStringSubmatch(cr)
		if m == nil {
			return 0, &VerificationError{Path: partialPath, Method: "content-range", Expected: fmt.Sprintf("bytes %d-*/*", existingSize), Actual: cr}
		}
		start, _ := strconv.ParseInt(m[1], 10, 64)
		if start != existingSize {
			return 0, &VerificationError{Path: partialPath, Method: "content-range", Expected: strconv.FormatInt(existingSize, 10), Actual: m[1]}
		}
		if m[3] != "*" {
			if total, parseErr := strconv.ParseInt(m[3], 10, 64); parseErr == nil && expectedSize <= 0 {
				expectedSize = total
			}
		}
		flags |= os.O_APPEND
		writeOffset = existingSize

	case http.StatusOK:
		if resuming {
			// Server refused resume: truncate and restart from zero.
			flags |= os.O_TRUNC
			writeOffset = 0
		} else {
			flags |= os.O_TRUNC
		}

	case http.StatusRequestedRangeNotSatisfiable:
		cr := resp.Header.Get("Content-Range")
		if strings.HasPrefix(cr, "bytes */") {
			totalStr := strings.TrimPrefix(cr, "bytes */")
			if total, parseErr := strconv.ParseInt(totalStr, 10, 64); parseErr == nil && existingSize >= total {
				return existingSize, nil
			}
		}
		return 0, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: rawURL}

	default:
		return 0, &APIError{StatusCode: resp.StatusCode, Status: resp.Status, URL: rawURL}
	}

	f, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("transport: open partial %s: %w", partialPath, err)
	}
	defer f.Close()

	buf := make([]byte, d.chunkBytes)
	written := writeOffset
	for {
		n, readErr := resp.Body.Read(buf)
		idle.Reset(d.timeout)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("transport: write partial %s: %w", partialPath, writeErr)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Socket-level failure: the partial is retained for a future
			// resume attempt, per the retryable-failure contract.
			return written, &TransportError{URL: rawURL, Err: readErr}
		}
	}

	if expectedSize > 0 && written != expectedSize {
		return written, &VerificationError{
			Path:     partialPath,
			Method:   "size",
			Expected: strconv.FormatInt(expectedSize, 10),
			Actual:   strconv.FormatInt(written, 10),
		}
	}

	return written, nil
}
