// Package transport fetches patch files and version metadata over HTTP.
// Retry and backoff policy is the server operator's concern; a failed
// download is reported as-is and the engine decides what it means.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Downloader fetches a URL into a local file.
type Downloader interface {
	Download(ctx context.Context, url, destPath string) error
}

// VersionSource reports the latest version published by the patch server.
type VersionSource interface {
	TargetVersion(ctx context.Context) (int, error)
}

// HTTPClient serves both collaborator interfaces over plain HTTP.
type HTTPClient struct {
	client *http.Client
	log    *zap.Logger
}

// NewHTTPClient returns a client with the given per-request timeout.
func NewHTTPClient(timeout time.Duration, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Download streams url into destPath. The payload lands in a temp file that
// is renamed over destPath only on success, so a failed or killed download
// never leaves a partial file at the destination.
func (c *HTTPClient) Download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	tmp := destPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	c.log.Debug("downloaded",
		zap.String("url", url),
		zap.String("dest", destPath),
		zap.Int64("bytes", n))
	return nil
}

// HTTPVersionSource reads the published target version from
// <root>/version.txt: a decimal integer, surrounding whitespace ignored.
type HTTPVersionSource struct {
	RootURL string
	Client  *HTTPClient
}

// TargetVersion fetches and parses the published version number.
func (s *HTTPVersionSource) TargetVersion(ctx context.Context) (int, error) {
	url := strings.TrimRight(s.RootURL, "/") + "/version.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.Client.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", url, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil || v < 0 {
		return 0, fmt.Errorf("parse %s: bad version %q", url, strings.TrimSpace(string(body)))
	}
	return v, nil
}
