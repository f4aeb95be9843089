// Package audio materializes remote audio inputs and decodes them into the
// sample stream consumed by the ASR engine.
package audio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	scribeerrors "scribe/internal/errors"
	"scribe/internal/httpclient"
	"scribe/internal/logging"
)

const maxDownloadBytes = 512 << 20

// Fetcher downloads audio inputs into a local directory.
type Fetcher struct {
	dir    string
	client *http.Client
	logger logging.Logger
	retry  scribeerrors.RetryConfig
}

// NewFetcher builds a fetcher writing into dir.
func NewFetcher(dir string, timeout time.Duration) *Fetcher {
	logger := logging.NewComponentLogger("AudioFetch")
	return &Fetcher{
		dir:    dir,
		client: httpclient.New(timeout, logger),
		logger: logger,
		retry: scribeerrors.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
	}
}

// Fetch downloads rawURL into the input directory and returns the local
// path. The file is namespaced by the caller's id so identical basenames
// from different requests never collide.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, id string) (string, error) {
	name, err := fileName(rawURL, id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create audio dir: %w", err)
	}
	dest := filepath.Join(f.dir, name)

	err = scribeerrors.RetryWithLog(ctx, f.retry, func(ctx context.Context) error {
		return f.download(ctx, rawURL, dest)
	}, f.logger)
	if err != nil {
		return "", fmt.Errorf("download audio %s: %w", rawURL, err)
	}
	f.logger.Info("downloaded %s to %s", rawURL, dest)
	return dest, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return scribeerrors.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return scribeerrors.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if scribeerrors.IsTransientHTTPStatus(resp.StatusCode) {
			return scribeerrors.Transient(err)
		}
		return scribeerrors.Permanent(err)
	}

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxDownloadBytes)
	if err != nil {
		return scribeerrors.Transient(err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return scribeerrors.Permanent(err)
	}
	return nil
}

// fileName derives the id-prefixed local name from the URL basename.
func fileName(rawURL, id string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse audio url: %w", err)
	}
	base := path.Base(parsed.Path)
	if base == "." || base == "/" || base == "" {
		base = "audio"
	}
	base = strings.ReplaceAll(base, string(os.PathSeparator), "_")
	if id == "" {
		return base, nil
	}
	return fmt.Sprintf("%s-%s", id, base), nil
}
