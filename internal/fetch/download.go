// Package fetch downloads source images and checks that they are images.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lucasnoah/imgmigrate/internal/cdnurl"
	"github.com/lucasnoah/imgmigrate/internal/publish"
	"github.com/lucasnoah/imgmigrate/internal/retry"
)

// UserAgent is sent with every download; some CDNs block default clients.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Result describes a downloaded file.
type Result struct {
	Path string
	Size int64
	// Reused is set when a non-empty file from an earlier run was kept.
	Reused bool
}

// Downloader saves images into a directory.
type Downloader struct {
	dir    string
	client *http.Client
	policy retry.Policy
	log    *zap.SugaredLogger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithRetry replaces the default policy (3 attempts, 1s to 10s).
func WithRetry(p retry.Policy) Option {
	return func(d *Downloader) { d.policy = p }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Downloader) { d.log = l }
}

// DownloadPolicy is the default retry policy for downloads.
func DownloadPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Retryable:   publish.Retryable,
	}
}

// New returns a Downloader writing into dir.
func New(dir string, opts ...Option) *Downloader {
	d := &Downloader{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
		policy: DownloadPolicy(),
		log:    zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// PathFor is where the image for ref is stored under id.
func (d *Downloader) PathFor(ref, id string) string {
	return filepath.Join(d.dir, id+"."+cdnurl.Extension(ref))
}

// Download fetches ref into <dir>/<id>.<ext>. The untransformed original is
// tried first; if it is not served as an image the transformed URL is used.
// A non-empty file already on disk is reused without a request.
func (d *Downloader) Download(ctx context.Context, ref, id string) (Result, error) {
	dest := d.PathFor(ref, id)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		d.log.Debugw("image already downloaded", "path", dest)
		return Result{Path: dest, Size: info.Size(), Reused: true}, nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("mkdir %s: %w", d.dir, err)
	}

	policy := d.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		d.log.Warnw("download failed, retrying", "url", ref, "attempt", attempt, "delay", delay, "error", err)
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) (Result, error) {
		original := cdnurl.OriginalURL(ref)
		res, err := d.get(ctx, original, dest)
		if errNotImage(err) && original != ref {
			d.log.Warnw("original is not an image, trying transformed URL", "url", original, "error", err)
			res, err = d.get(ctx, ref, dest)
		}
		return res, err
	})
}

type notImageError struct{ contentType string }

func (e *notImageError) Error() string {
	return "unexpected content type: " + e.contentType
}

func errNotImage(err error) bool {
	var target *notImageError
	return errors.As(err, &target)
}

func (d *Downloader) get(ctx context.Context, url, dest string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, publish.Permanent(fmt.Errorf("bad url %q: %w", url, err))
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "image/*,*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, publish.TransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, publish.StatusError(resp.StatusCode, "download %s", url)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return Result{}, publish.Permanent(&notImageError{contentType: ct})
	}

	size, err := writeFile(dest, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, publish.Transient(fmt.Errorf("download failed: %w", err))
	}
	if size == 0 {
		os.Remove(dest)
		return Result{}, publish.Transient(fmt.Errorf("downloaded file is empty"))
	}
	d.log.Debugw("downloaded", "url", url, "bytes", size, "path", dest)
	return Result{Path: dest, Size: size}, nil
}

// writeFile streams r into a sibling temp file and renames it over dest, so
// an interrupted transfer never leaves a partial image at dest.
func writeFile(dest string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return n, err
	}
	tmpPath = ""
	return n, nil
}
