// Package publish uploads images to a hosting service and builds their
// delivery URLs.
package publish

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lucasnoah/imgmigrate/internal/retry"
)

// Asset is a published image.
type Asset struct {
	// ID is the destination-side identifier (public ID, image ID or key).
	ID string
	// URL is the delivery URL with the transform profile applied.
	URL string
}

// Publisher is a destination image host.
type Publisher interface {
	Name() string
	// Ping verifies credentials and returns a human-readable status line.
	Ping(ctx context.Context) (string, error)
	// Publish uploads a local file under id.
	Publish(ctx context.Context, localPath, id string, meta map[string]string) (Asset, error)
	// PublishURL asks the destination to ingest sourceURL under id.
	PublishURL(ctx context.Context, sourceURL, id string, meta map[string]string) (Asset, error)
	// DeliveryURL is the URL an image published under id would get.
	DeliveryURL(id string) string
}

// Profile is the delivery transform applied to every migrated image.
type Profile struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Quality int    `yaml:"quality"`
	Format  string `yaml:"format"`
	Fit     string `yaml:"fit"`
}

// DefaultProfile mirrors the source CDN's f=auto,fit=scale-down,q=70,w=270.
var DefaultProfile = Profile{Width: 270, Quality: 70, Format: "auto", Fit: "scale-down"}

// cloudinaryCrop maps CDN fit modes onto Cloudinary crop modes.
var cloudinaryCrop = map[string]string{
	"scale-down": "scale",
	"contain":    "fit",
	"cover":      "fill",
	"crop":       "crop",
	"pad":        "pad",
}

// Cloudinary renders the profile as a Cloudinary transformation segment,
// e.g. w_270,q_70,f_auto,c_scale.
func (p Profile) Cloudinary() string {
	var parts []string
	if p.Width > 0 {
		parts = append(parts, fmt.Sprintf("w_%d", p.Width))
	}
	if p.Height > 0 {
		parts = append(parts, fmt.Sprintf("h_%d", p.Height))
	}
	if p.Quality > 0 {
		parts = append(parts, fmt.Sprintf("q_%d", p.Quality))
	}
	if p.Format != "" {
		parts = append(parts, "f_"+p.Format)
	}
	if p.Fit != "" {
		crop, ok := cloudinaryCrop[p.Fit]
		if !ok {
			crop = p.Fit
		}
		parts = append(parts, "c_"+crop)
	}
	return strings.Join(parts, ",")
}

// Flexible renders the profile as a Cloudflare flexible variant,
// e.g. w=270,q=70,f=auto,fit=scale-down.
func (p Profile) Flexible() string {
	var parts []string
	if p.Width > 0 {
		parts = append(parts, fmt.Sprintf("w=%d", p.Width))
	}
	if p.Height > 0 {
		parts = append(parts, fmt.Sprintf("h=%d", p.Height))
	}
	if p.Quality > 0 {
		parts = append(parts, fmt.Sprintf("q=%d", p.Quality))
	}
	if p.Format != "" {
		parts = append(parts, "f="+p.Format)
	}
	if p.Fit != "" {
		parts = append(parts, "fit="+p.Fit)
	}
	return strings.Join(parts, ",")
}

// UploadPolicy is the retry policy for uploads: 3 attempts, 2s to 30s.
func UploadPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Retryable:   Retryable,
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

type limited struct {
	Publisher
	lim *rate.Limiter
}

// Limit wraps p so that Publish and PublishURL calls are paced to
// perSecond with the given burst. A non-positive rate returns p unchanged.
func Limit(p Publisher, perSecond float64, burst int) Publisher {
	if perSecond <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{Publisher: p, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limited) Publish(ctx context.Context, localPath, id string, meta map[string]string) (Asset, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return Asset{}, err
	}
	return l.Publisher.Publish(ctx, localPath, id, meta)
}

func (l *limited) PublishURL(ctx context.Context, sourceURL, id string, meta map[string]string) (Asset, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return Asset{}, err
	}
	return l.Publisher.PublishURL(ctx, sourceURL, id, meta)
}
