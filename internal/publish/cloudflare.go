package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/imgmigrate/internal/retry"
)

const (
	cloudflareAPIBase      = "https://api.cloudflare.com/client/v4"
	cloudflareDeliveryBase = "https://imagedelivery.net"
)

// CloudflareConfig configures a Cloudflare Images publisher.
type CloudflareConfig struct {
	AccountID  string
	APIToken   string
	ImagesHash string
	Profile    Profile
	// Variant overrides the delivery variant. Empty means the profile
	// rendered as a flexible variant.
	Variant string

	APIBase      string
	DeliveryBase string
	HTTPClient   *http.Client
	Retry        *retry.Policy
}

// Cloudflare publishes to Cloudflare Images.
type Cloudflare struct {
	cfg    CloudflareConfig
	client *http.Client
	policy retry.Policy
}

// NewCloudflare returns a Cloudflare Images publisher with defaults filled in.
func NewCloudflare(cfg CloudflareConfig) *Cloudflare {
	if cfg.APIBase == "" {
		cfg.APIBase = cloudflareAPIBase
	}
	if cfg.DeliveryBase == "" {
		cfg.DeliveryBase = cloudflareDeliveryBase
	}
	if cfg.Profile == (Profile{}) {
		cfg.Profile = DefaultProfile
	}
	if cfg.Variant == "" {
		cfg.Variant = cfg.Profile.Flexible()
	}
	c := &Cloudflare{cfg: cfg, client: cfg.HTTPClient, policy: UploadPolicy()}
	if c.client == nil {
		c.client = defaultHTTPClient()
	}
	if cfg.Retry != nil {
		c.policy = *cfg.Retry
	}
	return c
}

func (c *Cloudflare) Name() string { return "cloudflare" }

func (c *Cloudflare) DeliveryURL(id string) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.cfg.DeliveryBase, c.cfg.ImagesHash, id, c.cfg.Variant)
}

func (c *Cloudflare) endpoint(suffix string) string {
	return fmt.Sprintf("%s/accounts/%s/images/v1%s", c.cfg.APIBase, c.cfg.AccountID, suffix)
}

type cfMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cfEnvelope struct {
	Success bool            `json:"success"`
	Errors  []cfMessage     `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

func (e cfEnvelope) errorText() string {
	msgs := make([]string, len(e.Errors))
	for i, m := range e.Errors {
		msgs[i] = m.Message
	}
	return strings.Join(msgs, "; ")
}

func (e cfEnvelope) duplicate() bool {
	for _, m := range e.Errors {
		if strings.Contains(strings.ToLower(m.Message), "already exists") {
			return true
		}
	}
	return false
}

func (c *Cloudflare) do(req *http.Request) (*cfEnvelope, int, error) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, TransportError(req.Context(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, TransportError(req.Context(), err)
	}
	var env cfEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if TransientStatus(resp.StatusCode) {
			return nil, resp.StatusCode, StatusError(resp.StatusCode, "cloudflare: %s", strings.TrimSpace(string(raw)))
		}
		return nil, resp.StatusCode, fmt.Errorf("decode cloudflare response: %w", err)
	}
	return &env, resp.StatusCode, nil
}

// Ping reads the account's image stats.
func (c *Cloudflare) Ping(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/stats"), nil)
	if err != nil {
		return "", err
	}
	env, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if !env.Success {
		return "", StatusError(status, "API error: %s", env.errorText())
	}
	var stats struct {
		Count struct {
			Current int `json:"current"`
			Allowed int `json:"allowed"`
		} `json:"count"`
	}
	_ = json.Unmarshal(env.Result, &stats)
	return fmt.Sprintf("Connected! Images: %d/%d", stats.Count.Current, stats.Count.Allowed), nil
}

// Publish uploads a local file under id.
func (c *Cloudflare) Publish(ctx context.Context, localPath, id string, meta map[string]string) (Asset, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Asset{}, Permanent(fmt.Errorf("image file not found: %s", localPath))
		}
		return Asset{}, fmt.Errorf("read %s: %w", localPath, err)
	}
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (Asset, error) {
		return c.upload(ctx, id, meta, func(w *multipart.Writer) error {
			part, err := w.CreateFormFile("file", filepath.Base(localPath))
			if err != nil {
				return err
			}
			_, err = part.Write(data)
			return err
		})
	})
}

// PublishURL has Cloudflare fetch sourceURL itself.
func (c *Cloudflare) PublishURL(ctx context.Context, sourceURL, id string, meta map[string]string) (Asset, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (Asset, error) {
		return c.upload(ctx, id, meta, func(w *multipart.Writer) error {
			return w.WriteField("url", sourceURL)
		})
	})
}

func (c *Cloudflare) upload(ctx context.Context, id string, meta map[string]string, file func(*multipart.Writer) error) (Asset, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := file(w); err != nil {
		return Asset{}, err
	}
	if id != "" {
		if err := w.WriteField("id", id); err != nil {
			return Asset{}, err
		}
	}
	if len(meta) > 0 {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return Asset{}, err
		}
		if err := w.WriteField("metadata", string(encoded)); err != nil {
			return Asset{}, err
		}
	}
	if err := w.Close(); err != nil {
		return Asset{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(""), &buf)
	if err != nil {
		return Asset{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	env, status, err := c.do(req)
	if err != nil {
		return Asset{}, err
	}
	if !env.Success {
		switch {
		case status == http.StatusTooManyRequests:
			return Asset{}, Transient(fmt.Errorf("rate limited: %s", env.errorText()))
		case env.duplicate():
			return c.existing(ctx, id), nil
		}
		return Asset{}, StatusError(status, "upload failed: %s", env.errorText())
	}

	var result struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Result, &result)
	if result.ID == "" {
		result.ID = id
	}
	return Asset{ID: result.ID, URL: c.DeliveryURL(result.ID)}, nil
}

// existing resolves an image that was uploaded by an earlier run. A failed
// lookup still yields the requested id.
func (c *Cloudflare) existing(ctx context.Context, id string) Asset {
	asset := Asset{ID: id, URL: c.DeliveryURL(id)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/"+id), nil)
	if err != nil {
		return asset
	}
	env, _, err := c.do(req)
	if err != nil || !env.Success {
		return asset
	}
	var result struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(env.Result, &result) == nil && result.ID != "" {
		asset.ID = result.ID
		asset.URL = c.DeliveryURL(result.ID)
	}
	return asset
}
