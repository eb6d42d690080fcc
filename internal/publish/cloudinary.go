package publish

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/imgmigrate/internal/retry"
)

const (
	cloudinaryAPIBase      = "https://api.cloudinary.com/v1_1"
	cloudinaryDeliveryBase = "https://res.cloudinary.com"

	// PlaceholderCloud stands in for the cloud name in validate-only runs
	// without credentials.
	PlaceholderCloud = "CLOUD"
	// DefaultFolder is the Cloudinary folder uploads land in.
	DefaultFolder = "product-images"
)

// CloudinaryConfig configures a Cloudinary publisher.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	Profile   Profile

	// APIBase and DeliveryBase override the service endpoints.
	APIBase      string
	DeliveryBase string
	HTTPClient   *http.Client
	Retry        *retry.Policy
}

// Cloudinary publishes through the Cloudinary upload API.
type Cloudinary struct {
	cfg    CloudinaryConfig
	client *http.Client
	policy retry.Policy
	now    func() time.Time
}

// NewCloudinary returns a Cloudinary publisher with defaults filled in.
func NewCloudinary(cfg CloudinaryConfig) *Cloudinary {
	if cfg.APIBase == "" {
		cfg.APIBase = cloudinaryAPIBase
	}
	if cfg.DeliveryBase == "" {
		cfg.DeliveryBase = cloudinaryDeliveryBase
	}
	if cfg.CloudName == "" {
		cfg.CloudName = PlaceholderCloud
	}
	if cfg.Profile == (Profile{}) {
		cfg.Profile = DefaultProfile
	}
	c := &Cloudinary{cfg: cfg, client: cfg.HTTPClient, policy: UploadPolicy(), now: time.Now}
	if c.client == nil {
		c.client = defaultHTTPClient()
	}
	if cfg.Retry != nil {
		c.policy = *cfg.Retry
	}
	return c
}

func (c *Cloudinary) Name() string { return "cloudinary" }

// DeliveryURL builds the transformed URL for an image uploaded under id.
func (c *Cloudinary) DeliveryURL(id string) string {
	return c.urlFor(c.publicID(id))
}

func (c *Cloudinary) publicID(id string) string {
	if c.cfg.Folder == "" {
		return id
	}
	return c.cfg.Folder + "/" + id
}

func (c *Cloudinary) urlFor(publicID string) string {
	base := fmt.Sprintf("%s/%s/image/upload", c.cfg.DeliveryBase, c.cfg.CloudName)
	if t := c.cfg.Profile.Cloudinary(); t != "" {
		return base + "/" + t + "/" + publicID
	}
	return base + "/" + publicID
}

// Ping checks the credentials against the usage endpoint.
func (c *Cloudinary) Ping(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s/usage", c.cfg.APIBase, c.cfg.CloudName), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.APISecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", TransportError(ctx, err)
	}
	defer resp.Body.Close()

	var body struct {
		Credits struct {
			UsedPercent float64 `json:"used_percent"`
		} `json:"credits"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", Permanent(fmt.Errorf("invalid API credentials"))
	case resp.StatusCode >= 300:
		msg := http.StatusText(resp.StatusCode)
		if body.Error != nil {
			msg = body.Error.Message
		}
		return "", StatusError(resp.StatusCode, "cloudinary usage check failed: %s", msg)
	}
	return fmt.Sprintf("Connected! Credit usage: %.1f%%", body.Credits.UsedPercent), nil
}

// Publish uploads a local file under id.
func (c *Cloudinary) Publish(ctx context.Context, localPath, id string, meta map[string]string) (Asset, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Asset{}, Permanent(fmt.Errorf("image file not found: %s", localPath))
		}
		return Asset{}, fmt.Errorf("read %s: %w", localPath, err)
	}
	params := c.params(id, meta)
	params["use_filename"] = "true"
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (Asset, error) {
		return c.upload(ctx, params, func(w *multipart.Writer) error {
			part, err := w.CreateFormFile("file", filepath.Base(localPath))
			if err != nil {
				return err
			}
			_, err = part.Write(data)
			return err
		})
	})
}

// PublishURL has Cloudinary fetch sourceURL itself.
func (c *Cloudinary) PublishURL(ctx context.Context, sourceURL, id string, meta map[string]string) (Asset, error) {
	params := c.params(id, meta)
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (Asset, error) {
		return c.upload(ctx, params, func(w *multipart.Writer) error {
			return w.WriteField("file", sourceURL)
		})
	})
}

func (c *Cloudinary) params(id string, meta map[string]string) map[string]string {
	p := map[string]string{
		"public_id":       id,
		"overwrite":       "true",
		"unique_filename": "false",
	}
	if c.cfg.Folder != "" {
		p["folder"] = c.cfg.Folder
	}
	if ctx := contextString(meta); ctx != "" {
		p["context"] = ctx
	}
	return p
}

func (c *Cloudinary) upload(ctx context.Context, params map[string]string, file func(*multipart.Writer) error) (Asset, error) {
	signed := make(map[string]string, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	signed["timestamp"] = strconv.FormatInt(c.now().Unix(), 10)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range signed {
		if err := w.WriteField(k, v); err != nil {
			return Asset{}, err
		}
	}
	if err := w.WriteField("api_key", c.cfg.APIKey); err != nil {
		return Asset{}, err
	}
	if err := w.WriteField("signature", Sign(signed, c.cfg.APISecret)); err != nil {
		return Asset{}, err
	}
	if err := file(w); err != nil {
		return Asset{}, err
	}
	if err := w.Close(); err != nil {
		return Asset{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/image/upload", c.cfg.APIBase, c.cfg.CloudName), &buf)
	if err != nil {
		return Asset{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return Asset{}, TransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Asset{}, TransportError(ctx, err)
	}
	var body struct {
		PublicID string `json:"public_id"`
		Error    *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeErr := json.Unmarshal(raw, &body)

	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && body.Error != nil {
			msg = body.Error.Message
		}
		return Asset{}, StatusError(resp.StatusCode, "upload failed: %s", msg)
	}
	if decodeErr != nil {
		return Asset{}, fmt.Errorf("decode upload response: %w", decodeErr)
	}

	publicID := body.PublicID
	if publicID == "" {
		publicID = c.publicID(params["public_id"])
	}
	return Asset{ID: publicID, URL: c.urlFor(publicID)}, nil
}

// Sign computes the Cloudinary request signature: the hex SHA-1 of the
// sorted key=value pairs joined by '&', followed by the API secret.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

// contextString renders metadata as Cloudinary context: k=v pairs joined by
// '|', empty values dropped, keys sorted.
func contextString(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k, v := range meta {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	esc := strings.NewReplacer("|", `\|`, "=", `\=`)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + esc.Replace(meta[k])
	}
	return strings.Join(pairs, "|")
}
