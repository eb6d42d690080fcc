package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedDestinations = map[string]bool{
	DestCloudinary: true,
	DestCloudflare: true,
	DestS3:         true,
}

var recognizedFits = map[string]bool{
	"":           true,
	"scale-down": true,
	"contain":    true,
	"cover":      true,
	"crop":       true,
	"pad":        true,
}

// Validate checks settings for semantic errors. It returns every problem
// found (empty if valid).
func Validate(s *Settings) []ValidationError {
	var errs []ValidationError

	if !recognizedDestinations[s.Destination] {
		errs = append(errs, ValidationError{
			Field:   "destination",
			Message: fmt.Sprintf("unrecognized destination %q (want cloudinary, cloudflare or s3)", s.Destination),
		})
	}

	for i, col := range s.ImageColumns {
		if strings.TrimSpace(col) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("image_columns[%d]", i),
				Message: "must not be empty",
			})
		}
	}

	p := s.Profile
	if p.Width < 0 || p.Height < 0 {
		errs = append(errs, ValidationError{Field: "profile", Message: "width and height must not be negative"})
	}
	if p.Quality < 0 || p.Quality > 100 {
		errs = append(errs, ValidationError{Field: "profile.quality", Message: "must be between 0 and 100"})
	}
	if !recognizedFits[p.Fit] {
		errs = append(errs, ValidationError{Field: "profile.fit", Message: fmt.Sprintf("unrecognized fit %q", p.Fit)})
	}

	validateRetry("retry.download", s.Retry.Download, &errs)
	validateRetry("retry.upload", s.Retry.Upload, &errs)

	if s.State.FlushEvery < 0 {
		errs = append(errs, ValidationError{Field: "state.flush_every", Message: "must be positive"})
	}
	if s.Workers < 0 {
		errs = append(errs, ValidationError{Field: "workers", Message: "must be positive"})
	}
	if s.RateLimit.PerSecond < 0 || s.RateLimit.Burst < 0 {
		errs = append(errs, ValidationError{Field: "rate_limit", Message: "must not be negative"})
	}

	return errs
}

func validateRetry(prefix string, r RetryPolicy, errs *[]ValidationError) {
	if r.MaxAttempts < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".max_attempts", Message: "must not be negative"})
	}
	var base, max time.Duration
	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"base_delay", r.BaseDelay, &base},
		{"max_delay", r.MaxDelay, &max},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil || d < 0 {
			*errs = append(*errs, ValidationError{
				Field:   prefix + "." + f.name,
				Message: fmt.Sprintf("invalid duration %q", f.value),
			})
			continue
		}
		*f.dst = d
	}
	if base > 0 && max > 0 && max < base {
		*errs = append(*errs, ValidationError{Field: prefix + ".max_delay", Message: "must not be below base_delay"})
	}
}

// ErrMissingCredentials marks a credentials check failure.
var ErrMissingCredentials = errors.New("missing required configuration")

// requiredEnv lists the variables each destination cannot run without,
// with an example value for the hint.
var requiredEnv = map[string][][2]string{
	DestCloudinary: {
		{"CLOUDINARY_CLOUD_NAME", "your_cloud_name"},
		{"CLOUDINARY_API_KEY", "your_api_key"},
		{"CLOUDINARY_API_SECRET", "your_api_secret"},
	},
	DestCloudflare: {
		{"CLOUDFLARE_ACCOUNT_ID", "your_account_id"},
		{"CLOUDFLARE_API_TOKEN", "your_api_token"},
		{"CLOUDFLARE_IMAGES_HASH", "your_account_hash"},
	},
	DestS3: {
		{"S3_BUCKET", "your_bucket"},
		{"S3_REGION", "us-east-1"},
	},
}

func (c Credentials) value(name string) string {
	switch name {
	case "CLOUDINARY_CLOUD_NAME":
		return c.Cloudinary.CloudName
	case "CLOUDINARY_API_KEY":
		return c.Cloudinary.APIKey
	case "CLOUDINARY_API_SECRET":
		return c.Cloudinary.APISecret
	case "CLOUDFLARE_ACCOUNT_ID":
		return c.Cloudflare.AccountID
	case "CLOUDFLARE_API_TOKEN":
		return c.Cloudflare.APIToken
	case "CLOUDFLARE_IMAGES_HASH":
		return c.Cloudflare.ImagesHash
	case "S3_BUCKET":
		return c.S3.Bucket
	case "S3_REGION":
		return c.S3.Region
	}
	return ""
}

// Missing returns the unset environment variables dest requires.
func (c Credentials) Missing(dest string) []string {
	var out []string
	for _, kv := range requiredEnv[dest] {
		if c.value(kv[0]) == "" {
			out = append(out, kv[0])
		}
	}
	return out
}

// CheckCredentials fails when dest lacks credentials. Dry runs never
// contact the destination and are always allowed.
func (c Credentials) CheckCredentials(dest string, dryRun bool) error {
	if dryRun {
		return nil
	}
	missing := c.Missing(dest)
	if len(missing) == 0 {
		return nil
	}
	var hint strings.Builder
	hint.WriteString("Please set these in config.env:")
	for _, kv := range requiredEnv[dest] {
		fmt.Fprintf(&hint, "\n  %s=%s", kv[0], kv[1])
	}
	err := errors.Newf("missing required configuration: %s", strings.Join(missing, ", "))
	return errors.WithHint(errors.Mark(err, ErrMissingCredentials), hint.String())
}
