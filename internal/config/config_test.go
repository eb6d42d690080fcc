package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lucasnoah/imgmigrate/internal/publish"
	"github.com/lucasnoah/imgmigrate/internal/retry"
	"github.com/lucasnoah/imgmigrate/internal/source"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

const validConfig = `
dirs:
  downloads: tmp/dl
  output: out
destination: cloudflare
image_columns:
  - Photo
  - Image Link
profile:
  width: 540
  quality: 80
  format: webp
  fit: cover
retry:
  download:
    max_attempts: 5
    base_delay: 500ms
  upload:
    max_delay: 1m
    jitter: true
state:
  flush_every: 25
workers: 4
rate_limit:
  per_second: 8
mapping:
  omit_metadata: true
ledger:
  dsn: postgres://migrator@db/imgmigrate
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if s.Destination != DestCloudflare {
		t.Errorf("Destination = %q", s.Destination)
	}
	if s.Dirs.Downloads != "tmp/dl" || s.Dirs.Output != "out" {
		t.Errorf("Dirs = %+v", s.Dirs)
	}
	// State follows output when unset.
	if s.Dirs.State != "out" || s.Dirs.Logs != "logs" {
		t.Errorf("Dirs defaults = %+v", s.Dirs)
	}
	if len(s.ImageColumns) != 2 || s.ImageColumns[0] != "Photo" {
		t.Errorf("ImageColumns = %v", s.ImageColumns)
	}
	want := publish.Profile{Width: 540, Quality: 80, Format: "webp", Fit: "cover"}
	if s.Profile != want {
		t.Errorf("Profile = %+v, want %+v", s.Profile, want)
	}
	if s.State.FlushEvery != 25 || s.Workers != 4 {
		t.Errorf("FlushEvery = %d, Workers = %d", s.State.FlushEvery, s.Workers)
	}
	if s.RateLimit.PerSecond != 8 || s.RateLimit.Burst != 1 {
		t.Errorf("RateLimit = %+v", s.RateLimit)
	}
	if !s.Mapping.OmitMetadata {
		t.Error("OmitMetadata = false")
	}
	if s.LedgerDSN() != "postgres://migrator@db/imgmigrate" {
		t.Errorf("LedgerDSN = %q", s.LedgerDSN())
	}
	if errs := Validate(s); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestDefaults(t *testing.T) {
	s := Defaults()
	if s.Destination != DestCloudinary {
		t.Errorf("Destination = %q", s.Destination)
	}
	if s.Dirs != (Dirs{Downloads: "downloads", Output: "output", State: "output", Logs: "logs"}) {
		t.Errorf("Dirs = %+v", s.Dirs)
	}
	if s.Profile != publish.DefaultProfile {
		t.Errorf("Profile = %+v", s.Profile)
	}
	if len(s.ImageColumns) != len(source.DefaultImageColumns) {
		t.Errorf("ImageColumns = %v", s.ImageColumns)
	}
	if s.State.FlushEvery != state.DefaultFlushEvery || s.Workers != 1 {
		t.Errorf("FlushEvery = %d, Workers = %d", s.State.FlushEvery, s.Workers)
	}
	if s.MappingPath() != filepath.Join("output", "mapping.csv") {
		t.Errorf("MappingPath = %q", s.MappingPath())
	}
	if s.LedgerDSN() != filepath.Join("output", "ledger.db") {
		t.Errorf("LedgerDSN = %q", s.LedgerDSN())
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeTestConfig(t, "workers: [1, 2")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		field  string
	}{
		{"bad destination", func(s *Settings) { s.Destination = "ftp" }, "destination"},
		{"empty column", func(s *Settings) { s.ImageColumns = []string{"Image Link", " "} }, "image_columns[1]"},
		{"quality", func(s *Settings) { s.Profile.Quality = 120 }, "profile.quality"},
		{"negative width", func(s *Settings) { s.Profile.Width = -1 }, "profile"},
		{"fit", func(s *Settings) { s.Profile.Fit = "stretch" }, "profile.fit"},
		{"duration", func(s *Settings) { s.Retry.Upload.BaseDelay = "soon" }, "retry.upload.base_delay"},
		{"max below base", func(s *Settings) {
			s.Retry.Download.BaseDelay = "10s"
			s.Retry.Download.MaxDelay = "1s"
		}, "retry.download.max_delay"},
		{"attempts", func(s *Settings) { s.Retry.Download.MaxAttempts = -2 }, "retry.download.max_attempts"},
		{"flush", func(s *Settings) { s.State.FlushEvery = -1 }, "state.flush_every"},
		{"workers", func(s *Settings) { s.Workers = -3 }, "workers"},
		{"rate", func(s *Settings) { s.RateLimit.PerSecond = -1 }, "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(s)
			errs := Validate(s)
			if len(errs) != 1 {
				t.Fatalf("errs = %v, want exactly one", errs)
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestRetryPolicyApply(t *testing.T) {
	base := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	got := RetryPolicy{}.Apply(base)
	if got.MaxAttempts != 3 || got.BaseDelay != time.Second || got.MaxDelay != 10*time.Second || got.Jitter {
		t.Errorf("empty overlay changed policy: %+v", got)
	}

	got = RetryPolicy{MaxAttempts: 5, BaseDelay: "250ms", MaxDelay: "2s", Jitter: true}.Apply(base)
	if got.MaxAttempts != 5 || got.BaseDelay != 250*time.Millisecond || got.MaxDelay != 2*time.Second || !got.Jitter {
		t.Errorf("overlay = %+v", got)
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	env := map[string]string{
		"CLOUDINARY_CLOUD_NAME": "demo",
		"CLOUDINARY_API_KEY":    "key",
		"S3_BUCKET":             "images",
		"REDIS_URL":             "redis://localhost:6379/0",
	}
	c := CredentialsFromEnv(func(k string) string { return env[k] })

	if c.Cloudinary.CloudName != "demo" || c.Cloudinary.Folder != publish.DefaultFolder {
		t.Errorf("Cloudinary = %+v", c.Cloudinary)
	}
	if c.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", c.RedisURL)
	}
	if got := c.Missing(DestCloudinary); len(got) != 1 || got[0] != "CLOUDINARY_API_SECRET" {
		t.Errorf("Missing(cloudinary) = %v", got)
	}
	if got := c.Missing(DestS3); len(got) != 1 || got[0] != "S3_REGION" {
		t.Errorf("Missing(s3) = %v", got)
	}
	if got := c.Missing(DestCloudflare); len(got) != 3 {
		t.Errorf("Missing(cloudflare) = %v", got)
	}
}

func TestCheckCredentials(t *testing.T) {
	var c Credentials

	if err := c.CheckCredentials(DestCloudinary, true); err != nil {
		t.Errorf("dry run should pass: %v", err)
	}

	err := c.CheckCredentials(DestCloudinary, false)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v", err)
	}
	want := "missing required configuration: CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY, CLOUDINARY_API_SECRET"
	if err.Error() != want {
		t.Errorf("message = %q", err.Error())
	}
	hints := errors.GetAllHints(err)
	if len(hints) != 1 || !strings.Contains(hints[0], "CLOUDINARY_API_SECRET=your_api_secret") {
		t.Errorf("hints = %v", hints)
	}

	c.Cloudinary = CloudinaryCredentials{CloudName: "a", APIKey: "b", APISecret: "c"}
	if err := c.CheckCredentials(DestCloudinary, false); err != nil {
		t.Errorf("complete credentials: %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	if got, err := LoadEnv(dir); err != nil || got != "" {
		t.Fatalf("LoadEnv(empty) = %q, %v", got, err)
	}

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("IMGMIGRATE_TEST_A=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.env"), []byte("IMGMIGRATE_TEST_A=from-config\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IMGMIGRATE_TEST_A", "")
	os.Unsetenv("IMGMIGRATE_TEST_A")

	got, err := LoadEnv(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "config.env") {
		t.Errorf("loaded %q, want config.env", got)
	}
	if v := os.Getenv("IMGMIGRATE_TEST_A"); v != "from-config" {
		t.Errorf("IMGMIGRATE_TEST_A = %q", v)
	}
}

func TestLoadEnvKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("IMGMIGRATE_TEST_B=file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IMGMIGRATE_TEST_B", "shell")
	if _, err := LoadEnv(dir); err != nil {
		t.Fatal(err)
	}
	if v := os.Getenv("IMGMIGRATE_TEST_B"); v != "shell" {
		t.Errorf("IMGMIGRATE_TEST_B = %q, want shell value kept", v)
	}
}
