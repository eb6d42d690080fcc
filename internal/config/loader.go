package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/imgmigrate/internal/publish"
	"github.com/lucasnoah/imgmigrate/internal/retry"
	"github.com/lucasnoah/imgmigrate/internal/source"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

// DefaultFile is the settings file looked up in the working directory.
const DefaultFile = "imgmigrate.yaml"

// EnvFiles are the dotenv files tried in order; only the first one found is
// loaded.
var EnvFiles = []string{"config.env", ".env"}

// Load reads settings from the given YAML file and applies defaults.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&s)
	return &s, nil
}

// Defaults returns settings with every default applied.
func Defaults() *Settings {
	var s Settings
	applyDefaults(&s)
	return &s
}

// LoadDefault loads the first settings file found in ./imgmigrate.yaml then
// ~/.imgmigrate/config.yaml. Having none is not an error: defaults are
// returned with an empty path.
func LoadDefault() (*Settings, string, error) {
	candidates := []string{DefaultFile}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".imgmigrate", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			s, err := Load(path)
			return s, path, err
		}
	}
	return Defaults(), "", nil
}

// LoadEnv loads the first dotenv file found in dir. Variables already set in
// the environment win. It returns the file loaded, or "".
func LoadEnv(dir string) (string, error) {
	for _, name := range EnvFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return "", fmt.Errorf("loading %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

// CredentialsFromEnv reads service credentials using getenv.
func CredentialsFromEnv(getenv func(string) string) Credentials {
	folder := getenv("CLOUDINARY_FOLDER")
	if folder == "" {
		folder = publish.DefaultFolder
	}
	return Credentials{
		Cloudinary: CloudinaryCredentials{
			CloudName: getenv("CLOUDINARY_CLOUD_NAME"),
			APIKey:    getenv("CLOUDINARY_API_KEY"),
			APISecret: getenv("CLOUDINARY_API_SECRET"),
			Folder:    folder,
		},
		Cloudflare: CloudflareCredentials{
			AccountID:  getenv("CLOUDFLARE_ACCOUNT_ID"),
			APIToken:   getenv("CLOUDFLARE_API_TOKEN"),
			ImagesHash: getenv("CLOUDFLARE_IMAGES_HASH"),
		},
		S3: S3Credentials{
			Bucket:    getenv("S3_BUCKET"),
			Region:    getenv("S3_REGION"),
			CDNDomain: getenv("S3_CDN_DOMAIN"),
			Prefix:    getenv("S3_PREFIX"),
		},
		RedisURL: getenv("REDIS_URL"),
	}
}

// Resolve loads the dotenv file from the working directory, then the
// settings file (settingsPath, or the default search when empty), then the
// credentials.
func Resolve(settingsPath string) (*Config, error) {
	envFile, err := LoadEnv(".")
	if err != nil {
		return nil, err
	}

	var s *Settings
	if settingsPath != "" {
		s, err = Load(settingsPath)
	} else {
		s, settingsPath, err = LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	return &Config{
		Settings:    *s,
		Credentials: CredentialsFromEnv(os.Getenv),
		Path:        settingsPath,
		EnvFile:     envFile,
	}, nil
}

// applyDefaults fills every unset field.
func applyDefaults(s *Settings) {
	d := &s.Dirs
	if d.Downloads == "" {
		d.Downloads = "downloads"
	}
	if d.Output == "" {
		d.Output = "output"
	}
	if d.State == "" {
		d.State = d.Output
	}
	if d.Logs == "" {
		d.Logs = "logs"
	}

	if s.Destination == "" {
		s.Destination = DestCloudinary
	}
	if len(s.ImageColumns) == 0 {
		s.ImageColumns = append([]string(nil), source.DefaultImageColumns...)
	}
	if s.Profile == (publish.Profile{}) {
		s.Profile = publish.DefaultProfile
	}
	if s.State.FlushEvery == 0 {
		s.State.FlushEvery = state.DefaultFlushEvery
	}
	if s.Workers == 0 {
		s.Workers = 1
	}
	if s.RateLimit.PerSecond > 0 && s.RateLimit.Burst == 0 {
		s.RateLimit.Burst = 1
	}
}

// Apply overlays the non-zero fields of r onto base. Durations must already
// have passed Validate.
func (r RetryPolicy) Apply(base retry.Policy) retry.Policy {
	if r.MaxAttempts > 0 {
		base.MaxAttempts = r.MaxAttempts
	}
	if d, err := time.ParseDuration(r.BaseDelay); err == nil && r.BaseDelay != "" {
		base.BaseDelay = d
	}
	if d, err := time.ParseDuration(r.MaxDelay); err == nil && r.MaxDelay != "" {
		base.MaxDelay = d
	}
	if r.Jitter {
		base.Jitter = true
	}
	return base
}

// MappingPath is the default mapping file location.
func (s *Settings) MappingPath() string {
	return filepath.Join(s.Dirs.Output, "mapping.csv")
}

// LedgerDSN is the configured DSN or the SQLite file in the state dir.
func (s *Settings) LedgerDSN() string {
	if s.Ledger.DSN != "" {
		return s.Ledger.DSN
	}
	return filepath.Join(s.Dirs.State, "ledger.db")
}
