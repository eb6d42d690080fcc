package config

import "github.com/lucasnoah/imgmigrate/internal/publish"

// Destinations the migrator can publish to.
const (
	DestCloudinary = "cloudinary"
	DestCloudflare = "cloudflare"
	DestS3         = "s3"
)

// Settings is the top-level structure parsed from imgmigrate.yaml.
type Settings struct {
	Dirs         Dirs            `yaml:"dirs"`
	Destination  string          `yaml:"destination"`
	ImageColumns []string        `yaml:"image_columns"`
	Profile      publish.Profile `yaml:"profile"`
	Retry        RetrySettings   `yaml:"retry"`
	State        StateSettings   `yaml:"state"`
	Workers      int             `yaml:"workers"`
	RateLimit    RateLimit       `yaml:"rate_limit"`
	Mapping      MappingSettings `yaml:"mapping"`
	Ledger       LedgerSettings  `yaml:"ledger"`
}

// Dirs are the working directories, relative to the current directory.
type Dirs struct {
	Downloads string `yaml:"downloads"`
	Output    string `yaml:"output"`
	State     string `yaml:"state"`
	Logs      string `yaml:"logs"`
}

// RetrySettings override the built-in download and upload policies.
type RetrySettings struct {
	Download RetryPolicy `yaml:"download"`
	Upload   RetryPolicy `yaml:"upload"`
}

// RetryPolicy fields left at zero keep the built-in value. Delays are Go
// duration strings such as "2s".
type RetryPolicy struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
	Jitter      bool   `yaml:"jitter"`
}

type StateSettings struct {
	// FlushEvery is the number of successes between snapshot writes.
	FlushEvery int `yaml:"flush_every"`
}

// RateLimit caps publisher calls per second. Zero means unlimited.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type MappingSettings struct {
	// OmitMetadata drops the product columns from the mapping file.
	OmitMetadata bool `yaml:"omit_metadata"`
}

// LedgerSettings select the audit ledger. An empty DSN means a SQLite file
// in the state directory.
type LedgerSettings struct {
	DSN      string `yaml:"dsn"`
	Disabled bool   `yaml:"disabled"`
}

// Credentials come from the environment only.
type Credentials struct {
	Cloudinary CloudinaryCredentials
	Cloudflare CloudflareCredentials
	S3         S3Credentials
	// RedisURL enables the shared run lock.
	RedisURL string
}

type CloudinaryCredentials struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

type CloudflareCredentials struct {
	AccountID  string
	APIToken   string
	ImagesHash string
}

// S3Credentials name the bucket. AWS keys are resolved by the SDK's default
// chain.
type S3Credentials struct {
	Bucket    string
	Region    string
	CDNDomain string
	Prefix    string
}

// Config is everything a run needs besides its flags.
type Config struct {
	Settings
	Credentials Credentials
	// Path is the settings file that was loaded, or "" for defaults.
	Path string
	// EnvFile is the dotenv file that was loaded, or "".
	EnvFile string
}
