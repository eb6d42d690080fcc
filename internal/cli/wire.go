package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lucasnoah/imgmigrate/internal/config"
	"github.com/lucasnoah/imgmigrate/internal/fetch"
	"github.com/lucasnoah/imgmigrate/internal/ledger"
	"github.com/lucasnoah/imgmigrate/internal/publish"
	"github.com/lucasnoah/imgmigrate/internal/runlock"
)

// newPublisher is swapped out in tests.
var newPublisher = buildPublisher

// buildPublisher constructs the configured destination. The rate limit is
// applied on top.
func buildPublisher(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (publish.Publisher, error) {
	policy := cfg.Retry.Upload.Apply(publish.UploadPolicy())
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warnw("Upload failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	creds := cfg.Credentials

	var pub publish.Publisher
	switch cfg.Destination {
	case config.DestCloudinary:
		pub = publish.NewCloudinary(publish.CloudinaryConfig{
			CloudName: creds.Cloudinary.CloudName,
			APIKey:    creds.Cloudinary.APIKey,
			APISecret: creds.Cloudinary.APISecret,
			Folder:    creds.Cloudinary.Folder,
			Profile:   cfg.Profile,
			Retry:     &policy,
		})
	case config.DestCloudflare:
		pub = publish.NewCloudflare(publish.CloudflareConfig{
			AccountID:  creds.Cloudflare.AccountID,
			APIToken:   creds.Cloudflare.APIToken,
			ImagesHash: creds.Cloudflare.ImagesHash,
			Profile:    cfg.Profile,
			Retry:      &policy,
		})
	case config.DestS3:
		s3, err := publish.NewS3(ctx, publish.S3Config{
			Bucket:    creds.S3.Bucket,
			Region:    creds.S3.Region,
			CDNDomain: creds.S3.CDNDomain,
			Prefix:    creds.S3.Prefix,
			Retry:     &policy,
		})
		if err != nil {
			return nil, err
		}
		pub = s3
	default:
		return nil, fmt.Errorf("unknown destination %q", cfg.Destination)
	}
	return publish.Limit(pub, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst), nil
}

func newDownloader(cfg *config.Config, log *zap.SugaredLogger) *fetch.Downloader {
	return fetch.New(cfg.Dirs.Downloads,
		fetch.WithRetry(cfg.Retry.Download.Apply(fetch.DownloadPolicy())),
		fetch.WithLogger(log),
	)
}

// openLedger opens and migrates the audit ledger. A nil DB with a nil error
// means the ledger is disabled.
func openLedger(ctx context.Context, cfg *config.Config) (*ledger.DB, error) {
	if cfg.Ledger.Disabled {
		return nil, nil
	}
	db, err := ledger.Open(cfg.LedgerDSN())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newRunLock picks Redis when REDIS_URL is set, then the Postgres ledger,
// then a lock file in the state directory.
func newRunLock(cfg *config.Config, db *ledger.DB, log *zap.SugaredLogger) (runlock.Lock, func(), error) {
	var rdb *redis.Client
	if cfg.Credentials.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Credentials.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
	}
	l := runlock.New(cfg.Dirs.State, rdb, db.Postgres(), runlock.DefaultTTL)
	if rl, ok := l.(*runlock.RedisLock); ok {
		rl.WithLogger(log)
	}
	cleanup := func() {
		if rdb != nil {
			rdb.Close()
		}
	}
	return l, cleanup, nil
}
