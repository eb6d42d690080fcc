package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"

	"github.com/lucasnoah/imgmigrate/internal/retry"
)

// maxObjectSize caps what PublishURL buffers in memory.
const maxObjectSize = 20 << 20

// S3API is the subset of the S3 client the publisher uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config configures an S3 publisher. Objects are served from CDNDomain
// when set, otherwise from the bucket's public endpoint.
type S3Config struct {
	Bucket     string
	Region     string
	CDNDomain  string
	Prefix     string
	HTTPClient *http.Client
	Retry      *retry.Policy
}

// S3 publishes objects to a bucket fronted by a CDN. The bucket stores the
// original bytes; no delivery transform is applied.
type S3 struct {
	cfg    S3Config
	api    S3API
	client *http.Client
	policy retry.Policy
}

// NewS3 builds an S3 publisher from the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3WithClient builds an S3 publisher on an existing client.
func NewS3WithClient(api S3API, cfg S3Config) *S3 {
	p := &S3{cfg: cfg, api: api, client: cfg.HTTPClient, policy: UploadPolicy()}
	if p.client == nil {
		p.client = defaultHTTPClient()
	}
	if cfg.Retry != nil {
		p.policy = *cfg.Retry
	}
	return p
}

func (p *S3) Name() string { return "s3" }

func (p *S3) key(id string) string {
	if p.cfg.Prefix == "" {
		return id
	}
	return path.Join(p.cfg.Prefix, id)
}

func (p *S3) urlFor(key string) string {
	if p.cfg.CDNDomain != "" {
		return fmt.Sprintf("https://%s/%s", p.cfg.CDNDomain, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.cfg.Bucket, p.cfg.Region, key)
}

func (p *S3) DeliveryURL(id string) string {
	return p.urlFor(p.key(id))
}

// Ping checks that the bucket exists and is reachable.
func (p *S3) Ping(ctx context.Context) (string, error) {
	if _, err := p.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.cfg.Bucket)}); err != nil {
		return "", classifyS3(ctx, errors.Wrapf(err, "head bucket %s", p.cfg.Bucket))
	}
	return fmt.Sprintf("Connected! Bucket: %s", p.cfg.Bucket), nil
}

// Publish uploads a local file under id.
func (p *S3) Publish(ctx context.Context, localPath, id string, meta map[string]string) (Asset, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Asset{}, Permanent(fmt.Errorf("image file not found: %s", localPath))
		}
		return Asset{}, fmt.Errorf("read %s: %w", localPath, err)
	}
	return p.put(ctx, id, data, meta)
}

// PublishURL fetches sourceURL and stores the bytes, since S3 cannot
// ingest from a URL on its own.
func (p *S3) PublishURL(ctx context.Context, sourceURL, id string, meta map[string]string) (Asset, error) {
	data, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return nil, Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, TransportError(ctx, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, StatusError(resp.StatusCode, "fetch %s", sourceURL)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
		if err != nil {
			return nil, TransportError(ctx, err)
		}
		if len(data) > maxObjectSize {
			return nil, Permanent(fmt.Errorf("image exceeds %d bytes", maxObjectSize))
		}
		return data, nil
	})
	if err != nil {
		return Asset{}, err
	}
	return p.put(ctx, id, data, meta)
}

func (p *S3) put(ctx context.Context, id string, data []byte, meta map[string]string) (Asset, error) {
	key := p.key(id)
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return Asset{}, Permanent(fmt.Errorf("unsupported content type %s", contentType))
	}
	objMeta := make(map[string]string, len(meta))
	for k, v := range meta {
		if v != "" {
			objMeta[k] = url.QueryEscape(v)
		}
	}

	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		_, err := p.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(p.cfg.Bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(data),
			ContentType:  aws.String(contentType),
			CacheControl: aws.String("public, max-age=31536000"),
			Metadata:     objMeta,
		})
		if err != nil {
			return classifyS3(ctx, errors.Wrapf(err, "put object %s", key))
		}
		return nil
	})
	if err != nil {
		return Asset{}, err
	}
	return Asset{ID: key, URL: p.urlFor(key)}, nil
}

// classifyS3 marks SDK errors by their HTTP status. Errors without a
// response are network faults.
func classifyS3(ctx context.Context, err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if TransientStatus(respErr.HTTPStatusCode()) {
			return Transient(err)
		}
		return Permanent(err)
	}
	if ctx.Err() != nil {
		return err
	}
	return Transient(err)
}
