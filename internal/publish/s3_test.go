package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D}

type fakeS3 struct {
	puts    []*s3.PutObjectInput
	bodies  [][]byte
	putErrs []error
	headErr error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		return nil, err
	}
	body, _ := io.ReadAll(in.Body)
	f.puts = append(f.puts, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func TestS3DeliveryURL(t *testing.T) {
	p := NewS3WithClient(&fakeS3{}, S3Config{Bucket: "b", Region: "us-east-1", Prefix: "catalog"})
	assert.Equal(t, "https://b.s3.us-east-1.amazonaws.com/catalog/abc", p.DeliveryURL("abc"))

	p = NewS3WithClient(&fakeS3{}, S3Config{Bucket: "b", CDNDomain: "img.example.com"})
	assert.Equal(t, "https://img.example.com/abc", p.DeliveryURL("abc"))
}

func TestS3PublishLocalFile(t *testing.T) {
	api := &fakeS3{}
	p := NewS3WithClient(api, S3Config{Bucket: "b", CDNDomain: "cdn.test", Prefix: "p", Retry: fastRetry()})

	path := filepath.Join(t.TempDir(), "abc.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o644))

	asset, err := p.Publish(context.Background(), path, "abc", map[string]string{"product_name": "Crème brûlée", "sub_category": ""})
	require.NoError(t, err)
	assert.Equal(t, "p/abc", asset.ID)
	assert.Equal(t, "https://cdn.test/p/abc", asset.URL)

	require.Len(t, api.puts, 1)
	in := api.puts[0]
	assert.Equal(t, "b", aws.ToString(in.Bucket))
	assert.Equal(t, "image/png", aws.ToString(in.ContentType))
	assert.Equal(t, "Cr%C3%A8me+br%C3%BBl%C3%A9e", in.Metadata["product_name"])
	assert.NotContains(t, in.Metadata, "sub_category")
	assert.Equal(t, pngHeader, api.bodies[0])
}

func TestS3RejectsNonImage(t *testing.T) {
	p := NewS3WithClient(&fakeS3{}, S3Config{Bucket: "b"})
	path := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, os.WriteFile(path, []byte("<html>nope</html>"), 0o644))
	_, err := p.Publish(context.Background(), path, "x", nil)
	assert.Equal(t, ClassPermanent, Classify(err))
}

func TestS3NetworkErrorRetried(t *testing.T) {
	api := &fakeS3{putErrs: []error{errors.New("connection reset")}}
	p := NewS3WithClient(api, S3Config{Bucket: "b", Retry: fastRetry()})
	path := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o644))

	_, err := p.Publish(context.Background(), path, "x", nil)
	require.NoError(t, err)
	assert.Len(t, api.puts, 1)
}

func TestS3PublishURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(pngHeader)
	}))
	defer srv.Close()

	api := &fakeS3{}
	p := NewS3WithClient(api, S3Config{Bucket: "b", CDNDomain: "cdn.test", Retry: fastRetry()})

	asset, err := p.PublishURL(context.Background(), srv.URL+"/a.png", "a", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/a", asset.URL)
	assert.Len(t, api.puts, 1)

	_, err = p.PublishURL(context.Background(), srv.URL+"/missing.png", "m", nil)
	assert.Equal(t, ClassPermanent, Classify(err))
}

func TestS3Ping(t *testing.T) {
	p := NewS3WithClient(&fakeS3{}, S3Config{Bucket: "b"})
	msg, err := p.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Connected! Bucket: b", msg)
}
