package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCloudflareServer(t *testing.T, mux *http.ServeMux) *Cloudflare {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewCloudflare(CloudflareConfig{
		AccountID:  "acct",
		APIToken:   "tok",
		ImagesHash: "hash",
		APIBase:    srv.URL,
		Retry:      fastRetry(),
	})
}

func TestCloudflareDeliveryURL(t *testing.T) {
	c := NewCloudflare(CloudflareConfig{ImagesHash: "h"})
	assert.Equal(t, "https://imagedelivery.net/h/abc/w=270,q=70,f=auto,fit=scale-down", c.DeliveryURL("abc"))

	c = NewCloudflare(CloudflareConfig{ImagesHash: "h", Variant: "public"})
	assert.Equal(t, "https://imagedelivery.net/h/abc/public", c.DeliveryURL("abc"))
}

func TestCloudflarePublishURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/images/v1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "https://cdn/a.png", r.FormValue("url"))
		assert.Equal(t, "a", r.FormValue("id"))
		var meta map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &meta))
		assert.Equal(t, "Apple", meta["product_name"])
		fmt.Fprint(w, `{"success":true,"result":{"id":"a"}}`)
	})
	c := newCloudflareServer(t, mux)

	asset, err := c.PublishURL(context.Background(), "https://cdn/a.png", "a", map[string]string{"product_name": "Apple"})
	require.NoError(t, err)
	assert.Equal(t, "a", asset.ID)
	assert.Equal(t, c.DeliveryURL("a"), asset.URL)
}

func TestCloudflareDuplicateResolvesExisting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/images/v1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":5409,"message":"Resource already exists"}]}`)
	})
	mux.HandleFunc("/accounts/acct/images/v1/dup", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		fmt.Fprint(w, `{"success":true,"result":{"id":"dup"}}`)
	})
	c := newCloudflareServer(t, mux)

	asset, err := c.PublishURL(context.Background(), "https://cdn/dup.png", "dup", nil)
	require.NoError(t, err)
	assert.Equal(t, "dup", asset.ID)
}

func TestCloudflareRateLimitIsRetried(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/images/v1", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":971,"message":"Please wait"}]}`)
	})
	c := newCloudflareServer(t, mux)

	_, err := c.PublishURL(context.Background(), "https://cdn/a.png", "a", nil)
	require.Error(t, err)
	assert.Equal(t, ClassTransient, Classify(err))
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, 3, calls)
}

func TestCloudflareRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/images/v1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":5400,"message":"Bad image"}]}`)
	})
	c := newCloudflareServer(t, mux)

	_, err := c.PublishURL(context.Background(), "https://cdn/a.png", "a", nil)
	assert.Equal(t, ClassPermanent, Classify(err))
	assert.Contains(t, err.Error(), "Bad image")
}

func TestCloudflarePing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct/images/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"result":{"count":{"current":12,"allowed":100000}}}`)
	})
	c := newCloudflareServer(t, mux)

	msg, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Connected! Images: 12/100000", msg)
}
