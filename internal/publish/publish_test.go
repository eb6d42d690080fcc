package publish

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/imgmigrate/internal/retry"
)

func fastRetry() *retry.Policy {
	return &retry.Policy{MaxAttempts: 3, Retryable: Retryable}
}

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", Transient(base), ClassTransient},
		{"permanent", Permanent(base), ClassPermanent},
		{"wrapped transient", fmt.Errorf("ctx: %w", Transient(base)), ClassTransient},
		{"unmarked", base, ClassUnexpected},
		{"429", StatusError(429, "slow down"), ClassTransient},
		{"503", StatusError(503, "down"), ClassTransient},
		{"400", StatusError(400, "bad"), ClassPermanent},
		{"404", StatusError(404, "gone"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMarksKeepMessage(t *testing.T) {
	err := Permanent(errors.New("invalid image"))
	assert.Equal(t, "invalid image", err.Error())
	assert.Contains(t, StatusError(404, "fetch %s", "x").Error(), "HTTP 404")
}

func TestTransportErrorLeavesCancellationUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := TransportError(ctx, context.Canceled)
	assert.Equal(t, ClassUnexpected, Classify(err))

	err = TransportError(context.Background(), errors.New("connection reset"))
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestProfileRendering(t *testing.T) {
	assert.Equal(t, "w_270,q_70,f_auto,c_scale", DefaultProfile.Cloudinary())
	assert.Equal(t, "w=270,q=70,f=auto,fit=scale-down", DefaultProfile.Flexible())
	p := Profile{Width: 100, Height: 50, Fit: "cover"}
	assert.Equal(t, "w_100,h_50,c_fill", p.Cloudinary())
	assert.Equal(t, "", Profile{}.Cloudinary())
}

type countingPublisher struct {
	Cloudinary
	calls int
}

func (c *countingPublisher) PublishURL(context.Context, string, string, map[string]string) (Asset, error) {
	c.calls++
	return Asset{ID: "x"}, nil
}

func TestLimitPassThrough(t *testing.T) {
	inner := &countingPublisher{}
	assert.Same(t, Publisher(inner), Limit(inner, 0, 0))

	p := Limit(inner, 1000, 1)
	for i := 0; i < 3; i++ {
		_, err := p.PublishURL(context.Background(), "u", "id", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, inner.calls)
}

func TestLimitHonoursContext(t *testing.T) {
	p := Limit(&countingPublisher{}, 0.001, 1)
	_, err := p.PublishURL(context.Background(), "u", "id", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.PublishURL(ctx, "u", "id", nil)
	assert.Error(t, err)
}
