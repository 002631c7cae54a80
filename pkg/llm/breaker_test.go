package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive-ai/buildhive/pkg/retry"
)

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &Response{Text: "ok"}, nil
}

func (c *countingClient) Model() string { return "test-model" }

func TestWithBreakerFailsFastWhenProviderIsDown(t *testing.T) {
	inner := &countingClient{err: errors.New("provider down")}
	client := WithBreaker(inner, retry.NewBreaker("llm", 2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), Request{})
		require.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)

	// Breaker is open now; the provider is no longer invoked.
	_, err := client.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, retry.ErrBreakerOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestWithBreakerPassesThroughOnSuccess(t *testing.T) {
	inner := &countingClient{}
	client := WithBreaker(inner, retry.NewBreaker("llm", 2, time.Minute))

	resp, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "test-model", client.Model())
}

func TestWithBreakerNilBreakerIsIdentity(t *testing.T) {
	inner := &countingClient{}
	assert.Same(t, Client(inner), WithBreaker(inner, nil))
}
