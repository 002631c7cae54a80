package llm

import (
	"context"

	"github.com/buildhive-ai/buildhive/pkg/retry"
)

// breakerClient shields a provider behind a circuit breaker: once the
// provider fails repeatedly, callers get retry.ErrBreakerOpen
// immediately instead of each burning a full request timeout.
type breakerClient struct {
	inner   Client
	breaker *retry.Breaker
}

// WithBreaker wraps client with a circuit breaker. A nil breaker
// returns the client unchanged.
func WithBreaker(client Client, breaker *retry.Breaker) Client {
	if breaker == nil {
		return client
	}
	return &breakerClient{inner: client, breaker: breaker}
}

func (c *breakerClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := c.breaker.Do(func() error {
		var err error
		resp, err = c.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *breakerClient) Model() string { return c.inner.Model() }
