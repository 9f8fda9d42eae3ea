package middleware

import (
	"context"

	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// FallbackOptions configures the fallback middleware.
	FallbackOptions struct {
		// Clients are tried in order after the primary fails with a
		// transient error. Required, at least one.
		Clients []generate.Client
		// Logger receives one warning per failover. Nil discards them.
		Logger telemetry.Logger
	}

	fallbackClient struct {
		next      generate.Client
		fallbacks []generate.Client
		logger    telemetry.Logger
	}
)

// NewFallback returns a generate.Client middleware that fails over to the
// configured secondary clients when the primary fails transiently. Permanent
// failures (bad requests, auth) surface immediately since no other provider
// would fare better with the same request.
func NewFallback(opts FallbackOptions) func(generate.Client) generate.Client {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return func(next generate.Client) generate.Client {
		if next == nil {
			return nil
		}
		return &fallbackClient{
			next:      next,
			fallbacks: opts.Clients,
			logger:    logger,
		}
	}
}

// RetrieveAndGenerate tries the primary client, then each fallback in order.
// The first success wins; the primary's error is returned when every client
// fails so the caller sees the original failure mode.
func (c *fallbackClient) RetrieveAndGenerate(ctx context.Context, req *generate.Request) (*generate.Result, error) {
	res, primaryErr := c.next.RetrieveAndGenerate(ctx, req)
	if primaryErr == nil {
		return res, nil
	}
	if !Retryable(primaryErr) {
		return nil, primaryErr
	}

	for i, fb := range c.fallbacks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn(ctx, "failing over to secondary provider",
			"rank", i+1,
			"error", primaryErr.Error())
		res, err := fb.RetrieveAndGenerate(ctx, req)
		if err == nil {
			return res, nil
		}
	}
	return nil, primaryErr
}
