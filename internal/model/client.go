package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// Config configures the Genkit-backed client.
type Config struct {
	// ModelName is provider-qualified, e.g. "googleai/gemini-2.5-flash".
	ModelName string

	// RPS caps model calls per second. Zero disables the limiter.
	RPS float64

	Retry   RetryConfig
	Breaker CircuitBreakerConfig
}

// Client implements Generator on top of Genkit with rate limiting,
// bounded retry, and a circuit breaker. One Client is shared by every
// session runtime.
type Client struct {
	g         *genkit.Genkit
	modelName string
	limiter   *rate.Limiter
	breaker   *CircuitBreaker
	retry     RetryConfig
	logger    *slog.Logger
}

// NewClient creates a Client.
func NewClient(g *genkit.Genkit, cfg Config, logger *slog.Logger) (*Client, error) {
	if g == nil {
		return nil, errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Client{
		g:         g,
		modelName: cfg.ModelName,
		limiter:   limiter,
		breaker:   NewCircuitBreaker(cfg.Breaker),
		retry:     cfg.Retry,
		logger:    logger,
	}, nil
}

// Stream drives incremental generation, forwarding each chunk through
// fn. Transient failures are retried only while nothing has been
// forwarded yet; once the first chunk is out, a retry would replay
// output the caller already delivered.
func (c *Client) Stream(ctx context.Context, msgs []*ai.Message, fn StreamFunc) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", err
	}

	var emitted bool
	streamCb := func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
		if chunk == nil {
			return nil
		}
		for _, part := range chunk.Content {
			if part.Text == "" {
				continue
			}
			emitted = true
			if err := fn(ctx, Chunk{Text: part.Text}); err != nil {
				return err
			}
		}
		return nil
	}

	resp, err := c.generate(ctx, func() (*ai.ModelResponse, error) {
		return genkit.Generate(ctx, c.g,
			ai.WithModelName(c.modelName),
			ai.WithMessages(msgs...),
			ai.WithStreaming(streamCb),
		)
	}, func() bool { return !emitted })
	if err != nil {
		c.breaker.Failure()
		return "", fmt.Errorf("model stream: %w", err)
	}

	c.breaker.Success()
	return resp.Text(), nil
}

// Complete runs a single-shot prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.breaker.Allow(); err != nil {
		return "", err
	}

	resp, err := c.generate(ctx, func() (*ai.ModelResponse, error) {
		return genkit.Generate(ctx, c.g,
			ai.WithModelName(c.modelName),
			ai.WithPrompt(prompt),
		)
	}, func() bool { return true })
	if err != nil {
		c.breaker.Failure()
		return "", fmt.Errorf("model complete: %w", err)
	}

	c.breaker.Success()
	return resp.Text(), nil
}

// generate runs call with rate limiting and exponential backoff.
// mayRetry gates each retry; it returns false once retrying would
// produce user-visible duplication.
func (c *Client) generate(ctx context.Context, call func() (*ai.ModelResponse, error), mayRetry func() bool) (*ai.ModelResponse, error) {
	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		// Each attempt counts against the rate limit.
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := call()
		if err == nil {
			c.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) || !mayRetry() || attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Debug("retrying model call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return nil, lastErr
}
