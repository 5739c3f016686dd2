package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ahrdadan/formfuzz/internal/cache"
)

// Resolution is the text resolved for one prompt.
type Resolution struct {
	Key    string
	Text   string
	Cached bool
}

// CachingClient answers prompts from the store when it can and calls the
// provider at most once per distinct prompt otherwise.
type CachingClient struct {
	store      cache.Store
	provider   Provider
	providerID string
	apiKey     string
	timeout    time.Duration
	logger     *zap.Logger
	group      singleflight.Group
}

// ClientOption configures a CachingClient.
type ClientOption func(*CachingClient)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *CachingClient) {
		c.timeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *CachingClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCachingClient builds a client over store and provider using the given
// credentials for every call.
func NewCachingClient(store cache.Store, provider Provider, providerID, apiKey string, opts ...ClientOption) *CachingClient {
	c := &CachingClient{
		store:      store,
		provider:   provider,
		providerID: providerID,
		apiKey:     apiKey,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("llm.cache")
	return c
}

// Resolve returns the response text for prompt. Callers asking for the same
// prompt concurrently share one lookup and provider call. That shared call
// is detached from any single caller's cancellation and bounded by the
// client timeout instead; each caller stops waiting when its own ctx ends.
func (c *CachingClient) Resolve(ctx context.Context, prompt string) (Resolution, error) {
	key := cache.Key(prompt)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.resolve(context.WithoutCancel(ctx), key, prompt)
	})

	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Resolution{}, r.Err
		}
		if r.Shared {
			c.logger.Debug("Joined in-flight resolution", zap.String("key", key))
		}
		return r.Val.(Resolution), nil
	}
}

func (c *CachingClient) resolve(ctx context.Context, key, prompt string) (Resolution, error) {
	hit, err := c.store.Lookup(ctx, key)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to look up cached response: %w", err)
	}
	if hit.Hit {
		c.logger.Info("Cache hit", zap.String("key", key))
		return Resolution{Key: key, Text: hit.Value, Cached: true}, nil
	}

	c.logger.Info("Cache miss, calling provider", zap.String("key", key), zap.String("provider", c.providerID))

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := c.provider.Send(callCtx, c.providerID, c.apiKey, prompt)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to send prompt to %s: %w", c.providerID, err)
	}
	if !result.Success {
		return Resolution{}, &RequestFailedError{Provider: c.providerID, Raw: result.Raw}
	}
	c.logger.Debug("Provider answered", zap.Duration("duration", time.Since(start)), zap.Int("response_len", len(result.Results)))

	if err := c.store.Put(ctx, key, result.Results); err != nil {
		return Resolution{}, fmt.Errorf("failed to store response: %w", err)
	}

	return Resolution{Key: key, Text: result.Results}, nil
}
