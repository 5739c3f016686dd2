// Package llm resolves prompts to model output through a content-addressed
// cache in front of the configured provider.
package llm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownProvider is returned when no backend is registered for an id.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Result is the outcome of one provider call. Success is false when the
// provider answered but reported a failure; Raw then carries its response.
type Result struct {
	Success bool
	Results string
	Raw     string
}

// Provider sends a prompt to the provider named by providerID.
type Provider interface {
	Send(ctx context.Context, providerID, apiKey, prompt string) (Result, error)
}

// Backend talks to one provider API.
type Backend interface {
	Complete(ctx context.Context, apiKey, prompt string) (Result, error)
}

// Router dispatches Send calls to registered backends by provider id.
type Router struct {
	mu       sync.RWMutex
	backends map[string]Backend
	logger   *zap.Logger
}

// NewRouter returns a router with no backends registered.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		backends: make(map[string]Backend),
		logger:   logger.Named("llm.router"),
	}
}

// Register binds a backend to a provider id, replacing any previous one.
func (r *Router) Register(providerID string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[normalizeID(providerID)] = b
}

// Providers lists registered provider ids in sorted order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send implements Provider.
func (r *Router) Send(ctx context.Context, providerID, apiKey, prompt string) (Result, error) {
	b, err := r.lookup(providerID)
	if err != nil {
		return Result{}, err
	}

	r.logger.Debug("Sending prompt", zap.String("provider", providerID), zap.Int("prompt_len", len(prompt)))
	return b.Complete(ctx, apiKey, prompt)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
