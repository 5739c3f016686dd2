package llm

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provider ids understood by NewBackend.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
)

// BackendConfig overrides a backend's endpoint and model.
type BackendConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewBackend constructs the backend for a provider id.
func NewBackend(providerID string, cfg BackendConfig, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	switch normalizeID(providerID) {
	case ProviderOpenAI:
		return NewOpenAIBackend(orDefault(cfg.BaseURL, "https://api.openai.com/v1"), orDefault(cfg.Model, "gpt-4o-mini"), httpClient, logger.Named("llm.openai")), nil
	case ProviderOpenRouter:
		return NewOpenAIBackend(orDefault(cfg.BaseURL, "https://openrouter.ai/api/v1"), orDefault(cfg.Model, "openai/gpt-4o-mini"), httpClient, logger.Named("llm.openrouter")), nil
	case ProviderAnthropic:
		return NewAnthropicBackend(orDefault(cfg.BaseURL, "https://api.anthropic.com"), orDefault(cfg.Model, "claude-3-5-haiku-latest"), httpClient, logger.Named("llm.anthropic")), nil
	case ProviderGemini:
		return NewGeminiBackend(cfg.BaseURL, orDefault(cfg.Model, "gemini-2.5-flash"), httpClient, logger.Named("llm.gemini")), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
}

// NewDefaultRouter registers every known provider with its default
// settings, then applies cfg to the selected one.
func NewDefaultRouter(selected string, cfg BackendConfig, logger *zap.Logger) (*Router, error) {
	r := NewRouter(logger)
	for _, id := range []string{ProviderOpenAI, ProviderOpenRouter, ProviderAnthropic, ProviderGemini} {
		c := BackendConfig{Timeout: cfg.Timeout}
		if normalizeID(selected) == id {
			c = cfg
		}
		b, err := NewBackend(id, c, logger)
		if err != nil {
			return nil, err
		}
		r.Register(id, b)
	}
	if _, err := r.lookup(selected); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) lookup(providerID string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[normalizeID(providerID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	return b, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
