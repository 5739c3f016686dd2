package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	// Version is the current version of formfuzz
	Version = "1.0.0"
	// AppName is the application name
	AppName = "formfuzz"
)

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Backend string // dir or nats
	Dir     string
	Bucket  string
}

// BrowserConfig configures Chrome.
type BrowserConfig struct {
	Bin       string
	URL       string
	Isolation string
	Headless  bool
	Revision  int
	UserAgent string
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// ServerConfig configures serve mode.
type ServerConfig struct {
	Host           string
	Port           int
	BaseURL        string
	RateLimit      int           // requests per window
	RateWindow     time.Duration // time window for rate limiting
	IdempotencyTTL time.Duration
	ResultTTL      time.Duration
	MaxRunTimeout  time.Duration
	AllowedIPs     []string // empty allows everyone
}

// NATSConfig configures JetStream for the run queue and the kv cache.
type NATSConfig struct {
	URL      string
	StoreDir string
	Bin      string
	AutoDL   bool
	Embedded bool // start a local nats-server
}

// Config holds all configuration options.
type Config struct {
	TargetURL     string
	Count         int
	ResultsDir    string
	FailurePolicy string
	StepTimeout   time.Duration
	Template      string

	LLM     LLMConfig
	Cache   CacheConfig
	Browser BrowserConfig
	Log     LogConfig
	Server  ServerConfig
	NATS    NATSConfig

	FixturePort int

	countSet bool
	countErr error
}

// Keys, as seen by viper. Environment variables are the upper-cased key
// with dots replaced by underscores.
const (
	KeyTargetURL      = "target_url"
	KeyCount          = "count"
	KeyResultsDir     = "results_dir"
	KeyFailurePolicy  = "failure_policy"
	KeyStepTimeout    = "step_timeout"
	KeyPromptTemplate = "prompt.template"

	KeyLLMProvider = "llm.provider"
	KeyLLMAPIKey   = "llm.api_key"
	KeyLLMModel    = "llm.model"
	KeyLLMBaseURL  = "llm.base_url"
	KeyLLMTimeout  = "llm.timeout"

	KeyCacheBackend = "cache.backend"
	KeyCacheDir     = "cache.dir"
	KeyCacheBucket  = "cache.bucket"

	KeyBrowserBin       = "browser.bin"
	KeyBrowserURL       = "browser.url"
	KeyBrowserIsolation = "browser.isolation"
	KeyBrowserHeadless  = "browser.headless"
	KeyBrowserRevision  = "browser.revision"
	KeyBrowserUserAgent = "browser.user_agent"

	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
	KeyLogFile       = "log.file"
	KeyLogMaxSize    = "log.max_size"
	KeyLogMaxBackups = "log.max_backups"
	KeyLogMaxAge     = "log.max_age"
	KeyLogCompress   = "log.compress"

	KeyServerHost     = "server.host"
	KeyServerPort     = "server.port"
	KeyServerBaseURL  = "server.base_url"
	KeyRateLimit      = "rate_limit"
	KeyIdempotencyTTL = "server.idempotency_ttl"
	KeyResultTTL      = "server.result_ttl"
	KeyMaxRunTimeout  = "server.max_run_timeout"
	KeyAllowedIPs     = "server.allowed_ips"
	KeyNATSURL        = "nats.url"
	KeyNATSStore      = "nats.store"
	KeyNATSBin        = "nats.bin"
	KeyNATSAutoDL     = "nats.autodl"
	KeyNATSEmbedded   = "nats.embedded"
	KeyFixturePort    = "fixture.port"
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTargetURL, "")
	v.SetDefault(KeyResultsDir, "./results")
	v.SetDefault(KeyFailurePolicy, "fail-fast")
	v.SetDefault(KeyStepTimeout, 30*time.Second)
	v.SetDefault(KeyPromptTemplate, "")

	v.SetDefault(KeyLLMProvider, "")
	v.SetDefault(KeyLLMAPIKey, "")
	v.SetDefault(KeyLLMModel, "")
	v.SetDefault(KeyLLMBaseURL, "")
	v.SetDefault(KeyLLMTimeout, 2*time.Minute)

	v.SetDefault(KeyCacheBackend, "dir")
	v.SetDefault(KeyCacheDir, "./cache")
	v.SetDefault(KeyCacheBucket, "FORMFUZZ_LLM_CACHE")

	v.SetDefault(KeyBrowserBin, "")
	v.SetDefault(KeyBrowserURL, "")
	v.SetDefault(KeyBrowserIsolation, "process")
	v.SetDefault(KeyBrowserHeadless, true)
	v.SetDefault(KeyBrowserRevision, 0)
	v.SetDefault(KeyBrowserUserAgent, "")

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSize, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAge, 7)
	v.SetDefault(KeyLogCompress, false)

	v.SetDefault(KeyServerHost, "0.0.0.0")
	v.SetDefault(KeyServerPort, 8000)
	v.SetDefault(KeyServerBaseURL, "")
	v.SetDefault(KeyRateLimit, 60)
	v.SetDefault(KeyIdempotencyTTL, 24*time.Hour)
	v.SetDefault(KeyResultTTL, 7*24*time.Hour)
	v.SetDefault(KeyMaxRunTimeout, 30*time.Minute)
	v.SetDefault(KeyAllowedIPs, []string{})

	v.SetDefault(KeyNATSURL, "nats://127.0.0.1:4222")
	v.SetDefault(KeyNATSStore, "./data/nats")
	v.SetDefault(KeyNATSBin, "./bin/nats-server")
	v.SetDefault(KeyNATSAutoDL, true)
	v.SetDefault(KeyNATSEmbedded, true)

	v.SetDefault(KeyFixturePort, 3000)
}

// NewViper returns a viper instance reading defaults and the environment.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// COUNT has no default, so it has to be bound explicitly
	_ = v.BindEnv(KeyCount, "COUNT")
	return v
}

// ReadFile merges a YAML config file into v. A missing default file is not
// an error; an explicit path must exist.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("formfuzz")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && path == "" {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Load builds a Config from v. Format errors on optional settings are
// reported here; required settings are checked by the Validate methods.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		TargetURL:     strings.TrimSpace(v.GetString(KeyTargetURL)),
		FailurePolicy: v.GetString(KeyFailurePolicy),
		StepTimeout:   v.GetDuration(KeyStepTimeout),
		LLM: LLMConfig{
			Provider: strings.TrimSpace(v.GetString(KeyLLMProvider)),
			Model:    v.GetString(KeyLLMModel),
			BaseURL:  v.GetString(KeyLLMBaseURL),
			Timeout:  v.GetDuration(KeyLLMTimeout),
		},
		Cache: CacheConfig{
			Backend: strings.ToLower(v.GetString(KeyCacheBackend)),
			Bucket:  v.GetString(KeyCacheBucket),
		},
		Browser: BrowserConfig{
			URL:       v.GetString(KeyBrowserURL),
			Isolation: v.GetString(KeyBrowserIsolation),
			Headless:  v.GetBool(KeyBrowserHeadless),
			Revision:  v.GetInt(KeyBrowserRevision),
			UserAgent: v.GetString(KeyBrowserUserAgent),
		},
		Log: LogConfig{
			Level:      v.GetString(KeyLogLevel),
			Format:     v.GetString(KeyLogFormat),
			MaxSize:    v.GetInt(KeyLogMaxSize),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
			MaxAge:     v.GetInt(KeyLogMaxAge),
			Compress:   v.GetBool(KeyLogCompress),
		},
		Server: ServerConfig{
			Host:           v.GetString(KeyServerHost),
			Port:           v.GetInt(KeyServerPort),
			BaseURL:        v.GetString(KeyServerBaseURL),
			RateLimit:      v.GetInt(KeyRateLimit),
			RateWindow:     time.Minute,
			IdempotencyTTL: v.GetDuration(KeyIdempotencyTTL),
			ResultTTL:      v.GetDuration(KeyResultTTL),
			MaxRunTimeout:  v.GetDuration(KeyMaxRunTimeout),
			AllowedIPs:     v.GetStringSlice(KeyAllowedIPs),
		},
		NATS: NATSConfig{
			URL:      v.GetString(KeyNATSURL),
			AutoDL:   v.GetBool(KeyNATSAutoDL),
			Embedded: v.GetBool(KeyNATSEmbedded),
		},
		FixturePort: v.GetInt(KeyFixturePort),
	}

	if v.IsSet(KeyCount) {
		cfg.countSet = true
		raw := strings.TrimSpace(v.GetString(KeyCount))
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			cfg.countErr = &ConfigurationError{Key: "COUNT", Reason: fmt.Sprintf("%q is not an integer", raw)}
		case n < 0:
			cfg.countErr = &ConfigurationError{Key: "COUNT", Reason: "must be non-negative"}
		default:
			cfg.Count = n
		}
	}

	rawKey := strings.TrimSpace(v.GetString(KeyLLMAPIKey))
	if cfg.LLM.Provider != "" {
		cfg.LLM.APIKey = rawKey
	} else if rawKey != "" {
		provider, key, err := ParseProviderKey(rawKey)
		if err != nil {
			return nil, err
		}
		cfg.LLM.Provider = provider
		cfg.LLM.APIKey = key
	}

	paths := []struct {
		dst *string
		key string
	}{
		{&cfg.ResultsDir, KeyResultsDir},
		{&cfg.Template, KeyPromptTemplate},
		{&cfg.Cache.Dir, KeyCacheDir},
		{&cfg.Browser.Bin, KeyBrowserBin},
		{&cfg.Log.File, KeyLogFile},
		{&cfg.NATS.StoreDir, KeyNATSStore},
		{&cfg.NATS.Bin, KeyNATSBin},
	}
	for _, p := range paths {
		expanded, err := homedir.Expand(strings.TrimSpace(v.GetString(p.key)))
		if err != nil {
			return nil, &ConfigurationError{Key: envName(p.key), Reason: err.Error()}
		}
		*p.dst = expanded
	}

	switch cfg.Cache.Backend {
	case "dir", "nats":
	default:
		return nil, &ConfigurationError{Key: "CACHE_BACKEND", Reason: fmt.Sprintf("unknown backend %q", cfg.Cache.Backend)}
	}

	for _, entry := range cfg.Server.AllowedIPs {
		if !validAllowEntry(entry) {
			return nil, &ConfigurationError{Key: "SERVER_ALLOWED_IPS", Reason: fmt.Sprintf("%q is neither an address nor a CIDR prefix", entry)}
		}
	}

	if cfg.Server.BaseURL == "" {
		host := cfg.Server.Host
		if host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}

	return cfg, nil
}

func validAllowEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if _, err := netip.ParsePrefix(entry); err == nil {
		return true
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

// ParseProviderKey splits "provider:apikey" on the first colon.
func ParseProviderKey(raw string) (provider, key string, err error) {
	provider, key, ok := strings.Cut(raw, ":")
	provider = strings.TrimSpace(provider)
	if !ok || provider == "" || key == "" {
		return "", "", &ConfigurationError{Key: "LLM_API_KEY", Reason: `expected "provider:apikey"`}
	}
	return provider, key, nil
}

// ValidateLLM checks the provider credentials.
func (c *Config) ValidateLLM() error {
	if c.LLM.APIKey == "" {
		return &ConfigurationError{Key: "LLM_API_KEY", Reason: "is required"}
	}
	if c.LLM.Provider == "" {
		return &ConfigurationError{Key: "LLM_PROVIDER", Reason: "is required"}
	}
	return nil
}

// ValidateRun checks every setting a single run needs.
func (c *Config) ValidateRun() error {
	if c.TargetURL == "" {
		return &ConfigurationError{Key: "TARGET_URL", Reason: "is required"}
	}
	if !c.countSet {
		return &ConfigurationError{Key: "COUNT", Reason: "is required"}
	}
	if c.countErr != nil {
		return c.countErr
	}
	return c.ValidateLLM()
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
