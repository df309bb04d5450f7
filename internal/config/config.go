// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Deliberation deadlines. The *_MS names on the wire match the
	// Chainlink job pipeline convention.
	RequestTimeout       time.Duration // overall /evaluate budget
	ModelTimeout         time.Duration // per jury slot
	JustificationTimeout time.Duration // justifier call

	// Quorum and justifier.
	MinSuccessPercent float64 // fraction of jury slots that must succeed
	JustifierModel    string  // "provider:model"

	// Content store.
	Gateways       []string // ordered fetch gateways
	PinningService string   // upload endpoint
	PinningKey     string   // bearer credential for uploads
	FetchAttempts  int
	FetchTimeout   time.Duration // per attempt

	// Provider credentials and endpoints.
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	XAIAPIKey       string
	XAIBaseURL      string
	OllamaBaseURL   string

	// Provider call caps.
	ProviderConcurrency int64 // outstanding calls per provider

	// Commit store.
	CommitStoreMode     string // "memory" or "file"
	CommitStorePath     string
	CommitTTL           time.Duration
	CommitPurgeInterval time.Duration

	// Capability matrix override; empty means the embedded default.
	CapabilitiesPath string

	// Scratch space for per-request archive extraction.
	ScratchDir string

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	ShutdownHTTPTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("ARBITER_PORT", 8080),
		ReadTimeout:          envDuration("ARBITER_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("ARBITER_WRITE_TIMEOUT", 300*time.Second),
		RequestTimeout:       envMS("REQUEST_TIMEOUT_MS", 240*time.Second),
		ModelTimeout:         envMS("MODEL_TIMEOUT_MS", 120*time.Second),
		JustificationTimeout: envMS("JUSTIFICATION_TIMEOUT_MS", 45*time.Second),
		MinSuccessPercent:    envFloat("MIN_SUCCESSFUL_MODELS_PERCENT", 0.5),
		JustifierModel:       envStr("JUSTIFIER_MODEL", "openai:gpt-4o"),
		Gateways: envList("IPFS_GATEWAYS", []string{
			"https://ipfs.io/ipfs/",
			"https://gateway.pinata.cloud/ipfs/",
			"https://dweb.link/ipfs/",
		}),
		PinningService:      envStr("IPFS_PINNING_SERVICE", "https://api.pinata.cloud/pinning/pinFileToIPFS"),
		PinningKey:          envStr("IPFS_PINNING_KEY", ""),
		FetchAttempts:       envInt("IPFS_FETCH_ATTEMPTS", 5),
		FetchTimeout:        envMS("IPFS_FETCH_TIMEOUT_MS", 30*time.Second),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:     envStr("ANTHROPIC_API_KEY", ""),
		XAIAPIKey:           envStr("XAI_API_KEY", ""),
		XAIBaseURL:          envStr("XAI_BASE_URL", "https://api.x.ai/v1"),
		OllamaBaseURL:       envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		ProviderConcurrency: int64(envInt("ARBITER_PROVIDER_CONCURRENCY", 8)),
		CommitStoreMode:     envStr("COMMIT_STORE_MODE", "memory"),
		CommitStorePath:     envStr("COMMIT_STORE_PATH", "commits.json"),
		CommitTTL:           envMS("COMMIT_TTL_MS", 72*time.Hour),
		CommitPurgeInterval: envDuration("ARBITER_COMMIT_PURGE_INTERVAL", time.Hour),
		CapabilitiesPath:    envStr("ARBITER_CAPABILITIES_PATH", ""),
		ScratchDir:          envStr("ARBITER_SCRATCH_DIR", os.TempDir()),
		RateLimitEnabled:    envBool("ARBITER_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        envFloat("ARBITER_RATE_LIMIT_RPS", 5),
		RateLimitBurst:      envInt("ARBITER_RATE_LIMIT_BURST", 10),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "arbiter"),
		LogLevel:            envStr("ARBITER_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("ARBITER_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		ShutdownHTTPTimeout: envDuration("ARBITER_SHUTDOWN_HTTP_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: ARBITER_PORT must be in 1..65535")
	}
	if len(c.Gateways) == 0 {
		return fmt.Errorf("config: IPFS_GATEWAYS must list at least one gateway")
	}
	if c.FetchAttempts < 1 {
		return fmt.Errorf("config: IPFS_FETCH_ATTEMPTS must be at least 1")
	}
	if c.MinSuccessPercent <= 0 || c.MinSuccessPercent > 1 {
		return fmt.Errorf("config: MIN_SUCCESSFUL_MODELS_PERCENT must be in (0, 1]")
	}
	if c.CommitStoreMode != "memory" && c.CommitStoreMode != "file" {
		return fmt.Errorf("config: COMMIT_STORE_MODE must be \"memory\" or \"file\" (got %q)", c.CommitStoreMode)
	}
	if c.CommitStoreMode == "file" && c.CommitStorePath == "" {
		return fmt.Errorf("config: COMMIT_STORE_PATH is required in file mode")
	}
	if c.CommitTTL <= 0 {
		return fmt.Errorf("config: COMMIT_TTL_MS must be positive")
	}
	if _, _, err := SplitModelRef(c.JustifierModel); err != nil {
		return fmt.Errorf("config: JUSTIFIER_MODEL: %w", err)
	}
	if c.ProviderConcurrency < 1 {
		return fmt.Errorf("config: ARBITER_PROVIDER_CONCURRENCY must be at least 1")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: ARBITER_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// SplitModelRef splits a "provider:model" reference. Model names may
// themselves contain colons (ollama tags like "qwen3:8b"), so only the
// first colon separates.
func SplitModelRef(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("want \"provider:model\", got %q", ref)
	}
	return provider, model, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envMS reads an integer count of milliseconds, the unit convention of the
// Chainlink-facing variables.
func envMS(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultVal
}

// envList reads a comma-separated list, trimming whitespace around items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
