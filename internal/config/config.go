package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`

	OTree    OTreeConfig
	Store    StoreConfig
	LLM      LLMConfig
	LlamaCpp LlamaCppConfig
	Browser  BrowserConfig
	Bot      BotConfig
	Storage  StorageConfig
	Metrics  MetricsConfig
}

// OTreeConfig holds connection settings for the experiment server.
type OTreeConfig struct {
	ServerURL string        `envconfig:"OTREE_SERVER_URL" default:"http://localhost:8000"`
	RestKey   string        `envconfig:"OTREE_REST_KEY" default:""`
	Timeout   time.Duration `envconfig:"OTREE_TIMEOUT" default:"30s"`
}

// StoreConfig holds settings for the SQLite run store.
type StoreConfig struct {
	Path        string        `envconfig:"SURVEYBOT_DB" default:"surveybot.sqlite3"`
	BusyTimeout time.Duration `envconfig:"SURVEYBOT_DB_BUSY_TIMEOUT" default:"10s"`
}

// LLMConfig holds completion provider settings.
type LLMConfig struct {
	// Provider is "openai" for a hosted OpenAI-compatible endpoint, or
	// "llamacpp" for a locally served model.
	Provider     string        `envconfig:"LLM_PROVIDER" default:"openai"`
	Model        string        `envconfig:"LLM_MODEL" default:"gpt-4o-2024-08-06"`
	APIKey       string        `envconfig:"LLM_API_KEY" default:""`
	BaseURL      string        `envconfig:"LLM_BASE_URL" default:""`
	Timeout      time.Duration `envconfig:"LLM_TIMEOUT" default:"120s"`
	MaxTokens    int           `envconfig:"LLM_MAX_TOKENS" default:"8192"`
	Temperature  float64       `envconfig:"LLM_TEMPERATURE" default:"0.5"`
	RateLimitRPM int           `envconfig:"LLM_RATE_LIMIT_RPM" default:"50"`

	// SupportsSchema forces the structured-output capability on or off;
	// "auto" probes by model name.
	SupportsSchema string `envconfig:"LLM_SUPPORTS_SCHEMA" default:"auto"`

	// Throttle adds a randomized delay before each completion request.
	Throttle       bool          `envconfig:"LLM_THROTTLE" default:"false"`
	MaxRetries     int           `envconfig:"LLM_MAX_RETRIES" default:"5"`
	MinBackoff     time.Duration `envconfig:"LLM_MIN_BACKOFF" default:"1s"`
	MaxPreDelay    time.Duration `envconfig:"LLM_MAX_PRE_DELAY" default:"5s"`
	BackoffBase    float64       `envconfig:"LLM_BACKOFF_BASE" default:"2.0"`
	LocalSlots     int           `envconfig:"LLM_LOCAL_SLOTS" default:"1"`
	LlamaServerURL string        `envconfig:"LLAMACPP_SERVER_URL" default:"http://localhost:8080"`
}

// LlamaCppConfig holds settings for a locally managed llama.cpp server.
// ServerPath empty means the server is managed externally and only
// LLAMACPP_SERVER_URL is used.
type LlamaCppConfig struct {
	ServerPath  string        `envconfig:"LLAMACPP_SERVER_PATH" default:""`
	ModelPath   string        `envconfig:"LLAMACPP_MODEL_PATH" default:""`
	Host        string        `envconfig:"LLAMACPP_HOST" default:"localhost"`
	Port        int           `envconfig:"LLAMACPP_PORT" default:"8080"`
	CtxSize     int           `envconfig:"LLAMACPP_CTX_SIZE" default:"8192"`
	GPULayers   int           `envconfig:"LLAMACPP_GPU_LAYERS" default:"0"`
	StartupWait time.Duration `envconfig:"LLAMACPP_STARTUP_WAIT" default:"60s"`
}

// BrowserConfig holds Playwright settings.
type BrowserConfig struct {
	Headless        bool          `envconfig:"BROWSER_HEADLESS" default:"true"`
	StartupAttempts int           `envconfig:"BROWSER_STARTUP_ATTEMPTS" default:"5"`
	NavTimeout      time.Duration `envconfig:"BROWSER_NAV_TIMEOUT" default:"30s"`
}

// BotConfig holds the bot session loop thresholds. The defaults are
// representative, not mandated; tune them per experiment.
type BotConfig struct {
	FullHistory      bool          `envconfig:"BOT_FULL_HISTORY" default:"false"`
	MaxPromptRetries int           `envconfig:"BOT_MAX_PROMPT_RETRIES" default:"5"`
	MaxScrapeRetries int           `envconfig:"BOT_MAX_SCRAPE_RETRIES" default:"3"`
	MaxPageRepeats   int           `envconfig:"BOT_MAX_PAGE_REPEATS" default:"3"`
	MaxWaitPolls     int           `envconfig:"BOT_MAX_WAIT_POLLS" default:"360"`
	WaitPollInterval time.Duration `envconfig:"BOT_WAIT_POLL_INTERVAL" default:"10s"`
}

// StorageConfig holds optional MinIO settings for failure screenshots.
type StorageConfig struct {
	Enabled        bool   `envconfig:"STORAGE_ENABLED" default:"false"`
	Endpoint       string `envconfig:"STORAGE_ENDPOINT" default:"localhost:9000"`
	AccessKey      string `envconfig:"STORAGE_ACCESS_KEY" default:"minioadmin"`
	SecretKey      string `envconfig:"STORAGE_SECRET_KEY" default:"minioadmin"`
	Bucket         string `envconfig:"STORAGE_BUCKET" default:"surveybot"`
	UseSSL         bool   `envconfig:"STORAGE_USE_SSL" default:"false"`
	ScreenshotPath string `envconfig:"STORAGE_SCREENSHOT_PATH" default:"screenshots"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	Addr    string `envconfig:"METRICS_ADDR" default:":9090"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	switch c.LLM.Provider {
	case "openai", "llamacpp":
	default:
		errs = append(errs, fmt.Sprintf("unknown LLM_PROVIDER %q", c.LLM.Provider))
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		errs = append(errs, "LLM_API_KEY is required for the openai provider")
	}
	if c.Bot.MaxPromptRetries < 1 {
		errs = append(errs, "BOT_MAX_PROMPT_RETRIES must be at least 1")
	}
	if c.Bot.MaxPageRepeats < 1 {
		errs = append(errs, "BOT_MAX_PAGE_REPEATS must be at least 1")
	}
	if c.LLM.LocalSlots < 1 {
		errs = append(errs, "LLM_LOCAL_SLOTS must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetLogLevel returns the appropriate zap log level
func (c *Config) GetLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}
