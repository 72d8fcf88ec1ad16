package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicBaseURL prefixes poll_url values; empty means relative URLs.
	PublicBaseURL string `yaml:"publicBaseURL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// BrowserConfig controls the warm browser pool.
type BrowserConfig struct {
	PoolSize                int    `yaml:"poolSize"`
	MaxPagesPerBrowser      int    `yaml:"maxPagesPerBrowser"`
	MaxAgeSeconds           int    `yaml:"maxAgeSeconds"`
	AcquireTimeoutMs        int    `yaml:"acquireTimeoutMs"`
	HealthCheckIntervalMs   int    `yaml:"healthCheckIntervalMs"`
	StandaloneFallback      *bool  `yaml:"standaloneFallback"`
	ControlURL              string `yaml:"controlURL"`
	Bin                     string `yaml:"bin"`
	Headless                *bool  `yaml:"headless"`
	NoSandbox               bool   `yaml:"noSandbox"`
	UserAgent               string `yaml:"userAgent"`
	LaunchTimeoutMs         int    `yaml:"launchTimeoutMs"`
	IgnoreCertificateErrors bool   `yaml:"ignoreCertificateErrors"`
}

// CaptureConfig controls navigation, settling and screenshot post-processing.
type CaptureConfig struct {
	NavigationTimeoutMs int   `yaml:"navigationTimeoutMs"`
	NetworkIdleMs       int   `yaml:"networkIdleMs"`
	SettleDelayMs       int   `yaml:"settleDelayMs"`
	DismissOverlays     *bool `yaml:"dismissOverlays"`
	OverlayWaitMs       int   `yaml:"overlayWaitMs"`
	DesktopWidth        int   `yaml:"desktopWidth"`
	DesktopHeight       int   `yaml:"desktopHeight"`
	MobileWidth         int   `yaml:"mobileWidth"`
	MobileHeight        int   `yaml:"mobileHeight"`
	MaxDimension        int   `yaml:"maxDimension"`
	MaxImageBytes       int   `yaml:"maxImageBytes"`
	TextExcerptChars    int   `yaml:"textExcerptChars"`
}

type CacheConfig struct {
	Enabled    *bool `yaml:"enabled"`
	TTLSeconds int   `yaml:"ttlSeconds"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type GoogleLLMConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type LLMConfig struct {
	DefaultProvider  string          `yaml:"defaultProvider"`
	RequestTimeoutMs int             `yaml:"requestTimeoutMs"`
	MaxRetries       int             `yaml:"maxRetries"`
	BackoffBaseMs    int             `yaml:"backoffBaseMs"`
	BackoffMaxMs     int             `yaml:"backoffMaxMs"`
	OpenAI           OpenAIConfig    `yaml:"openai"`
	Anthropic        AnthropicConfig `yaml:"anthropic"`
	Google           GoogleLLMConfig `yaml:"google"`
}

// AnalysisConfig holds prompt and output sizing for both modes.
type AnalysisConfig struct {
	StandardMaxTokens  int    `yaml:"standardMaxTokens"`
	DeepMaxTokens      int    `yaml:"deepMaxTokens"`
	StandardPromptFile string `yaml:"standardPromptFile"`
	DeepPromptFile     string `yaml:"deepPromptFile"`
}

type WorkerConfig struct {
	MaxConcurrentJobs  int `yaml:"maxConcurrentJobs"`
	PollIntervalMs     int `yaml:"pollIntervalMs"`
	TaskTimeoutSeconds int `yaml:"taskTimeoutSeconds"`
	MaxAttempts        int `yaml:"maxAttempts"`
	RetryDelaySeconds  int `yaml:"retryDelaySeconds"`
	ResultTTLSeconds   int `yaml:"resultTTLSeconds"`
	// ClaimTimeoutSeconds is how long a dequeued task may go unacked
	// before another worker picks it up. It must exceed the task timeout.
	ClaimTimeoutSeconds int `yaml:"claimTimeoutSeconds"`
	StatsIntervalMs     int `yaml:"statsIntervalMs"`
}

// RetentionConfig controls deletion of archived analyses so that the
// database does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	ArchiveDays            int  `yaml:"archiveDays"`
}

type RobotsConfig struct {
	Respect   bool   `yaml:"respect"`
	UserAgent string `yaml:"userAgent"`
}

// PatternsConfig points at the optional vector-similarity service.
type PatternsConfig struct {
	Enabled   bool    `yaml:"enabled"`
	URL       string  `yaml:"url"`
	TopK      int     `yaml:"topK"`
	Threshold float64 `yaml:"threshold"`
	TimeoutMs int     `yaml:"timeoutMs"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"natsURL"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Browser   BrowserConfig   `yaml:"browser"`
	Capture   CaptureConfig   `yaml:"capture"`
	Cache     CacheConfig     `yaml:"cache"`
	LLM       LLMConfig       `yaml:"llm"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Robots    RobotsConfig    `yaml:"robots"`
	Patterns  PatternsConfig  `yaml:"patterns"`
	Events    EventsConfig    `yaml:"events"`
}

// Load reads the YAML config at path and exits the process when it
// cannot be read or decoded.
func Load(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}
	return cfg
}

// Parse decodes YAML, applies environment overrides and fills defaults.
// An empty document yields a fully defaulted config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	set(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&c.LLM.Google.APIKey, "GOOGLE_API_KEY")
	set(&c.Redis.URL, "REDIS_URL")
	set(&c.Database.DSN, "DATABASE_URL")
	set(&c.Events.NATSURL, "NATS_URL")
}

func (c *Config) applyDefaults() {
	intDefault := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	boolDefault := func(v **bool, def bool) {
		if *v == nil {
			b := def
			*v = &b
		}
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	intDefault(&c.Server.Port, 8000)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	intDefault(&c.Browser.PoolSize, 5)
	intDefault(&c.Browser.MaxPagesPerBrowser, 10)
	intDefault(&c.Browser.MaxAgeSeconds, 300)
	intDefault(&c.Browser.AcquireTimeoutMs, 15000)
	intDefault(&c.Browser.HealthCheckIntervalMs, 30000)
	intDefault(&c.Browser.LaunchTimeoutMs, 30000)
	boolDefault(&c.Browser.StandaloneFallback, true)
	boolDefault(&c.Browser.Headless, true)

	intDefault(&c.Capture.NavigationTimeoutMs, 90000)
	intDefault(&c.Capture.NetworkIdleMs, 500)
	intDefault(&c.Capture.SettleDelayMs, 2000)
	boolDefault(&c.Capture.DismissOverlays, true)
	intDefault(&c.Capture.OverlayWaitMs, 500)
	intDefault(&c.Capture.DesktopWidth, 1920)
	intDefault(&c.Capture.DesktopHeight, 1080)
	intDefault(&c.Capture.MobileWidth, 390)
	intDefault(&c.Capture.MobileHeight, 844)
	intDefault(&c.Capture.MaxDimension, 7500)
	intDefault(&c.Capture.MaxImageBytes, 5*1024*1024)
	intDefault(&c.Capture.TextExcerptChars, 4000)

	boolDefault(&c.Cache.Enabled, true)
	intDefault(&c.Cache.TTLSeconds, 24*60*60)

	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = "anthropic"
	}
	if c.LLM.Anthropic.Model == "" {
		c.LLM.Anthropic.Model = "claude-3-7-sonnet-latest"
	}
	intDefault(&c.LLM.RequestTimeoutMs, 120000)
	intDefault(&c.LLM.MaxRetries, 3)
	intDefault(&c.LLM.BackoffBaseMs, 2000)
	intDefault(&c.LLM.BackoffMaxMs, 10000)

	intDefault(&c.Analysis.StandardMaxTokens, 2000)
	intDefault(&c.Analysis.DeepMaxTokens, 4000)

	intDefault(&c.Worker.MaxConcurrentJobs, 4)
	intDefault(&c.Worker.PollIntervalMs, 1000)
	intDefault(&c.Worker.TaskTimeoutSeconds, 170)
	intDefault(&c.Worker.MaxAttempts, 3)
	intDefault(&c.Worker.RetryDelaySeconds, 60)
	intDefault(&c.Worker.ResultTTLSeconds, 72*60*60)
	intDefault(&c.Worker.ClaimTimeoutSeconds, 2*c.Worker.TaskTimeoutSeconds+60)
	intDefault(&c.Worker.StatsIntervalMs, 5000)

	intDefault(&c.Retention.CleanupIntervalMinutes, 60)
	intDefault(&c.Retention.ArchiveDays, 30)

	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = "CROAnalyzer"
	}

	intDefault(&c.Patterns.TopK, 5)
	if c.Patterns.Threshold <= 0 {
		c.Patterns.Threshold = 0.6
	}
	intDefault(&c.Patterns.TimeoutMs, 5000)

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "cro.tasks"
	}
}

func (c *Config) validate() error {
	// The navigation timeout must fit inside the task timeout or every
	// slow page would surface as TASK_TIMEOUT instead of RENDER_FAILURE.
	if c.Capture.NavigationTimeout() >= c.Worker.TaskTimeout() {
		return fmt.Errorf("capture.navigationTimeoutMs (%d) must be below worker.taskTimeoutSeconds (%d)",
			c.Capture.NavigationTimeoutMs, c.Worker.TaskTimeoutSeconds)
	}
	if c.Worker.ClaimTimeoutSeconds <= c.Worker.TaskTimeoutSeconds {
		return fmt.Errorf("worker.claimTimeoutSeconds (%d) must be above worker.taskTimeoutSeconds (%d)",
			c.Worker.ClaimTimeoutSeconds, c.Worker.TaskTimeoutSeconds)
	}
	if c.Patterns.Enabled && c.Patterns.URL == "" {
		return errors.New("patterns.url is required when patterns.enabled is true")
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (b BrowserConfig) MaxAge() time.Duration { return time.Duration(b.MaxAgeSeconds) * time.Second }

func (b BrowserConfig) AcquireTimeout() time.Duration { return ms(b.AcquireTimeoutMs) }

func (b BrowserConfig) HealthCheckInterval() time.Duration { return ms(b.HealthCheckIntervalMs) }

func (b BrowserConfig) LaunchTimeout() time.Duration { return ms(b.LaunchTimeoutMs) }

func (c CaptureConfig) NavigationTimeout() time.Duration { return ms(c.NavigationTimeoutMs) }

func (c CaptureConfig) NetworkIdle() time.Duration { return ms(c.NetworkIdleMs) }

func (c CaptureConfig) SettleDelay() time.Duration { return ms(c.SettleDelayMs) }

func (c CaptureConfig) OverlayWait() time.Duration { return ms(c.OverlayWaitMs) }

func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

func (l LLMConfig) RequestTimeout() time.Duration { return ms(l.RequestTimeoutMs) }

func (l LLMConfig) BackoffBase() time.Duration { return ms(l.BackoffBaseMs) }

func (l LLMConfig) BackoffMax() time.Duration { return ms(l.BackoffMaxMs) }

func (w WorkerConfig) PollInterval() time.Duration { return ms(w.PollIntervalMs) }

func (w WorkerConfig) TaskTimeout() time.Duration { return time.Duration(w.TaskTimeoutSeconds) * time.Second }

func (w WorkerConfig) ClaimTimeout() time.Duration {
	return time.Duration(w.ClaimTimeoutSeconds) * time.Second
}

func (w WorkerConfig) StatsInterval() time.Duration { return ms(w.StatsIntervalMs) }

func (w WorkerConfig) RetryDelay() time.Duration { return time.Duration(w.RetryDelaySeconds) * time.Second }

func (w WorkerConfig) ResultTTL() time.Duration { return time.Duration(w.ResultTTLSeconds) * time.Second }

func (p PatternsConfig) Timeout() time.Duration { return ms(p.TimeoutMs) }
