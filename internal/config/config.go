// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	Templates  TemplatesConfig  `mapstructure:"templates" yaml:"templates"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	GitHub     GitHubConfig     `mapstructure:"github" yaml:"github"`
	Screenshot ScreenshotConfig `mapstructure:"screenshot" yaml:"screenshot"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
}

// ServerConfig controls the HTTP listener and its security middleware.
type ServerConfig struct {
	Port         int    `mapstructure:"port" yaml:"port"`
	Host         string `mapstructure:"host" yaml:"host"`
	CustomDomain string `mapstructure:"custom_domain" yaml:"custom_domain"`
	// Environment toggles development affordances: loopback CORS origins on
	// ports 3000/5173 and a relaxed CSP.
	Environment string `mapstructure:"environment" yaml:"environment"`
	MaxConns    int    `mapstructure:"max_conns" yaml:"max_conns"`
}

// Development reports whether the server runs with dev affordances enabled.
func (s ServerConfig) Development() bool { return s.Environment == "development" }

// LoggerConfig mirrors the observability package's expectations.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to console colors.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig covers both the agent-local embedded store and the shared
// application database.
type DatabaseConfig struct {
	// AgentDataDir is the root under which each agent keeps its sqlite file.
	AgentDataDir string `mapstructure:"agent_data_dir" yaml:"agent_data_dir"`
	// AppDSN is the postgres DSN for the application database (users, apps,
	// screenshots, deployments). Empty disables the AppService façade.
	AppDSN string `mapstructure:"app_dsn" yaml:"app_dsn"`
}

// LLMModelConfig configures one provider/model pair.
type LLMModelConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	// RequestsPerMinute paces outbound calls to the provider.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// LLMConfig holds the model tiers used by the operations registry.
type LLMConfig struct {
	Fast     LLMModelConfig `mapstructure:"fast" yaml:"fast"`
	Powerful LLMModelConfig `mapstructure:"powerful" yaml:"powerful"`
}

// SandboxConfig controls instance placement and command execution.
type SandboxConfig struct {
	DataDir        string        `mapstructure:"data_dir" yaml:"data_dir"`
	Host           string        `mapstructure:"host" yaml:"host"`
	BasePort       int           `mapstructure:"base_port" yaml:"base_port"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// TemplatesConfig points at the starter template catalog.
type TemplatesConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Default string `mapstructure:"default" yaml:"default"`
}

// RateLimitConfig is the global API limit applied by the middleware chain.
type RateLimitConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	Limit       int  `mapstructure:"limit" yaml:"limit"`
	Period      int  `mapstructure:"period" yaml:"period"` // seconds
	Burst       int  `mapstructure:"burst" yaml:"burst"`
	BurstWindow int  `mapstructure:"burst_window" yaml:"burst_window"` // seconds
}

// GitHubConfig configures the export pipeline.
type GitHubConfig struct {
	// Concurrency bounds parallel blob creation during export.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// BlobCacheSize bounds the SHA dedup cache per export run.
	BlobCacheSize int `mapstructure:"blob_cache_size" yaml:"blob_cache_size"`
}

// ScreenshotConfig selects the renderer used for preview captures.
type ScreenshotConfig struct {
	// Backend is "chromedp" for the local headless renderer or "remote" for an
	// external render service.
	Backend   string        `mapstructure:"backend" yaml:"backend"`
	RemoteURL string        `mapstructure:"remote_url" yaml:"remote_url"`
	Viewport  ViewportSize  `mapstructure:"viewport" yaml:"viewport"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ViewportSize is the capture viewport.
type ViewportSize struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// AgentConfig tunes the agent core.
type AgentConfig struct {
	// FastSmartFixes enables the LLM-backed quick fixer after each phase.
	FastSmartFixes bool `mapstructure:"fast_smart_fixes" yaml:"fast_smart_fixes"`
	// CommandChunkSize bounds how many commands run per retryable chunk.
	CommandChunkSize int `mapstructure:"command_chunk_size" yaml:"command_chunk_size"`
	// CommandRetries is the per-chunk retry budget for install commands.
	CommandRetries int `mapstructure:"command_retries" yaml:"command_retries"`
}

// AuthConfig configures the session-token middleware.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// SetDefaults registers every default value on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.max_conns", 1024)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "vibesdk")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "red")

	v.SetDefault("database.agent_data_dir", "data/agents")

	v.SetDefault("llm.fast.api_timeout", 2*time.Minute)
	v.SetDefault("llm.fast.requests_per_minute", 60)
	v.SetDefault("llm.powerful.api_timeout", 5*time.Minute)
	v.SetDefault("llm.powerful.requests_per_minute", 30)

	v.SetDefault("sandbox.data_dir", "data/instances")
	v.SetDefault("sandbox.host", "localhost")
	v.SetDefault("sandbox.base_port", 8100)
	v.SetDefault("sandbox.command_timeout", 5*time.Minute)

	v.SetDefault("templates.default", "react-vite")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 120)
	v.SetDefault("rate_limit.period", 60)
	v.SetDefault("rate_limit.burst_window", 60)

	v.SetDefault("github.concurrency", 8)
	v.SetDefault("github.blob_cache_size", 4096)

	v.SetDefault("screenshot.backend", "chromedp")
	v.SetDefault("screenshot.viewport.width", 1280)
	v.SetDefault("screenshot.viewport.height", 800)
	v.SetDefault("screenshot.timeout", 10*time.Second)

	v.SetDefault("agent.fast_smart_fixes", true)
	v.SetDefault("agent.command_chunk_size", 5)
	v.SetDefault("agent.command_retries", 3)

	v.SetDefault("auth.token_ttl", 24*time.Hour)
}

// Load reads configuration from the given file (or the default search path),
// applies VIBESDK_* environment overrides, and unmarshals the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		expanded, err := homedir.Expand(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VIBESDK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// PORT, CUSTOM_DOMAIN and NODE_ENV are honored directly for parity with
	// the original deployment environment.
	_ = v.BindEnv("server.port", "PORT", "VIBESDK_SERVER_PORT")
	_ = v.BindEnv("server.custom_domain", "CUSTOM_DOMAIN", "VIBESDK_SERVER_CUSTOM_DOMAIN")
	_ = v.BindEnv("server.environment", "NODE_ENV", "VIBESDK_SERVER_ENVIRONMENT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
