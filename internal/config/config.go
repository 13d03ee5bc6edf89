package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Apollo    ApolloConfig    `yaml:"apollo" mapstructure:"apollo"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Pricing   cost.Rates      `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the cache and run-history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LLMConfig selects the language-model backend: "anthropic" or "gemini".
type LLMConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"`
}

// ApolloConfig holds enrichment provider settings.
type ApolloConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// JinaConfig holds Jina Reader and Search settings.
type JinaConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// PipelineConfig holds the business settings shared by every stage.
type PipelineConfig struct {
	// Definition is an optional YAML pipeline definition path. Empty runs
	// the default stage order.
	Definition    string             `yaml:"definition" mapstructure:"definition"`
	BatchSize     int                `yaml:"batch_size" mapstructure:"batch_size"`
	StalenessDays int                `yaml:"staleness_days" mapstructure:"staleness_days"`
	MinHeadcount  int                `yaml:"min_headcount" mapstructure:"min_headcount"`
	Industries    []string           `yaml:"industries" mapstructure:"industries"`
	FilterRules   []model.FilterRule `yaml:"filter_rules" mapstructure:"filter_rules"`
	MaxTextChars  int                `yaml:"max_text_chars" mapstructure:"max_text_chars"`
}

// RetryConfig configures provider retries and circuit breaking.
type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries"`
	UnitMs           int `yaml:"unit_ms" mapstructure:"unit_ms"`
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownS int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// FetchConfig configures report downloads.
type FetchConfig struct {
	UserAgent   string     `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int        `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBytes    int64      `yaml:"max_bytes" mapstructure:"max_bytes"`
	RatePerHost float64    `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	HostRates   []HostRate `yaml:"host_rates" mapstructure:"host_rates"`
	FTPRate     float64    `yaml:"ftp_rate" mapstructure:"ftp_rate"`
}

// HostRate overrides the per-host request rate for one host. A list is used
// instead of a map because viper splits map keys on dots.
type HostRate struct {
	Host string  `yaml:"host" mapstructure:"host"`
	RPS  float64 `yaml:"rps" mapstructure:"rps"`
}

// HostRateMap returns the overrides keyed by lowercased host.
func (f FetchConfig) HostRateMap() map[string]float64 {
	if len(f.HostRates) == 0 {
		return nil
	}
	m := make(map[string]float64, len(f.HostRates))
	for _, hr := range f.HostRates {
		if hr.Host == "" {
			continue
		}
		m[strings.ToLower(hr.Host)] = hr.RPS
	}
	return m
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// MaxRuns bounds how many finished runs are kept in memory.
	MaxRuns int `yaml:"max_runs" mapstructure:"max_runs"`
	// MaxActive bounds concurrently executing runs; 0 means unbounded.
	MaxActive    int   `yaml:"max_active" mapstructure:"max_active"`
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the settings a command mode depends on. Modes: "run"
// and "serve" need the store and the selected LLM key; "cache" needs only
// the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "cache":
	case "run", "serve":
		switch c.LLM.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required")
			}
		case "gemini":
			if c.Gemini.Key == "" {
				errs = append(errs, "gemini.key is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("llm.provider %q must be anthropic or gemini", c.LLM.Provider))
		}
		if c.Pipeline.BatchSize < 0 {
			errs = append(errs, "pipeline.batch_size must be >= 0")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LLMModel returns the model name of the selected backend.
func (c *Config) LLMModel() string {
	if c.LLM.Provider == "gemini" {
		return c.Gemini.Model
	}
	return c.Anthropic.Model
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "enrich.db")
	v.SetDefault("llm.provider", "anthropic")
	// Keys without a default are invisible to Unmarshal when set only in
	// the environment.
	for _, k := range []string{"anthropic.key", "anthropic.base_url", "gemini.key", "gemini.base_url", "apollo.key", "jina.key", "pipeline.definition"} {
		v.SetDefault(k, "")
	}
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("apollo.base_url", "https://api.apollo.io/api/v1")
	v.SetDefault("apollo.rate_limit", 5.0)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.rate_limit", 2.0)
	v.SetDefault("pipeline.batch_size", 25)
	v.SetDefault("pipeline.staleness_days", model.DefaultStalenessDays)
	v.SetDefault("pipeline.min_headcount", 50)
	v.SetDefault("pipeline.max_text_chars", 60000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.unit_ms", 1000)
	v.SetDefault("retry.breaker_threshold", 0)
	v.SetDefault("retry.breaker_cooldown_secs", 30)
	v.SetDefault("fetch.user_agent", "enrich-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_bytes", 20<<20)
	v.SetDefault("fetch.rate_per_host", 2.0)
	v.SetDefault("fetch.ftp_rate", 1.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_runs", 100)
	v.SetDefault("server.max_active", 4)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	rates := cost.DefaultRates()
	for name, r := range rates.LLM {
		// Model names contain dots, which viper treats as key separators.
		key := "pricing.llm." + strings.ReplaceAll(name, ".", "_")
		v.SetDefault(key+".input", r.Input)
		v.SetDefault(key+".output", r.Output)
	}
	v.SetDefault("pricing.apollo.per_credit", rates.Apollo.PerCredit)
	v.SetDefault("pricing.jina.per_mtok", rates.Jina.PerMTok)
	v.SetDefault("pricing.jina.per_search", rates.Jina.PerSearch)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
