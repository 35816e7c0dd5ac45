package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "NOTE_NOMI"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "data/note_nomi.db"
	defaultLogLevel      = "info"
	defaultFetchTimeout  = 8 * time.Second
	defaultFetchMaxBytes = 2_000_000
	defaultWorkers       = 2
	defaultProvider      = "heuristic"
	defaultAnalyzeTO     = 20 * time.Second
	defaultCategoryName  = "미분류"
	defaultExportTTL     = time.Hour
	defaultBackfillRows  = 5000
)

// AnalyzerProviderHeuristic and AnalyzerProviderAnthropic are the supported
// analysis backends.
const (
	AnalyzerProviderHeuristic = "heuristic"
	AnalyzerProviderAnthropic = "anthropic"
)

// AppConfig captures runtime configuration for the capture service.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	FetchTimeout    time.Duration
	FetchMaxBytes   int64
	IngestWorkers   int
	Provider        string
	AnthropicKey    string
	AnthropicModel  string
	AnthropicURL    string
	AnalyzeTimeout  time.Duration
	DefaultCategory string
	ExportTTL       time.Duration
	BackfillMaxRows int
}

// LoadDotEnv reads a .env file into the environment when present, without
// overriding variables already set.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// NewViper returns a viper instance with defaults and env bindings
// configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("fetch.timeout", defaultFetchTimeout)
	configViper.SetDefault("fetch.max_bytes", defaultFetchMaxBytes)
	configViper.SetDefault("ingest.workers", defaultWorkers)
	configViper.SetDefault("analyzer.provider", defaultProvider)
	configViper.SetDefault("analyzer.model", "claude-sonnet-4-20250514")
	configViper.SetDefault("analyzer.timeout", defaultAnalyzeTO)
	configViper.SetDefault("notes.default_category", defaultCategoryName)
	configViper.SetDefault("export.ttl", defaultExportTTL)
	configViper.SetDefault("backfill.max_rows", defaultBackfillRows)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		FetchTimeout:    configViper.GetDuration("fetch.timeout"),
		FetchMaxBytes:   configViper.GetInt64("fetch.max_bytes"),
		IngestWorkers:   configViper.GetInt("ingest.workers"),
		Provider:        configViper.GetString("analyzer.provider"),
		AnthropicKey:    configViper.GetString("analyzer.api_key"),
		AnthropicModel:  configViper.GetString("analyzer.model"),
		AnthropicURL:    configViper.GetString("analyzer.base_url"),
		AnalyzeTimeout:  configViper.GetDuration("analyzer.timeout"),
		DefaultCategory: configViper.GetString("notes.default_category"),
		ExportTTL:       configViper.GetDuration("export.ttl"),
		BackfillMaxRows: configViper.GetInt("backfill.max_rows"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Provider {
	case AnalyzerProviderHeuristic:
	case AnalyzerProviderAnthropic:
		if strings.TrimSpace(c.AnthropicKey) == "" {
			return fmt.Errorf("analyzer.api_key is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("analyzer.provider must be %q or %q", AnalyzerProviderHeuristic, AnalyzerProviderAnthropic)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	return nil
}
