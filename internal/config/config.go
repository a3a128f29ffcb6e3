// Package config loads and validates harvester configuration via Viper,
// plus the harvest YAML describing datasets, aggregations and lookups.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Run     RunConfig     `mapstructure:"run"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Output  OutputConfig  `mapstructure:"output"`
	DB      DBConfig      `mapstructure:"db"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RunConfig governs which scrapers run and with what context.
type RunConfig struct {
	HarvestPath   string   `mapstructure:"harvest_path"`
	FallbacksPath string   `mapstructure:"fallbacks_path"`
	Today         string   `mapstructure:"today"`
	ScrapersToRun []string `mapstructure:"scrapers_to_run"`
	Prioritised   []string `mapstructure:"prioritised"`
}

// HTTPConfig configures fetch behavior.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	BasicAuthUser  string `mapstructure:"basic_auth_user"`
	BasicAuthPass  string `mapstructure:"basic_auth_pass"`
}

// OutputConfig selects destinations for harvested tabs.
type OutputConfig struct {
	ExcelPath  string `mapstructure:"excel_path"`
	JSONPath   string `mapstructure:"json_path"`
	Postgres   bool   `mapstructure:"postgres"`
	SourcesTab string `mapstructure:"sources_tab"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("run.harvest_path", "harvest.yaml")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.user_agent", "relieftools-harvester/0.1")
	v.SetDefault("output.excel_path", "harvest.xlsx")
	v.SetDefault("output.sources_tab", "sources")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Run.HarvestPath == "" {
		return fmt.Errorf("run.harvest_path must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Output.Postgres && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when output.postgres is enabled")
	}
	if c.Run.Today != "" {
		if _, err := time.Parse("2006-01-02", c.Run.Today); err != nil {
			return fmt.Errorf("run.today must be YYYY-MM-DD: %w", err)
		}
	}
	return nil
}

// TodayOrNow resolves the run date, defaulting to the wall clock.
func (c Config) TodayOrNow() time.Time {
	if c.Run.Today != "" {
		t, _ := time.Parse("2006-01-02", c.Run.Today)
		return t.UTC()
	}
	return time.Now().UTC().Truncate(24 * time.Hour)
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
