package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "YAPM_"

type Config struct {
	RoutesFile string `env:"ROUTES_FILE" envDefault:"routes.yaml"`
	HubURL     string `env:"HUB_URL"`
	HubToken   string `env:"HUB_TOKEN"`
	OpsAddr    string `env:"OPS_ADDR" envDefault:":9090"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	TrafficInterval time.Duration `env:"TRAFFIC_INTERVAL" envDefault:"60s"`
	StatusInterval  time.Duration `env:"STATUS_INTERVAL" envDefault:"30s"`

	// ReloadInterval re-reads the routes file periodically as a fallback for
	// missed hub events. Zero disables it.
	ReloadInterval time.Duration `env:"RELOAD_INTERVAL" envDefault:"5m"`

	GeoCacheSize     int           `env:"GEO_CACHE_SIZE" envDefault:"4096"`
	GeoCacheTTL      time.Duration `env:"GEO_CACHE_TTL" envDefault:"1h"`
	GeoRatePerSecond float64       `env:"GEO_RATE_PER_SECOND" envDefault:"10"`
	GeoBurst         int           `env:"GEO_BURST" envDefault:"20"`
}

// DefaultConfig returns the configuration with every default applied and no
// environment read.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads envFiles (a missing file is skipped) and then the YAPM_* environment.
// Variables already set in the environment win over the files.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RoutesFile == "" {
		return errors.New("routes file is required")
	}
	if c.OpsAddr == "" {
		return errors.New("ops address is required")
	}
	if c.TrafficInterval <= 0 {
		return fmt.Errorf("traffic interval must be positive, got %s", c.TrafficInterval)
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("status interval must be positive, got %s", c.StatusInterval)
	}
	if c.ReloadInterval < 0 {
		return fmt.Errorf("reload interval must not be negative, got %s", c.ReloadInterval)
	}
	if c.GeoCacheSize < 0 || c.GeoCacheTTL < 0 || c.GeoRatePerSecond < 0 || c.GeoBurst < 0 {
		return errors.New("geo cache settings must not be negative")
	}
	return nil
}
