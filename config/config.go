package config

import (
	"fmt"
	"strings"
	"time"

	"corsgate/routes"

	"github.com/caarlos0/env/v11"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config holds the application configuration
type Config struct {
	Port           string `env:"PORT" envDefault:"3001"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"` // Comma-separated
	Mode           string `env:"GATEWAY_MODE" envDefault:"development"`
	RoutesFile     string `env:"ROUTES_FILE"`
	RedisURL       string `env:"REDIS_URL"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"`

	// Resilient client
	ProxyURL        string        `env:"PROXY_URL"`
	FallbackEnabled bool          `env:"FALLBACK_ENABLED" envDefault:"true"`
	RetryAttempts   int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay      time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Mutation queue
	QueuePath     string `env:"QUEUE_PATH" envDefault:"./data/queue.db"`
	QueueCodec    string `env:"QUEUE_CODEC" envDefault:"json"`
	SyncEndpoints string `env:"SYNC_ENDPOINTS"` // Comma-separated store=url pairs
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeDevelopment && cfg.Mode != ModeProduction {
		return nil, fmt.Errorf("GATEWAY_MODE must be %q or %q, got %q", ModeDevelopment, ModeProduction, cfg.Mode)
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", cfg.RetryAttempts)
	}
	return cfg, nil
}

// Restricted returns true if the generic route enforces its domain allow-list
func (c *Config) Restricted() bool {
	return c.Mode == ModeProduction
}

// GetAllowedOrigins parses the comma-separated ALLOWED_ORIGINS variable
func (c *Config) GetAllowedOrigins() []string {
	return splitList(c.AllowedOrigins)
}

// GetSyncEndpoints parses SYNC_ENDPOINTS into a store name to URL map
func (c *Config) GetSyncEndpoints() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(c.SyncEndpoints) {
		name, target, ok := strings.Cut(pair, "=")
		name, target = strings.TrimSpace(name), strings.TrimSpace(target)
		if !ok || name == "" || target == "" {
			return nil, fmt.Errorf("invalid SYNC_ENDPOINTS entry %q, expected store=url", pair)
		}
		out[name] = target
	}
	return out, nil
}

// LoadRoutes returns the route table from ROUTES_FILE, or the built-in defaults
func (c *Config) LoadRoutes() (*routes.Table, error) {
	defs := routes.Defaults()
	if c.RoutesFile != "" {
		loaded, err := routes.Load(c.RoutesFile)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}
	return routes.NewTable(defs)
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
