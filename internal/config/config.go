package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server holds the evaluation server settings
type Server struct {
	Port string `env:"PORT" envDefault:"8080"`

	// RulesDir holds one rule file per tenant
	RulesDir string `env:"RULES_DIR" envDefault:"./tenants"`

	// DatabaseURL enables SQL-backed facts when set
	DatabaseURL string `env:"DATABASE_URL"`

	WatchRules     bool          `env:"WATCH_RULES" envDefault:"true"`
	ReloadDebounce time.Duration `env:"RELOAD_DEBOUNCE" envDefault:"250ms"`

	AllowUndefinedFacts      bool `env:"ALLOW_UNDEFINED_FACTS" envDefault:"false"`
	AllowUndefinedConditions bool `env:"ALLOW_UNDEFINED_CONDITIONS" envDefault:"false"`

	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat       string `env:"LOG_FORMAT" envDefault:"json"`
	ErrorSampleRate int    `env:"ERROR_SAMPLE_RATE" envDefault:"100"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServer reads and validates the server settings
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate checks settings that env tags cannot express
func (s Server) Validate() error {
	var errs []error
	if s.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if s.RulesDir == "" {
		errs = append(errs, errors.New("RULES_DIR must not be empty"))
	}
	if s.ErrorSampleRate < 1 {
		errs = append(errs, fmt.Errorf("ERROR_SAMPLE_RATE must be at least 1, got %d", s.ErrorSampleRate))
	}
	if s.ReloadDebounce < 0 {
		errs = append(errs, fmt.Errorf("RELOAD_DEBOUNCE must not be negative, got %s", s.ReloadDebounce))
	}
	return errors.Join(errs...)
}
