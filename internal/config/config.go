package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/lensopt/internal/logging"
	"github.com/copyleftdev/lensopt/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		// MaxBodyBytes caps the size of submitted project documents.
		MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization struct {
		// WorkerCount is the evaluation parallelism of population strategies
		// when a job does not set its own. Zero or less uses every CPU.
		WorkerCount   int     `env:"OPT_WORKER_COUNT" envDefault:"0"`
		MaxIterations int     `env:"OPT_MAX_ITERATIONS" envDefault:"1000"`
		Tolerance     float64 `env:"OPT_TOLERANCE" envDefault:"1e-6"`
		Seed          int64   `env:"OPT_SEED" envDefault:"0"`
		// MaxJobs caps the number of concurrently running jobs.
		MaxJobs int `env:"OPT_MAX_JOBS" envDefault:"4"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTP.Port)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("HTTP_MAX_BODY_BYTES must be positive, got %d", c.HTTP.MaxBodyBytes)
	}
	if c.Optimization.MaxIterations <= 0 {
		return fmt.Errorf("OPT_MAX_ITERATIONS must be positive, got %d", c.Optimization.MaxIterations)
	}
	if !(c.Optimization.Tolerance > 0) {
		return fmt.Errorf("OPT_TOLERANCE must be positive, got %g", c.Optimization.Tolerance)
	}
	if c.Optimization.MaxJobs <= 0 {
		return fmt.Errorf("OPT_MAX_JOBS must be positive, got %d", c.Optimization.MaxJobs)
	}
	return nil
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// RunDefaults returns the run settings applied to jobs that leave them unset.
func (c *Config) RunDefaults() optimization.RunConfig {
	return optimization.RunConfig{
		MaxIterations: c.Optimization.MaxIterations,
		Tolerance:     c.Optimization.Tolerance,
		Workers:       c.Optimization.WorkerCount,
	}
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt returns the value of the environment variable as int or the default value
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// GetEnvAsBool returns the value of the environment variable as bool or the default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	valueStr := GetEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
