package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/labsearch/internal/optimization"
	"github.com/copyleftdev/labsearch/internal/optimization/labs"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Metrics struct {
		Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	}
	Search struct {
		Objective string `env:"LABS_OBJECTIVE" envDefault:"energy"`
		Strategy  string `env:"LABS_STRATEGY" envDefault:"best"`
		Length    int    `env:"LABS_LENGTH" envDefault:"64"`
		Budget    int    `env:"LABS_NFES" envDefault:"100000"`
		Seed      int64  `env:"LABS_SEED" envDefault:"1"`
		Workers   int    `env:"LABS_WORKERS" envDefault:"1"`
		Runs      int    `env:"LABS_RUNS" envDefault:"1"`

		// Server guards against requests that would tie up the process
		MaxLength int `env:"LABS_MAX_LENGTH" envDefault:"4096"`
		MaxBudget int `env:"LABS_MAX_NFES" envDefault:"100000000"`
		MaxRuns   int `env:"LABS_MAX_RUNS" envDefault:"64"`
		MaxJobs   int `env:"LABS_MAX_JOBS" envDefault:"16"`
		// Finished job retention; a zero TTL evicts by count only
		JobTTL     time.Duration `env:"LABS_JOB_TTL" envDefault:"1h"`
		RetainJobs int           `env:"LABS_RETAIN_JOBS" envDefault:"1000"`
		// Job starts per second; 0 disables the limit
		StartRate  float64 `env:"LABS_START_RATE" envDefault:"0"`
		StartBurst int     `env:"LABS_START_BURST" envDefault:"4"`
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
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the search defaults describe a runnable search.
func (c *Config) Validate() error {
	if _, err := c.SearchConfig(); err != nil {
		return fmt.Errorf("invalid search defaults: %w", err)
	}
	if c.Search.Runs < 1 {
		return fmt.Errorf("LABS_RUNS must be at least 1, got %d", c.Search.Runs)
	}
	if c.Search.MaxLength < 2 || c.Search.MaxBudget < 1 || c.Search.MaxRuns < 1 || c.Search.MaxJobs < 1 {
		return fmt.Errorf("search limits must be positive")
	}
	if c.Search.Runs > c.Search.MaxRuns {
		return fmt.Errorf("LABS_RUNS %d above LABS_MAX_RUNS %d", c.Search.Runs, c.Search.MaxRuns)
	}
	if c.Search.JobTTL < 0 || c.Search.RetainJobs < 1 {
		return fmt.Errorf("LABS_JOB_TTL must be non-negative and LABS_RETAIN_JOBS at least 1")
	}
	if c.Search.StartRate < 0 || (c.Search.StartRate > 0 && c.Search.StartBurst < 1) {
		return fmt.Errorf("LABS_START_RATE must be non-negative with a burst of at least 1")
	}
	return nil
}

// SearchConfig converts the search defaults into a labs.Config.
func (c *Config) SearchConfig() (labs.Config, error) {
	objective, err := optimization.ParseObjective(c.Search.Objective)
	if err != nil {
		return labs.Config{}, err
	}
	strategy, err := optimization.ParseStrategy(c.Search.Strategy)
	if err != nil {
		return labs.Config{}, err
	}
	sc := labs.Config{
		Objective: objective,
		Strategy:  strategy,
		Length:    c.Search.Length,
		Budget:    c.Search.Budget,
		Seed:      c.Search.Seed,
		Workers:   c.Search.Workers,
	}
	return sc, sc.Validate()
}
