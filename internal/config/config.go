package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the process configuration, read from the environment.
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
	Storage struct {
		DataDir    string `env:"DATA_DIR" envDefault:"data"`
		ResultsDir string `env:"RESULTS_DIR" envDefault:"results"`
		// ResultsDB selects the SQLite store when set.
		ResultsDB string `env:"RESULTS_DB"`
		CellsFile string `env:"CELLS_FILE"`
	}
	Fit struct {
		SimulationTimeout time.Duration `env:"FIT_SIMULATION_TIMEOUT" envDefault:"60s"`
		MaxIterations     int           `env:"FIT_MAX_ITERATIONS" envDefault:"0"`
		MaxUnchanged      int           `env:"FIT_MAX_UNCHANGED" envDefault:"200"`
		Threshold         float64       `env:"FIT_THRESHOLD" envDefault:"1e-11"`
		Parallel          bool          `env:"FIT_PARALLEL" envDefault:"true"`
		Jobs              int           `env:"FIT_JOBS" envDefault:"1"`
		// SampleInterval of simulated traces in ms.
		SampleInterval float64 `env:"FIT_SAMPLE_INTERVAL" envDefault:"0.1"`
		Seed           int64   `env:"FIT_SEED" envDefault:"0"`
	}
	// MetricsAddr makes the fit command serve /metrics while it runs.
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load parses the environment and validates the result.
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Fit.Jobs < 1:
		return fmt.Errorf("FIT_JOBS must be at least 1, got %d", c.Fit.Jobs)
	case c.Fit.MaxIterations < 0:
		return fmt.Errorf("FIT_MAX_ITERATIONS must not be negative")
	case c.Fit.SampleInterval <= 0:
		return fmt.Errorf("FIT_SAMPLE_INTERVAL must be positive")
	case c.Fit.SimulationTimeout <= 0:
		return fmt.Errorf("FIT_SIMULATION_TIMEOUT must be positive")
	}
	return nil
}
