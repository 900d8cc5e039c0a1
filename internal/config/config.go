// Package config holds server and runtime configuration.
//
// Values are resolved in order: defaults, optional TOML file, environment
// (including a .env file in the working directory), then command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RUNNER_"

// ServerConfig holds configuration for the runner server.
type ServerConfig struct {
	Addr      string        `toml:"addr"`       // Listen address (default ":8080")
	LogLevel  string        `toml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string        `toml:"log_format"` // Log format: text, json
	DBPath    string        `toml:"db_path"`    // SQLite database path (":memory:" for testing)
	Runtime   RuntimeConfig `toml:"runtime"`
}

// RuntimeConfig controls admission, billing and execution limits.
type RuntimeConfig struct {
	MaxConcurrent        int      `toml:"max_concurrent"`
	TaskStartCost        int64    `toml:"task_start_cost"`
	CostRate             int64    `toml:"cost_rate"` // Credits charged per RateUnit of wall time
	RateUnit             Duration `toml:"rate_unit"`
	BillingInterval      Duration `toml:"billing_interval"`
	MaxOutputBytes       int      `toml:"max_output_bytes"` // Per stream
	MaxExecutionTime     Duration `toml:"max_execution_time"`
	MaxSourceLength      int      `toml:"max_source_length"`
	DefaultFileExtension string   `toml:"default_file_extension"`

	WorkDir      string   `toml:"work_dir"`     // Temp source files live under WorkDir/<exercise>
	RunCommand   string   `toml:"run_command"`  // Shell-style command; source path and exercise name are appended
	LineBuffered bool     `toml:"line_buffered"` // Prefix with stdbuf -oL -eL when available
	PollInterval Duration `toml:"poll_interval"`
	KillGrace    Duration `toml:"kill_grace"`

	InterruptOnDisconnect bool     `toml:"interrupt_on_disconnect"`
	SweepInterval         Duration `toml:"sweep_interval"`
}

// Duration wraps time.Duration so TOML values like "500ms" decode.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// D is shorthand for building a Duration.
func D(v time.Duration) Duration {
	return Duration{Duration: v}
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Runtime:   DefaultRuntimeConfig(),
	}
}

// DefaultRuntimeConfig returns the default scheduler limits: strictly serial
// execution, one credit per second, one minute wall-clock ceiling.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxConcurrent:         1,
		TaskStartCost:         1,
		CostRate:              1,
		RateUnit:              D(time.Second),
		BillingInterval:       D(time.Second),
		MaxOutputBytes:        1 << 20,
		MaxExecutionTime:      D(60 * time.Second),
		MaxSourceLength:       10000,
		DefaultFileExtension:  ".cu",
		WorkDir:               "gpu",
		RunCommand:            "bash run_exercise.sh",
		LineBuffered:          true,
		PollInterval:          D(10 * time.Millisecond),
		KillGrace:             D(500 * time.Millisecond),
		InterruptOnDisconnect: true,
		SweepInterval:         D(5 * time.Second),
	}
}

// Validate rejects configurations the scheduler cannot run with.
func (c RuntimeConfig) Validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	case c.TaskStartCost < 0:
		return fmt.Errorf("task_start_cost must be >= 0, got %d", c.TaskStartCost)
	case c.CostRate < 0:
		return fmt.Errorf("cost_rate must be >= 0, got %d", c.CostRate)
	case c.RateUnit.Duration <= 0:
		return fmt.Errorf("rate_unit must be positive")
	case c.BillingInterval.Duration <= 0:
		return fmt.Errorf("billing_interval must be positive")
	case c.MaxOutputBytes <= 0:
		return fmt.Errorf("max_output_bytes must be positive")
	case c.MaxExecutionTime.Duration <= 0:
		return fmt.Errorf("max_execution_time must be positive")
	case c.PollInterval.Duration <= 0:
		return fmt.Errorf("poll_interval must be positive")
	case c.RunCommand == "":
		return fmt.Errorf("run_command is required")
	}
	return nil
}

// Load builds a ServerConfig from defaults, the TOML file at path (skipped
// when path is empty) and RUNNER_* environment overrides.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	// A missing .env file is normal.
	_ = godotenv.Load()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Runtime.Validate()
}

// applyEnv overlays RUNNER_* environment variables.
func applyEnv(cfg *ServerConfig) error {
	str := map[string]*string{
		"ADDR":                   &cfg.Addr,
		"LOG_LEVEL":              &cfg.LogLevel,
		"LOG_FORMAT":             &cfg.LogFormat,
		"DB":                     &cfg.DBPath,
		"WORK_DIR":               &cfg.Runtime.WorkDir,
		"RUN_COMMAND":            &cfg.Runtime.RunCommand,
		"DEFAULT_FILE_EXTENSION": &cfg.Runtime.DefaultFileExtension,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_CONCURRENT":    &cfg.Runtime.MaxConcurrent,
		"MAX_OUTPUT_BYTES":  &cfg.Runtime.MaxOutputBytes,
		"MAX_SOURCE_LENGTH": &cfg.Runtime.MaxSourceLength,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	int64s := map[string]*int64{
		"TASK_START_COST": &cfg.Runtime.TaskStartCost,
		"COST_RATE":       &cfg.Runtime.CostRate,
	}
	for key, dst := range int64s {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"RATE_UNIT":          &cfg.Runtime.RateUnit,
		"BILLING_INTERVAL":   &cfg.Runtime.BillingInterval,
		"MAX_EXECUTION_TIME": &cfg.Runtime.MaxExecutionTime,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	return nil
}
