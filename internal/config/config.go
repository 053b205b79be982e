// Package config holds the naabu2nmap run configuration: input and output
// locations, worker pool sizing, the scanner executable and the logging and
// metrics sinks. Values come from defaults, an optional YAML file, and the
// command line, in increasing order of precedence.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/naabu2nmap/internal/errors"
)

const (
	// DefaultInput is the naabu output file read when no input is given.
	DefaultInput = "naabu_results.txt"
	// DefaultOutput is the root under which timestamped run directories are created.
	DefaultOutput = "nmap-out"
	// DefaultThreads is the default worker pool size.
	DefaultThreads = 4
	// DefaultRecordTag is the per-host element of nmap XML output.
	DefaultRecordTag = "host"
)

// Config represents the complete run configuration
type Config struct {
	// Input is the HOST:PORT mapping file
	Input string `yaml:"input" json:"input" validate:"required"`

	// Output is the output root directory
	Output string `yaml:"output" json:"output" validate:"required"`

	// Threads is the number of scans allowed in flight at once
	Threads int `yaml:"threads" json:"threads" validate:"min=1,max=256"`

	// Scanner configuration
	Scanner ScannerConfig `yaml:"scanner" json:"scanner"`

	// Report configuration
	Report ReportConfig `yaml:"report" json:"report"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ScannerConfig holds settings for the external scan executable
type ScannerConfig struct {
	// Binary is the scanner executable name or path, looked up on PATH
	Binary string `yaml:"binary" json:"binary" validate:"required"`

	// ExtraArgs are appended to the fixed argument profile before the output flag
	ExtraArgs []string `yaml:"extra_args" json:"extra_args"`

	// ShutdownTimeout bounds how long an interrupted run waits for workers
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ReportConfig holds settings for report aggregation
type ReportConfig struct {
	// RecordTag is the top-level element spliced into the combined report
	RecordTag string `yaml:"record_tag" json:"record_tag" validate:"required,excludesall=<>/"`

	// Summary prints a per-host table after merging
	Summary bool `yaml:"summary" json:"summary"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" validate:"required"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	// File receives Prometheus text exposition at the end of a run (empty = disabled)
	File string `yaml:"file" json:"file"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Input:   DefaultInput,
		Output:  DefaultOutput,
		Threads: DefaultThreads,
		Scanner: ScannerConfig{
			Binary:          "nmap",
			ShutdownTimeout: 5 * time.Second,
		},
		Report: ReportConfig{
			RecordTag: DefaultRecordTag,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "nmap_scan.log",
		},
	}
}

// Load loads configuration from a file. An empty path yields the defaults;
// a path that does not exist is an error.
func Load(path string) (*Config, error) {
	// Start with defaults
	config := Default()

	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if os.IsNotExist(err) {
		return nil, errors.WrapFileError(errors.CodeFileNotFound, "Config file not found", path, err)
	}
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder covers both extensions
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json", "":
	default:
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
			fmt.Sprintf("unsupported config extension %q", ext), "config", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to parse config file", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed %q check", fe.Tag()), fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}
	return nil
}
