// Package cli provides the command-line interface for naabu2nmap.
// It implements a single Cobra command that reads naabu output, runs nmap
// against every discovered host and merges the per-host XML reports.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/naabu2nmap/internal/config"
	"github.com/anstrom/naabu2nmap/internal/logging"
	"github.com/anstrom/naabu2nmap/internal/pipeline"
)

// envPrefix is the prefix of every environment variable read by the CLI.
const envPrefix = "NAABU2NMAP"

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// flagKeys maps flag names to their configuration keys.
var flagKeys = map[string]string{
	"input":        "input",
	"output":       "output",
	"threads":      "threads",
	"nmap-path":    "scanner.binary",
	"log-file":     "logging.output",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"metrics-file": "metrics.file",
	"record-tag":   "report.record_tag",
	"summary":      "report.summary",
}

// runFunc executes a validated configuration. Tests replace it.
type runFunc func(ctx context.Context, stdout io.Writer, cfg *config.Config) error

// NewRootCommand creates the naabu2nmap command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(runPipeline)
}

func newRootCommand(run runFunc) *cobra.Command {
	v := viper.New()
	var (
		cfgFile string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "naabu2nmap",
		Short: "Run nmap against the open ports found by naabu",
		Long: `naabu2nmap reads HOST:PORT lines produced by naabu, runs a service and
vulnerability nmap scan against each host's open ports in parallel, and
merges the per-host XML reports into one combined report.

Every run writes into <output>/<YYYYMMDD_HHMMSS>/. Interrupting a run
stops the scans in flight and still merges whatever reports were written.`,
		Example: `  naabu2nmap -i naabu_results.txt -o nmap-out -t 8
  NAABU2NMAP_THREADS=2 naabu2nmap --summary
  naabu2nmap --config naabu2nmap.yaml --metrics-file /var/lib/node_exporter/naabu2nmap.prom`,
		Version:      getVersion(),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(v, cfgFile)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Logging.Level = string(logging.LevelDebug)
			}
			return run(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.StringP("input", "i", config.DefaultInput, "naabu output file with HOST:PORT lines")
	flags.StringP("output", "o", config.DefaultOutput, "output root directory")
	flags.IntP("threads", "t", config.DefaultThreads, "number of concurrent nmap scans")
	flags.String("nmap-path", "nmap", "nmap executable name or path")
	flags.String("log-file", logging.DefaultLogFile, "append-only scan log file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("metrics-file", "", "write Prometheus metrics to this file at the end of the run")
	flags.String("record-tag", config.DefaultRecordTag, "report element merged into the combined report")
	flags.Bool("summary", false, "print a per-host table of the combined report")

	bindFlags(v, flags)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
		}
	}
}

// buildConfig loads cfgFile (or the defaults) and overlays every value set
// through a flag or the environment, then validates the result.
func buildConfig(v *viper.Viper, cfgFile string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if v.IsSet("input") {
		cfg.Input = v.GetString("input")
	}
	if v.IsSet("output") {
		cfg.Output = v.GetString("output")
	}
	if v.IsSet("threads") {
		cfg.Threads = v.GetInt("threads")
	}
	if v.IsSet("scanner.binary") {
		cfg.Scanner.Binary = v.GetString("scanner.binary")
	}
	if v.IsSet("logging.output") {
		cfg.Logging.Output = v.GetString("logging.output")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if v.IsSet("metrics.file") {
		cfg.Metrics.File = v.GetString("metrics.file")
	}
	if v.IsSet("report.record_tag") {
		cfg.Report.RecordTag = v.GetString("report.record_tag")
	}
	if v.IsSet("report.summary") {
		cfg.Report.Summary = v.GetBool("report.summary")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runPipeline opens the scan log, installs the interrupt handler and runs
// the pipeline.
func runPipeline(ctx context.Context, stdout io.Writer, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Format: logging.LogFormat(cfg.Logging.Format),
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logger.Close()
	prev := logging.Default()
	logging.SetDefault(logger)
	defer logging.SetDefault(prev)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// Restore default handling so a second interrupt terminates at once.
		<-ctx.Done()
		stop()
	}()

	p := pipeline.New(cfg, pipeline.WithLogger(logger), pipeline.WithStdout(stdout))
	logger.Info("Starting run",
		"run_id", p.RunID(),
		"version", version,
		"input", cfg.Input,
		"output", cfg.Output,
		"threads", cfg.Threads)

	if _, err := p.Run(ctx); err != nil {
		return err
	}
	return nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
