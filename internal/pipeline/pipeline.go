// Package pipeline runs one naabu2nmap pass: it creates a timestamped run
// directory, parses the target file, dispatches the scans and always merges
// whatever reports the scans left behind.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/naabu2nmap/internal/config"
	"github.com/anstrom/naabu2nmap/internal/errors"
	"github.com/anstrom/naabu2nmap/internal/logging"
	"github.com/anstrom/naabu2nmap/internal/metrics"
	"github.com/anstrom/naabu2nmap/internal/report"
	"github.com/anstrom/naabu2nmap/internal/scanning"
	"github.com/anstrom/naabu2nmap/internal/targets"
)

const (
	// RunDirLayout is the time layout of a run directory name.
	RunDirLayout = "20060102_150405"

	runDirPerm = 0o755
	// maxRunDirSuffix bounds the search for a free run directory name.
	maxRunDirSuffix = 1000
)

// Pipeline executes a run with a fixed configuration.
type Pipeline struct {
	config  *config.Config
	runner  scanning.Runner
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	stdout  io.Writer
	now     func() time.Time
	runID   string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithRunner replaces the nmap runner.
func WithRunner(r scanning.Runner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithStdout sets where console notices are written.
func WithStdout(w io.Writer) Option {
	return func(p *Pipeline) { p.stdout = w }
}

// WithClock sets the clock used to name the run directory.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Result describes a finished run.
type Result struct {
	RunID     string
	OutputDir string
	Targets   targets.HostPorts
	Dispatch  *scanning.Summary
	Merge     *report.MergeResult
}

// Interrupted reports whether dispatch was cut short.
func (r *Result) Interrupted() bool {
	return r.Dispatch != nil && r.Dispatch.Interrupted
}

// New creates a pipeline for cfg.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		config: cfg,
		stdout: os.Stdout,
		now:    time.Now,
		runID:  uuid.New().String(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = logging.Default()
	}
	p.logger = p.logger.WithRunID(p.runID)

	if p.runner == nil {
		p.runner = scanning.NewNmapRunner(scanning.NmapConfig{
			Binary:    cfg.Scanner.Binary,
			ExtraArgs: cfg.Scanner.ExtraArgs,
		})
	}
	if p.metrics == nil {
		p.metrics = metrics.NewPrometheusMetrics()
	}

	return p
}

// RunID returns the identifier attached to every log line of the run.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Run executes the pipeline. Only a run directory or input file problem is
// returned as an error, before any scan starts. Once dispatch has begun the
// reports are merged no matter how it ended, including a panic, which is
// re-raised after the merge.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: p.runID}

	dir, err := CreateRunDir(p.config.Output, p.now())
	if err != nil {
		return res, err
	}
	res.OutputDir = dir
	p.logger.Info("Run directory created", "path", dir)

	hp, err := targets.ParseFile(p.config.Input)
	if err != nil {
		p.logger.Error("Failed to read targets", "input", p.config.Input, "error", err)
		return res, err
	}
	res.Targets = hp
	p.metrics.SetTargets(len(hp), hp.PortCount())
	p.logger.Info("Targets loaded",
		"input", p.config.Input,
		"hosts", len(hp),
		"ports", hp.PortCount())

	defer func() {
		r := recover()
		if r != nil {
			p.logger.Error("Dispatch aborted", "panic", fmt.Sprint(r))
		}
		res.Merge = p.aggregate(dir)
		p.writeMetrics()
		if r != nil {
			panic(r)
		}
	}()

	dispatcher := scanning.NewDispatcher(p.runner, scanning.DispatcherConfig{
		Threads:         p.config.Threads,
		ShutdownTimeout: p.config.Scanner.ShutdownTimeout,
	}, p.logger, p.metrics)

	res.Dispatch = dispatcher.Dispatch(ctx, hp, dir)
	if res.Dispatch.Interrupted {
		fmt.Fprintln(p.stdout, "\n[!] Interrupted, merging partial results...")
	}

	return res, nil
}

// aggregate merges the reports in dir. Failures are logged, not returned.
func (p *Pipeline) aggregate(dir string) *report.MergeResult {
	agg := report.NewAggregator(report.AggregatorConfig{
		RecordTag: p.config.Report.RecordTag,
		Stdout:    p.stdout,
	}, p.logger, p.metrics)

	merge, err := agg.Aggregate(dir)
	if err != nil {
		p.logger.Error("Failed to merge reports", "dir", dir, "error", err)
		return merge
	}

	if p.config.Report.Summary && merge.Path != "" {
		p.printSummary(merge.Path)
	}
	return merge
}

func (p *Pipeline) printSummary(path string) {
	hosts, err := report.Summarize(path)
	if err != nil {
		p.logger.Warn("Failed to summarize combined report", "path", path, "error", err)
		return
	}
	if err := report.RenderTable(p.stdout, hosts); err != nil {
		p.logger.Warn("Failed to render summary", "error", err)
	}
}

func (p *Pipeline) writeMetrics() {
	if p.config.Metrics.File == "" {
		return
	}
	if err := p.metrics.WriteTextfile(p.config.Metrics.File); err != nil {
		p.logger.Warn("Failed to write metrics", "path", p.config.Metrics.File, "error", err)
	}
}

// CreateRunDir creates <root>/<t formatted with RunDirLayout>. When that
// directory already exists a suffix _1, _2, ... is added until an unused
// name is found, so two runs never share a directory.
func CreateRunDir(root string, t time.Time) (string, error) {
	if err := os.MkdirAll(root, runDirPerm); err != nil {
		return "", errors.WrapFileError(errors.CodeDirectoryCreate, "Failed to create output root", root, err)
	}

	base := filepath.Join(root, t.Format(RunDirLayout))
	dir := base
	for i := 1; ; i++ {
		err := os.Mkdir(dir, runDirPerm)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) || i > maxRunDirSuffix {
			return "", errors.WrapFileError(errors.CodeDirectoryCreate, "Failed to create run directory", dir, err)
		}
		dir = fmt.Sprintf("%s_%d", base, i)
	}
}
