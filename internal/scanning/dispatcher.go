package scanning

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anstrom/naabu2nmap/internal/logging"
	"github.com/anstrom/naabu2nmap/internal/metrics"
	"github.com/anstrom/naabu2nmap/internal/targets"
	"github.com/anstrom/naabu2nmap/internal/workers"
)

const defaultShutdownTimeout = 5 * time.Second

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Threads is the maximum number of concurrent scans
	Threads int
	// ShutdownTimeout bounds how long an interrupted dispatch waits for
	// running scans to exit
	ShutdownTimeout time.Duration
}

// Dispatcher fans a host/ports mapping out over a bounded worker pool.
type Dispatcher struct {
	runner  Runner
	config  DispatcherConfig
	logger  *logging.Logger
	base    *logging.Logger
	metrics metrics.Recorder
}

// NewDispatcher creates a dispatcher. A nil logger uses the package default
// and a nil recorder discards measurements.
func NewDispatcher(runner Runner, cfg DispatcherConfig, logger *logging.Logger, rec metrics.Recorder) *Dispatcher {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Dispatcher{
		runner:  runner,
		config:  cfg,
		logger:  logger.WithComponent("dispatcher"),
		base:    logger,
		metrics: rec,
	}
}

// Dispatch scans every host in hp, writing reports under outDir, and
// returns once all jobs have finished or ctx is cancelled. Scan failures are
// logged and recorded in the summary; they are never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, hp targets.HostPorts, outDir string) *Summary {
	hosts := hp.Hosts()
	summary := &Summary{StartTime: time.Now()}
	b := &batch{outcomes: make(map[string]Outcome, len(hosts))}

	queueSize := len(hosts)
	if queueSize == 0 {
		queueSize = 1
	}
	pool := workers.New(workers.Config{
		Size:            d.config.Threads,
		QueueSize:       queueSize,
		ShutdownTimeout: d.config.ShutdownTimeout,
	}, d.base)
	pool.OnActiveChange = d.metrics.SetActiveScans
	pool.Start()

	d.logger.Info("Dispatching scans",
		"hosts", len(hosts),
		"ports", hp.PortCount(),
		"threads", d.config.Threads,
		"output_dir", outDir)

	for _, host := range hosts {
		job := &scanJob{dispatcher: d, batch: b, job: NewJob(host, hp[host], outDir)}
		if err := pool.Submit(ctx, job); err != nil {
			// Only cancellation stops submission; the queue holds every job.
			break
		}
		summary.Dispatched++
	}

	if err := pool.Wait(ctx); err != nil {
		summary.Interrupted = true
		d.logger.Warn("Dispatch interrupted, stopping worker pool",
			"active", pool.Active(),
			"completed", pool.Completed())
	}
	if ctx.Err() != nil {
		summary.Interrupted = true
	}

	if err := pool.Shutdown(); err != nil {
		d.logger.Warn("Worker pool did not stop in time", "error", err)
	}

	summary.PeakConcurrency = pool.Peak()
	summary.EndTime = time.Now()
	summary.Outcomes = d.collect(b, hp)
	summary.sortOutcomes()

	d.logger.Info("Dispatch finished",
		"succeeded", summary.Count(StatusSuccess),
		"failed", summary.Count(StatusFailed),
		"abandoned", summary.Count(StatusAbandoned),
		"duration", summary.Duration())

	return summary
}

// batch holds the outcomes of one Dispatch call. Once collected it is
// closed: jobs that outlived the shutdown timeout report nothing more.
type batch struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	closed   bool
}

// collect closes b and returns one outcome per host. Hosts whose job never
// reported back are marked abandoned.
func (d *Dispatcher) collect(b *batch, hp targets.HostPorts) []Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	outcomes := make([]Outcome, 0, len(hp))
	for _, host := range hp.Hosts() {
		o, ok := b.outcomes[host]
		if !ok {
			o = Outcome{Host: host, Ports: hp[host], Status: StatusAbandoned}
			d.metrics.IncrementScansTotal(metrics.StatusAbandoned)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// finish records o and its metrics unless b is already collected. It
// reports whether o was recorded.
func (d *Dispatcher) finish(b *batch, o Outcome) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.outcomes[o.Host] = o
	d.metrics.IncrementScansTotal(string(o.Status))
	d.metrics.RecordScanDuration(string(o.Status), o.Duration)
	return true
}

// scanJob adapts a Job to workers.Job.
type scanJob struct {
	dispatcher *Dispatcher
	batch      *batch
	job        Job
}

// ID implements workers.Job.
func (j *scanJob) ID() string {
	return j.job.Host
}

// Execute implements workers.Job.
func (j *scanJob) Execute(ctx context.Context) error {
	d := j.dispatcher
	host := j.job.Host

	d.logger.Debug("Starting nmap scan",
		"target", host,
		"ports", j.job.PortList(),
		"report", j.job.ReportPath)

	start := time.Now()
	err := j.run(ctx)
	duration := time.Since(start)

	outcome := Outcome{
		Host:     host,
		Ports:    j.job.Ports,
		Status:   StatusSuccess,
		Duration: duration,
		Err:      err,
	}

	if err != nil {
		outcome.Status = StatusFailed
		if ctx.Err() != nil {
			outcome.Status = StatusAbandoned
		}
		if rmErr := os.Remove(j.job.ReportPath); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Warn("Failed to remove partial report", "target", host,
				"report", j.job.ReportPath, "error", rmErr)
		}
		d.logger.ErrorScan("nmap failed", host, err,
			"ports", j.job.PortList(),
			"status", string(outcome.Status),
			"duration", duration)
	} else {
		outcome.Report = j.job.ReportPath
		d.logger.InfoScan("nmap finished", host,
			"ports", j.job.PortList(),
			"report", j.job.ReportPath,
			"duration", duration)
	}

	if !d.finish(j.batch, outcome) {
		d.logger.Warn("Scan finished after dispatch returned", "target", host,
			"status", string(outcome.Status))
	}

	return err
}

// run calls the runner, turning a panic into an error so the job is
// reported as failed.
func (j *scanJob) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("nmap runner panicked: %v", r)
		}
	}()
	return j.dispatcher.runner.Run(ctx, j.job)
}
