package scanning

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/anstrom/naabu2nmap/internal/report"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/anstrom/naabu2nmap/internal/scanning Runner

// Runner executes a single scan job. Implementations must honour ctx
// cancellation by terminating the underlying process.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job Job) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Job is one host to scan.
type Job struct {
	// Host is the address passed to nmap as its only target
	Host string
	// Ports are the ports to scan, in discovery order
	Ports []string
	// ReportPath is where nmap writes its XML output
	ReportPath string
}

// NewJob creates the job for host, writing its report under outDir.
func NewJob(host string, ports []string, outDir string) Job {
	return Job{
		Host:       host,
		Ports:      ports,
		ReportPath: report.PerHostPath(outDir, host),
	}
}

// PortList returns the ports joined with commas.
func (j Job) PortList() string {
	return strings.Join(j.Ports, ",")
}

// Status is the final state of a job.
type Status string

const (
	// StatusSuccess means nmap exited zero and its report was kept.
	StatusSuccess Status = "success"
	// StatusFailed means nmap could not start or exited non-zero.
	StatusFailed Status = "failed"
	// StatusAbandoned means the run was interrupted before the job finished.
	StatusAbandoned Status = "abandoned"
)

// Outcome is the result of one job.
type Outcome struct {
	Host     string
	Ports    []string
	Report   string
	Status   Status
	Duration time.Duration
	Err      error
}

// Summary describes a finished dispatch.
type Summary struct {
	// Outcomes holds one entry per host, sorted by host
	Outcomes []Outcome
	// Dispatched is the number of jobs handed to the pool
	Dispatched int
	// PeakConcurrency is the highest number of scans that ran at once
	PeakConcurrency int
	// Interrupted is true when the context was cancelled before all jobs finished
	Interrupted bool
	// StartTime and EndTime bound the dispatch
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns how long the dispatch took.
func (s *Summary) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Count returns the number of outcomes with status.
func (s *Summary) Count(status Status) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that did not succeed.
func (s *Summary) Failed() []Outcome {
	var failed []Outcome
	for _, o := range s.Outcomes {
		if o.Status != StatusSuccess {
			failed = append(failed, o)
		}
	}
	return failed
}

func (s *Summary) sortOutcomes() {
	sort.Slice(s.Outcomes, func(i, j int) bool {
		return s.Outcomes[i].Host < s.Outcomes[j].Host
	})
}
