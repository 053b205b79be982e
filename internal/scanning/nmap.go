package scanning

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/naabu2nmap/internal/errors"
)

const (
	// defaultWaitDelay bounds how long a killed nmap may hold its pipes open.
	defaultWaitDelay = 2 * time.Second
	// maxStderrBytes is the amount of nmap stderr kept for the error log.
	maxStderrBytes = 2048
)

// NmapConfig configures NmapRunner.
type NmapConfig struct {
	// Binary is the nmap executable name or path (default "nmap")
	Binary string
	// ExtraArgs are inserted after the fixed profile, before -oX
	ExtraArgs []string
	// WaitDelay is passed to exec.Cmd.WaitDelay
	WaitDelay time.Duration
}

// NmapRunner runs nmap as a subprocess, one host per invocation.
type NmapRunner struct {
	config NmapConfig
}

// NewNmapRunner creates a runner with the given configuration.
func NewNmapRunner(cfg NmapConfig) *NmapRunner {
	if cfg.Binary == "" {
		cfg.Binary = "nmap"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	return &NmapRunner{config: cfg}
}

// buildScanOptions creates the nmap options for job. The target must stay
// last so that it is the final positional argument.
func (r *NmapRunner) buildScanOptions(binaryPath string, job Job) []nmap.Option {
	options := []nmap.Option{
		nmap.WithBinaryPath(binaryPath),
		nmap.WithSYNScan(),
		nmap.WithServiceInfo(),
		nmap.WithDefaultScript(),
		nmap.WithVersionAll(),
		nmap.WithScripts("vuln", "default"),
		nmap.WithOpenOnly(),
		nmap.WithReason(),
		nmap.WithTimingTemplate(nmap.TimingAggressive),
		nmap.WithSkipHostDiscovery(),
		nmap.WithPorts(job.Ports...),
	}

	if len(r.config.ExtraArgs) > 0 {
		options = append(options, nmap.WithCustomArguments(r.config.ExtraArgs...))
	}

	options = append(options,
		nmap.WithCustomArguments("-oX", job.ReportPath),
		nmap.WithTargets(job.Host),
	)

	return options
}

// Command resolves the nmap binary and returns its path and the argument
// list for job.
func (r *NmapRunner) Command(ctx context.Context, job Job) (string, []string, error) {
	binaryPath, err := exec.LookPath(r.config.Binary)
	if err != nil {
		return "", nil, errors.ErrToolNotFound(job.Host, err).WithContext("binary", r.config.Binary)
	}

	scanner, err := nmap.NewScanner(ctx, r.buildScanOptions(binaryPath, job)...)
	if err != nil {
		return "", nil, errors.ErrScanFailed(job.Host, err)
	}

	return binaryPath, scanner.Args(), nil
}

// Run executes nmap for job and waits for it to exit. A non-zero exit, a
// failed start or a cancelled context is returned as a coded scan error.
func (r *NmapRunner) Run(ctx context.Context, job Job) error {
	binaryPath, args, err := r.Command(ctx, job)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binaryPath, args...) //nolint:gosec // arguments are built from parsed targets
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.config.WaitDelay

	if err := cmd.Run(); err != nil {
		scanErr := errors.ErrScanFailed(job.Host, err)
		if ctx.Err() != nil {
			scanErr = errors.WrapScanErrorWithTarget(errors.CodeCanceled, "Scan interrupted", job.Host, err)
		}
		if tail := stderrTail(stderr.Bytes()); tail != "" {
			scanErr.WithContext("stderr", tail)
		}
		return scanErr
	}

	return nil
}

func stderrTail(b []byte) string {
	if len(b) > maxStderrBytes {
		b = b[len(b)-maxStderrBytes:]
	}
	return strings.TrimSpace(string(b))
}
