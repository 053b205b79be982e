package scanning_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/naabu2nmap/internal/logging"
	"github.com/anstrom/naabu2nmap/internal/metrics"
	"github.com/anstrom/naabu2nmap/internal/scanning"
	"github.com/anstrom/naabu2nmap/internal/scanning/mocks"
	"github.com/anstrom/naabu2nmap/internal/targets"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newLogger(w *syncBuffer) *logging.Logger {
	return logging.NewWithWriter(w, logging.Config{Level: logging.LevelDebug, Format: logging.FormatText})
}

func writeReport(job scanning.Job) error {
	return os.WriteFile(job.ReportPath, []byte("<nmaprun><host/></nmaprun>"), 0o644)
}

func TestDispatchMock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	outDir := t.TempDir()
	hp := targets.HostPorts{
		"10.0.0.1": {"80", "443"},
		"10.0.0.2": {"22"},
	}

	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().
		Run(gomock.Any(), scanning.NewJob("10.0.0.1", []string{"80", "443"}, outDir)).
		DoAndReturn(func(_ context.Context, job scanning.Job) error { return writeReport(job) }).
		Times(1)
	runner.EXPECT().
		Run(gomock.Any(), scanning.NewJob("10.0.0.2", []string{"22"}, outDir)).
		DoAndReturn(func(_ context.Context, job scanning.Job) error { return writeReport(job) }).
		Times(1)

	d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: 2}, logging.NewDiscard(), nil)
	summary := d.Dispatch(context.Background(), hp, outDir)

	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 2, summary.Count(scanning.StatusSuccess))
	assert.False(t, summary.Interrupted)
	require.Len(t, summary.Outcomes, 2)
	assert.Equal(t, "10.0.0.1", summary.Outcomes[0].Host)
	assert.FileExists(t, summary.Outcomes[0].Report)
	assert.FileExists(t, summary.Outcomes[1].Report)
}

func TestDispatchFailureIsContained(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	outDir := t.TempDir()
	hp := targets.HostPorts{
		"10.0.0.1": {"80"},
		"10.0.0.2": {"22"},
		"10.0.0.3": {"443"},
	}
	exitErr := errors.New("exit status 1")

	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, job scanning.Job) error {
			if job.Host == "10.0.0.2" {
				// A partial report must not survive a failed scan.
				_ = os.WriteFile(job.ReportPath, []byte("<nmaprun><host>"), 0o644)
				return exitErr
			}
			return writeReport(job)
		}).Times(3)

	var logs syncBuffer
	pm := metrics.NewPrometheusMetrics()
	d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: 1}, newLogger(&logs), pm)
	summary := d.Dispatch(context.Background(), hp, outDir)

	assert.Equal(t, 3, summary.Dispatched)
	assert.Equal(t, 2, summary.Count(scanning.StatusSuccess))
	assert.Equal(t, 1, summary.Count(scanning.StatusFailed))

	failed := summary.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "10.0.0.2", failed[0].Host)
	assert.ErrorIs(t, failed[0].Err, exitErr)
	assert.Empty(t, failed[0].Report)
	assert.NoFileExists(t, scanning.NewJob("10.0.0.2", nil, outDir).ReportPath)

	var errorLines []string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "level=ERROR") {
			errorLines = append(errorLines, line)
		}
	}
	require.Len(t, errorLines, 1)
	assert.Contains(t, errorLines[0], "target=10.0.0.2")
	assert.Contains(t, errorLines[0], "nmap failed")

	expected := `
# HELP naabu2nmap_scan_total Total number of host scans by final status
# TYPE naabu2nmap_scan_total counter
naabu2nmap_scan_total{status="failed"} 1
naabu2nmap_scan_total{status="success"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(pm.GetRegistry(), strings.NewReader(expected), "naabu2nmap_scan_total"))
}

func TestDispatchEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: 4}, logging.NewDiscard(), nil)
	summary := d.Dispatch(context.Background(), targets.HostPorts{}, t.TempDir())

	assert.Equal(t, 0, summary.Dispatched)
	assert.Empty(t, summary.Outcomes)
	assert.False(t, summary.Interrupted)
}

func TestDispatchConcurrencyBound(t *testing.T) {
	tests := []struct {
		threads int
		hosts   int
	}{
		{threads: 1, hosts: 4},
		{threads: 2, hosts: 6},
		{threads: 4, hosts: 16},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("threads=%d hosts=%d", tt.threads, tt.hosts), func(t *testing.T) {
			hp := targets.HostPorts{}
			for i := 0; i < tt.hosts; i++ {
				hp[fmt.Sprintf("10.0.1.%d", i+1)] = []string{"80"}
			}

			var inFlight, maxSeen, calls int32
			runner := scanning.RunnerFunc(func(ctx context.Context, job scanning.Job) error {
				atomic.AddInt32(&calls, 1)
				n := atomic.AddInt32(&inFlight, 1)
				defer atomic.AddInt32(&inFlight, -1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return writeReport(job)
			})

			d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: tt.threads}, logging.NewDiscard(), nil)
			summary := d.Dispatch(context.Background(), hp, t.TempDir())

			assert.Equal(t, int32(tt.hosts), atomic.LoadInt32(&calls))
			assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), tt.threads)
			assert.LessOrEqual(t, summary.PeakConcurrency, tt.threads)
			assert.Equal(t, tt.hosts, summary.Count(scanning.StatusSuccess))
		})
	}
}

func TestDispatchInterrupted(t *testing.T) {
	hp := targets.HostPorts{}
	for _, h := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"} {
		hp[h] = []string{"80"}
	}

	started := make(chan struct{}, len(hp))
	runner := scanning.RunnerFunc(func(ctx context.Context, job scanning.Job) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: 1, ShutdownTimeout: time.Second},
		logging.NewDiscard(), nil)

	start := time.Now()
	summary := d.Dispatch(ctx, hp, t.TempDir())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, summary.Interrupted)
	assert.Equal(t, 0, summary.Count(scanning.StatusSuccess))
	assert.Equal(t, len(hp), summary.Count(scanning.StatusAbandoned))
	assert.Len(t, summary.Outcomes, len(hp))
	assert.Len(t, started, 0, "queued jobs must not start after the interrupt")
}

func TestDispatchRunnerPanicIsContained(t *testing.T) {
	outDir := t.TempDir()
	hp := targets.HostPorts{
		"10.0.0.1": {"80"},
		"10.0.0.2": {"22"},
		"10.0.0.3": {"443"},
	}

	runner := scanning.RunnerFunc(func(_ context.Context, job scanning.Job) error {
		if job.Host == "10.0.0.2" {
			panic("runner blew up")
		}
		return writeReport(job)
	})

	var logs syncBuffer
	pm := metrics.NewPrometheusMetrics()
	d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: 1}, newLogger(&logs), pm)

	var summary *scanning.Summary
	require.NotPanics(t, func() { summary = d.Dispatch(context.Background(), hp, outDir) })

	assert.Equal(t, 2, summary.Count(scanning.StatusSuccess))
	failed := summary.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "10.0.0.2", failed[0].Host)
	assert.ErrorContains(t, failed[0].Err, "runner blew up")

	assert.Contains(t, logs.String(), "target=10.0.0.2")

	expected := `
# HELP naabu2nmap_scan_total Total number of host scans by final status
# TYPE naabu2nmap_scan_total counter
naabu2nmap_scan_total{status="failed"} 1
naabu2nmap_scan_total{status="success"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(pm.GetRegistry(), strings.NewReader(expected), "naabu2nmap_scan_total"))
}

func TestDispatchLateScanCountedOnce(t *testing.T) {
	hp := targets.HostPorts{"10.0.0.1": {"80"}}

	started := make(chan struct{})
	release := make(chan struct{})
	runner := scanning.RunnerFunc(func(_ context.Context, job scanning.Job) error {
		close(started)
		// Ignores cancellation, like a process that will not die.
		<-release
		return writeReport(job)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	var logs syncBuffer
	pm := metrics.NewPrometheusMetrics()
	d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: 1, ShutdownTimeout: 20 * time.Millisecond},
		newLogger(&logs), pm)

	summary := d.Dispatch(ctx, hp, t.TempDir())
	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Count(scanning.StatusAbandoned))

	close(release)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Scan finished after dispatch returned")
	}, 2*time.Second, 5*time.Millisecond)

	expected := `
# HELP naabu2nmap_scan_total Total number of host scans by final status
# TYPE naabu2nmap_scan_total counter
naabu2nmap_scan_total{status="abandoned"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(pm.GetRegistry(), strings.NewReader(expected), "naabu2nmap_scan_total"))
	assert.Equal(t, 1, summary.Count(scanning.StatusAbandoned), "the returned summary is not touched afterwards")
}
