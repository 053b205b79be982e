// Package metrics provides Prometheus-based metrics collection for naabu2nmap.
// A run is a short-lived batch job, so instead of serving /metrics the
// collected values are written once, at the end of the run, in the text
// exposition format understood by the node_exporter textfile collector.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace for all naabu2nmap metrics
	namespace = "naabu2nmap"

	// Subsystems
	subsystemScan   = "scan"
	subsystemReport = "report"
	subsystemRun    = "run"
)

// Scan status label values.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Recorder is the set of measurements the dispatcher and aggregator report.
type Recorder interface {
	IncrementScansTotal(status string)
	RecordScanDuration(status string, duration time.Duration)
	SetActiveScans(count int)
	AddReportsParsed(valid, invalid int)
	AddRecordsMerged(count int)
	SetTargets(hosts, ports int)
}

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	activeScans  prometheus.Gauge

	reportsParsed *prometheus.CounterVec
	recordsMerged prometheus.Counter

	targetHosts prometheus.Gauge
	targetPorts prometheus.Gauge
	runStart    prometheus.Gauge

	mu       sync.Mutex
	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	pm.initScanMetrics()
	pm.initReportMetrics()
	pm.initRunMetrics()

	pm.registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.activeScans,
		pm.reportsParsed,
		pm.recordsMerged,
		pm.targetHosts,
		pm.targetPorts,
		pm.runStart,
	)

	pm.runStart.SetToCurrentTime()

	return pm
}

// initScanMetrics initializes scan-related metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of host scans by final status",
		},
		[]string{"status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of host scans in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of currently active scans",
		},
	)
}

// initReportMetrics initializes aggregation-related metrics
func (pm *PrometheusMetrics) initReportMetrics() {
	pm.reportsParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReport,
			Name:      "files_total",
			Help:      "Per-host report files seen by the aggregator by parse result",
		},
		[]string{"result"},
	)

	pm.recordsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReport,
			Name:      "records_merged_total",
			Help:      "Host records spliced into the combined report",
		},
	)
}

// initRunMetrics initializes run-level metrics
func (pm *PrometheusMetrics) initRunMetrics() {
	pm.targetHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "target_hosts",
			Help:      "Distinct hosts read from the input file",
		},
	)

	pm.targetPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "target_ports",
			Help:      "Host and port pairs read from the input file",
		},
	)

	pm.runStart = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRun,
			Name:      "start_time_seconds",
			Help:      "Unix time the run started",
		},
	)
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// IncrementScansTotal increments the scan counter for status
func (pm *PrometheusMetrics) IncrementScansTotal(status string) {
	pm.scansTotal.WithLabelValues(status).Inc()
}

// RecordScanDuration observes a scan duration for status
func (pm *PrometheusMetrics) RecordScanDuration(status string, duration time.Duration) {
	pm.scanDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetActiveScans sets the number of in-flight scans
func (pm *PrometheusMetrics) SetActiveScans(count int) {
	pm.activeScans.Set(float64(count))
}

// AddReportsParsed adds parse results for report files
func (pm *PrometheusMetrics) AddReportsParsed(valid, invalid int) {
	pm.reportsParsed.WithLabelValues("valid").Add(float64(valid))
	pm.reportsParsed.WithLabelValues("invalid").Add(float64(invalid))
}

// AddRecordsMerged adds to the merged record counter
func (pm *PrometheusMetrics) AddRecordsMerged(count int) {
	pm.recordsMerged.Add(float64(count))
}

// SetTargets records input sizes
func (pm *PrometheusMetrics) SetTargets(hosts, ports int) {
	pm.targetHosts.Set(float64(hosts))
	pm.targetPorts.Set(float64(ports))
}

// WriteTextfile writes every registered metric to path atomically.
func (pm *PrometheusMetrics) WriteTextfile(path string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return prometheus.WriteToTextfile(path, pm.registry)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) IncrementScansTotal(string) {}

func (Nop) RecordScanDuration(string, time.Duration) {}

func (Nop) SetActiveScans(int) {}

func (Nop) AddReportsParsed(int, int) {}

func (Nop) AddRecordsMerged(int) {}

func (Nop) SetTargets(int, int) {}

var (
	_ Recorder = (*PrometheusMetrics)(nil)
	_ Recorder = Nop{}
)
