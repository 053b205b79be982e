package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/anstrom/naabu2nmap/internal/errors"
	"github.com/anstrom/naabu2nmap/internal/logging"
	"github.com/anstrom/naabu2nmap/internal/metrics"
)

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// RecordTag is the top-level element merged across reports
	RecordTag string
	// Stdout receives the confirmation line; nil discards it
	Stdout io.Writer
}

// Aggregator merges per-host reports into one combined document.
type Aggregator struct {
	config  AggregatorConfig
	logger  *logging.Logger
	metrics metrics.Recorder
}

// MergeResult describes one aggregation pass.
type MergeResult struct {
	// Path is the combined report, empty when nothing was written
	Path string
	// Reports are the per-host files that parsed, in discovery order
	Reports []string
	// Invalid are the per-host files that failed to parse
	Invalid []string
	// Records is the number of records in the combined report
	Records int
}

// NewAggregator creates an aggregator. A nil logger uses the package default
// and a nil recorder discards measurements.
func NewAggregator(cfg AggregatorConfig, logger *logging.Logger, rec metrics.Recorder) *Aggregator {
	if cfg.RecordTag == "" {
		cfg.RecordTag = DefaultRecordTag
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if logger == nil {
		logger = logging.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Aggregator{
		config:  cfg,
		logger:  logger.WithComponent("aggregator"),
		metrics: rec,
	}
}

// Discover lists the per-host reports in dir in directory listing order.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WrapFileError(errors.CodeFileNotFound, "Failed to read report directory", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsPerHostReport(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// Aggregate merges every parsable per-host report in dir into
// <dir>/combined_report.xml. The first document that parses supplies the
// shell: its own records are removed and the records of all parsed reports
// are appended in discovery order. Unparsable reports are skipped. When no
// report parses, or none holds a record, nothing is written and the result
// has an empty Path.
func (a *Aggregator) Aggregate(dir string) (*MergeResult, error) {
	paths, err := Discover(dir)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{}
	var base *Document
	var records []*Node

	for _, path := range paths {
		doc, err := ParseFile(path)
		if err != nil {
			result.Invalid = append(result.Invalid, path)
			a.logger.Debug("Skipping unparsable report", "report", path, "error", err)
			continue
		}
		result.Reports = append(result.Reports, path)
		if base == nil {
			base = doc
		}
		records = append(records, doc.Root.ChildrenNamed(a.config.RecordTag)...)
	}

	a.metrics.AddReportsParsed(len(result.Reports), len(result.Invalid))

	if base == nil || len(records) == 0 {
		a.logger.Info("No records to merge",
			"reports", len(result.Reports),
			"invalid", len(result.Invalid))
		return result, nil
	}

	base.Root.RemoveChildren(a.config.RecordTag)
	for _, r := range records {
		base.Root.AppendChild(r)
	}

	out := CombinedPath(dir)
	if err := base.WriteFile(out); err != nil {
		return result, errors.WrapFileError(errors.CodeFilePermission, "Failed to write combined report", out, err)
	}

	result.Path = out
	result.Records = len(records)
	a.metrics.AddRecordsMerged(len(records))

	a.logger.Info("Combined report written",
		"path", out,
		"reports", len(result.Reports),
		"invalid", len(result.Invalid),
		"records", len(records))
	fmt.Fprintf(a.config.Stdout, "[+] Combined XML written: %s\n", out)

	return result, nil
}
