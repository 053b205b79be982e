// Package report merges the per-host nmap XML reports of one run into a
// single combined document and renders a summary of it.
package report

import (
	"path/filepath"
	"strings"
)

const (
	// PerHostPrefix and PerHostExt make up the per-host report file name.
	PerHostPrefix = "scan_"
	PerHostExt    = ".xml"

	// CombinedName is the file name of the merged report.
	CombinedName = "combined_report.xml"

	// DefaultRecordTag is the element nmap uses for one scanned host.
	DefaultRecordTag = "host"
)

// PerHostPath returns the report path for host inside dir. Path separators
// in host are replaced so the report always lands directly in dir.
func PerHostPath(dir, host string) string {
	return filepath.Join(dir, PerHostName(host))
}

// PerHostName returns the report file name for host.
func PerHostName(host string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(host)
	return PerHostPrefix + safe + PerHostExt
}

// IsPerHostReport reports whether name follows the per-host naming convention.
func IsPerHostReport(name string) bool {
	return strings.HasPrefix(name, PerHostPrefix) && strings.HasSuffix(name, PerHostExt)
}

// CombinedPath returns the combined report path inside dir.
func CombinedPath(dir string) string {
	return filepath.Join(dir, CombinedName)
}
