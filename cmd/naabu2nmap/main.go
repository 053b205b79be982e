// Command naabu2nmap runs nmap against the open ports found by naabu and
// merges the per-host reports.
package main

import "github.com/anstrom/naabu2nmap/cmd/cli"

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
