// Package scanning runs nmap against every host read from a naabu result file.
//
// # Overview
//
// A scan is one nmap process per host, restricted to the ports naabu found
// open on that host. The Dispatcher turns a targets.HostPorts mapping into
// Jobs, pushes them through a bounded workers.Pool and records an Outcome
// for each. A Runner executes a single Job; NmapRunner is the production
// implementation.
//
// # Argument Profile
//
// NmapRunner builds a fixed, vulnerability-oriented profile with the
// github.com/Ullaakut/nmap/v3 option builders:
//
//	nmap -sS -sV -sC --version-all --script=vuln,default --open --reason \
//	     -T4 -Pn -p <ports> [extra args] -oX <outdir>/scan_<host>.xml <host>
//
// The host is always the final positional argument and the ports keep the
// order naabu reported them in.
//
// # Failure Handling
//
// A Job that cannot start (binary missing, permission denied) or whose
// process exits non-zero is logged at ERROR with its host, any partial
// report it left behind is removed, and the batch carries on. Dispatch never
// returns an error.
//
// # Cancellation
//
// When the context passed to Dispatch is cancelled the dispatcher stops
// waiting and shuts the pool down. Running nmap processes are killed, queued
// Jobs never start and are reported as abandoned, and Dispatch returns
// within the configured shutdown timeout.
//
// # Usage
//
//	runner := scanning.NewNmapRunner(scanning.NmapConfig{Binary: "nmap"})
//	d := scanning.NewDispatcher(runner, scanning.DispatcherConfig{Threads: 4}, logger, metrics.Nop{})
//	summary := d.Dispatch(ctx, hostPorts, outDir)
//	fmt.Println(summary.Count(scanning.StatusSuccess), "hosts scanned")
package scanning
