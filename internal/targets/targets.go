// Package targets reads naabu HOST:PORT output and groups the ports by host.
package targets

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/anstrom/naabu2nmap/internal/errors"
)

const delimiter = ":"

// HostPorts maps a host to its ports in the order they were discovered.
// Duplicate ports are kept. It is built once and not mutated afterwards.
type HostPorts map[string][]string

// Hosts returns the hosts in lexical order.
func (hp HostPorts) Hosts() []string {
	hosts := make([]string, 0, len(hp))
	for host := range hp {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// PortCount returns the total number of host and port pairs.
func (hp HostPorts) PortCount() int {
	n := 0
	for _, ports := range hp {
		n += len(ports)
	}
	return n
}

// ParseFile opens path and parses it with Parse. Failing to open the file is
// the only error; malformed lines are skipped.
func ParseFile(path string) (HostPorts, error) {
	f, err := os.Open(path) //nolint:gosec // input path is supplied by the operator
	if err != nil {
		code := errors.CodeFileNotFound
		if os.IsPermission(err) {
			code = errors.CodeFilePermission
		}
		return nil, errors.WrapFileError(code, "cannot open input file", path, err)
	}
	defer f.Close()

	hp, err := Parse(f)
	if err != nil {
		return nil, errors.WrapFileError(errors.CodeFilePermission, "cannot read input file", path, err)
	}
	return hp, nil
}

// Parse reads one HOST:PORT record per line. Lines are trimmed; a line that
// does not split into exactly two non-empty parts on ':' is ignored.
func Parse(r io.Reader) (HostPorts, error) {
	hp := make(HostPorts)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		host, port, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		hp[host] = append(hp[host], port)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return hp, nil
}

func parseLine(line string) (host, port string, ok bool) {
	parts := strings.Split(strings.TrimSpace(line), delimiter)
	if len(parts) != 2 {
		return "", "", false
	}
	host, port = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if host == "" || port == "" {
		return "", "", false
	}
	return host, port, true
}
