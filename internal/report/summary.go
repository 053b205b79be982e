package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"
	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/naabu2nmap/internal/errors"
)

// HostSummary is the condensed view of one host record.
type HostSummary struct {
	Address string
	Status  string
	Ports   []PortSummary
}

// PortSummary is the condensed view of one port of a host.
type PortSummary struct {
	ID       uint16
	Protocol string
	State    string
	Service  string
	Version  string
	Scripts  int
}

// Summarize reads the combined report at path and returns one entry per
// host record with an address.
func Summarize(path string) ([]HostSummary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFileError(errors.CodeFileNotFound, "Failed to read combined report", path, err)
	}

	var run nmap.Run
	if err := xml.Unmarshal(content, &run); err != nil {
		return nil, errors.WrapScanErrorWithTarget(errors.CodeParse, "Failed to parse combined report", path, err)
	}

	hosts := make([]HostSummary, 0, len(run.Hosts))
	for i := range run.Hosts {
		if h := convertNmapHost(&run.Hosts[i]); h != nil {
			hosts = append(hosts, *h)
		}
	}
	return hosts, nil
}

func convertNmapHost(h *nmap.Host) *HostSummary {
	if len(h.Addresses) == 0 {
		return nil
	}

	host := &HostSummary{
		Address: h.Addresses[0].Addr,
		Status:  h.Status.State,
		Ports:   make([]PortSummary, 0, len(h.Ports)),
	}

	for j := range h.Ports {
		p := &h.Ports[j]
		host.Ports = append(host.Ports, PortSummary{
			ID:       p.ID,
			Protocol: p.Protocol,
			State:    p.State.State,
			Service:  p.Service.Name,
			Version:  strings.TrimSpace(p.Service.Product + " " + p.Service.Version),
			Scripts:  len(p.Scripts),
		})
	}

	return host
}

// RenderTable writes hosts to w as a table with one row per port. Hosts
// without open ports get a single row.
func RenderTable(w io.Writer, hosts []HostSummary) error {
	table := tablewriter.NewWriter(w)
	table.Header("Host", "Status", "Port", "Service", "Version", "Scripts")

	for i := range hosts {
		h := &hosts[i]
		if len(h.Ports) == 0 {
			if err := table.Append([]string{h.Address, h.Status, "-", "-", "-", "0"}); err != nil {
				return err
			}
			continue
		}
		for _, p := range h.Ports {
			row := []string{
				h.Address,
				h.Status,
				fmt.Sprintf("%d/%s", p.ID, p.Protocol),
				p.Service,
				p.Version,
				strconv.Itoa(p.Scripts),
			}
			if err := table.Append(row); err != nil {
				return err
			}
		}
	}

	return table.Render()
}
