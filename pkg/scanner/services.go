package scanner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/probelab/netprobe/pkg/types"
)

// wellKnownServices maps ports to service names for opt-in detection
var wellKnownServices = map[int]string{
	20:    "ftp-data",
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	67:    "dhcp",
	69:    "tftp",
	80:    "http",
	110:   "pop3",
	123:   "ntp",
	137:   "netbios-ns",
	143:   "imap",
	161:   "snmp",
	389:   "ldap",
	443:   "https",
	445:   "smb",
	465:   "smtps",
	514:   "syslog",
	587:   "submission",
	636:   "ldaps",
	993:   "imaps",
	995:   "pop3s",
	1433:  "mssql",
	1521:  "oracle",
	2049:  "nfs",
	3306:  "mysql",
	3389:  "rdp",
	5060:  "sip",
	5432:  "postgresql",
	5672:  "amqp",
	5900:  "vnc",
	6379:  "redis",
	8080:  "http-alt",
	8443:  "https-alt",
	9092:  "kafka",
	9200:  "elasticsearch",
	11211: "memcached",
	27017: "mongodb",
}

// ServiceName returns the well-known service for port, or "unknown"
func ServiceName(port int) string {
	if name, ok := wellKnownServices[port]; ok {
		return name
	}
	return "unknown"
}

// ParsePortSpec expands a comma-separated port specification such as
// "22,80,8000-8100" into a sorted, de-duplicated port list.
func ParsePortSpec(spec string) ([]int, error) {
	seen := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", part, err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", part, err)
			}
			if start > end {
				return nil, fmt.Errorf("invalid port range %q: start > end", part)
			}
			if start < 1 || end > 65535 {
				return nil, fmt.Errorf("port range %q out of range 1-65535", part)
			}
			for p := start; p <= end; p++ {
				seen[p] = true
			}
			continue
		}

		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", part, err)
		}
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("port %d out of range 1-65535", p)
		}
		seen[p] = true
	}

	if len(seen) == 0 {
		return nil, fmt.Errorf("empty port specification")
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// OpenPorts filters results down to the open findings, sorted by port
func OpenPorts(results []*types.ProbeResult) []*types.ProbeResult {
	open := make([]*types.ProbeResult, 0)
	for _, r := range results {
		if r.Status == types.PortOpen {
			open = append(open, r)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Port < open[j].Port })
	return open
}
