package protocol

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"styx-dpi/internal/model"
)

// ErrSkip marks a capture line that produced no packet record.
var ErrSkip = errors.New("line skipped")

// ParseError describes why a capture line was skipped. It always matches ErrSkip.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("skip %q: %s", e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrSkip
}

var lengthPattern = regexp.MustCompile(`length (\d+)`)

// ParseLine extracts the IPv4 flow fields from one capture line of the form
// `[time] IP <addr>.<port> > <addr>.<port>: ... length <n>`.
// The length is 0 when the line carries no length field.
func ParseLine(line string) (model.PacketRecord, error) {
	var rec model.PacketRecord

	fields := strings.Fields(line)
	arrow := slices.Index(fields, ">")
	if arrow < 2 || arrow+1 >= len(fields) {
		return rec, &ParseError{Line: line, Reason: "no flow fields"}
	}

	switch fields[arrow-2] {
	case "IP":
	case "IP6":
		return rec, &ParseError{Line: line, Reason: "IPv6"}
	default:
		return rec, &ParseError{Line: line, Reason: "not an IPv4 flow line"}
	}

	var err error
	rec.SrcIP, rec.SrcPort, err = splitEndpoint(fields[arrow-1])
	if err != nil {
		return rec, &ParseError{Line: line, Reason: "source: " + err.Error()}
	}
	rec.DstIP, rec.DstPort, err = splitEndpoint(strings.TrimSuffix(fields[arrow+1], ":"))
	if err != nil {
		return rec, &ParseError{Line: line, Reason: "destination: " + err.Error()}
	}

	// The payload length is the last length field on a non-verbose line.
	if m := lengthPattern.FindAllStringSubmatch(line, -1); len(m) > 0 {
		n, err := strconv.Atoi(m[len(m)-1][1])
		if err != nil {
			return rec, &ParseError{Line: line, Reason: "bad length"}
		}
		rec.Length = n
	}
	return rec, nil
}

// splitEndpoint splits "a.b.c.d.port" into a dotted-quad address and a port.
// Symbolic ports are translated through the services table.
func splitEndpoint(s string) (netip.Addr, uint16, error) {
	if strings.Contains(s, ":") {
		return netip.Addr{}, 0, errors.New("IPv6 address")
	}
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return netip.Addr{}, 0, fmt.Errorf("no port in %q", s)
	}
	addr, err := netip.ParseAddr(s[:i])
	if err != nil || !addr.Is4() {
		return netip.Addr{}, 0, fmt.Errorf("not a dotted-quad address: %q", s[:i])
	}

	portStr := s[i+1:]
	if p, err := strconv.ParseUint(portStr, 10, 16); err == nil {
		return addr, uint16(p), nil
	}
	if p, ok := LookupService(portStr); ok {
		return addr, p, nil
	}
	return netip.Addr{}, 0, fmt.Errorf("unknown port %q", portStr)
}
