// Package classifier orients packets relative to the local address space.
package classifier

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"

	"styx-dpi/internal/engine/protocol"
	"styx-dpi/internal/model"
)

// ErrNoIPv4 is returned when an interface has no usable IPv4 address.
var ErrNoIPv4 = errors.New("interface has no IPv4 address")

// Result is a packet classified into its flow.
type Result struct {
	Key       model.FlowKey
	Direction model.Direction
	// Port is the port on the remote side of the flow.
	Port uint16
	// Service is a well-known port seen on either side, 0 if none.
	Service  uint16
	Sent     uint64
	Received uint64
}

// Classifier decides which endpoints of a packet are local.
type Classifier struct {
	ranger   cidranger.Ranger
	networks []netip.Prefix
}

// New creates a classifier over one or more IPv4 prefixes.
func New(networks ...netip.Prefix) (*Classifier, error) {
	if len(networks) == 0 {
		return nil, errors.New("at least one local network is required")
	}
	ranger := cidranger.NewPCTrieRanger()
	for _, p := range networks {
		if !p.IsValid() || !p.Addr().Is4() {
			return nil, fmt.Errorf("local network %s is not an IPv4 prefix", p)
		}
		p = p.Masked()
		ipNet := net.IPNet{
			IP:   net.IP(p.Addr().AsSlice()),
			Mask: net.CIDRMask(p.Bits(), 32),
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(ipNet)); err != nil {
			return nil, fmt.Errorf("failed to add local network %s: %w", p, err)
		}
	}
	return &Classifier{ranger: ranger, networks: networks}, nil
}

// InterfaceNetworks returns the IPv4 networks assigned to the named interface.
func InterfaceNetworks(name string) ([]netip.Prefix, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("could not determine IP range for interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("could not determine IP range for interface %s: %w", name, err)
	}

	var prefixes []netip.Prefix
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil {
			continue
		}
		addr, _ := netip.AddrFromSlice(ipNet.IP.To4())
		ones, _ := ipNet.Mask.Size()
		if ones == 0 && len(ipNet.Mask) == net.IPv6len {
			ones, _ = net.IPMask(ipNet.Mask[12:]).Size()
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, ones).Masked())
	}
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("interface %s: %w", name, ErrNoIPv4)
	}
	return prefixes, nil
}

// Networks returns the configured local prefixes.
func (c *Classifier) Networks() []netip.Prefix {
	return c.networks
}

// IsLocal reports whether addr falls inside a local network.
func (c *Classifier) IsLocal(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	ok, err := c.ranger.Contains(net.IP(addr.AsSlice()))
	return err == nil && ok
}

// Classify maps a packet onto its flow. It returns false when neither
// endpoint is local.
func (c *Classifier) Classify(rec model.PacketRecord) (Result, bool) {
	srcLocal := c.IsLocal(rec.SrcIP)
	dstLocal := c.IsLocal(rec.DstIP)
	size := uint64(max(rec.Length, 0))

	var r Result
	var localPort uint16
	switch {
	case srcLocal && dstLocal:
		// Two local hosts share one flow keyed by the smaller address.
		r.Direction = model.Internal
		if rec.SrcIP.Less(rec.DstIP) {
			r.Key = model.FlowKey{Local: rec.SrcIP, Remote: rec.DstIP}
			r.Port, localPort = rec.DstPort, rec.SrcPort
			r.Sent = size
		} else {
			r.Key = model.FlowKey{Local: rec.DstIP, Remote: rec.SrcIP}
			r.Port, localPort = rec.SrcPort, rec.DstPort
			r.Received = size
		}
	case srcLocal:
		r.Direction = model.Outbound
		r.Key = model.FlowKey{Local: rec.SrcIP, Remote: rec.DstIP}
		r.Port, localPort = rec.DstPort, rec.SrcPort
		r.Sent = size
	case dstLocal:
		r.Direction = model.Inbound
		r.Key = model.FlowKey{Local: rec.DstIP, Remote: rec.SrcIP}
		r.Port, localPort = rec.SrcPort, rec.DstPort
		r.Received = size
	default:
		return Result{}, false
	}

	switch {
	case protocol.WellKnown(r.Port):
		r.Service = r.Port
	case protocol.WellKnown(localPort):
		r.Service = localPort
	}
	return r, true
}
