package model

import (
	"net/netip"
	"time"
)

// TimestampLayout is the layout of the persisted timestamp column (UTC).
const TimestampLayout = "2006-01-02 15:04:05"

// PacketRecord holds the fields extracted from a single capture line.
// It is consumed immediately by the classifier and never persisted.
type PacketRecord struct {
	Timestamp time.Time
	SrcIP     netip.Addr
	SrcPort   uint16
	DstIP     netip.Addr
	DstPort   uint16
	Length    int
}

// Direction is the orientation of a packet relative to the local address space.
type Direction uint8

const (
	Outbound Direction = iota + 1
	Inbound
	Internal
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// FlowKey identifies a flow between a local endpoint and a remote endpoint.
// For traffic between two local hosts, Local is the canonical (smaller) address.
type FlowKey struct {
	Local  netip.Addr
	Remote netip.Addr
}

func (k FlowKey) String() string {
	return k.Local.String() + "<->" + k.Remote.String()
}

// FlowAccumulator is the mutable aggregate of one flow for the current window.
type FlowAccumulator struct {
	Key           FlowKey
	SentBytes     uint64
	ReceivedBytes uint64
	Port          uint16
	// ServicePort is set once Port holds a well-known service port; it is
	// never replaced after that.
	ServicePort bool
	Domain      string
	FirstSeen   time.Time
	LastSeen    time.Time
	Packets     uint64
}

// Empty reports whether the accumulator carries no bytes in either direction.
func (a *FlowAccumulator) Empty() bool {
	return a.SentBytes == 0 && a.ReceivedBytes == 0
}

// TrafficRow is one persisted, append-only aggregate row.
type TrafficRow struct {
	Timestamp     string  `db:"timestamp" json:"timestamp"`
	LocalAddress  string  `db:"local_address" json:"local_address"`
	RemoteAddress string  `db:"remote_address" json:"remote_address"`
	Port          int     `db:"port" json:"port"`
	BytesSent     int64   `db:"bytes_sent" json:"bytes_sent"`
	BytesReceived int64   `db:"bytes_received" json:"bytes_received"`
	Domain        *string `db:"domain" json:"domain,omitempty"`
}
