// Package pcap replays capture files as tcpdump-style text lines.
package pcap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Reader reads packets from a pcap or pcapng stream.
type Reader struct {
	source *gopacket.PacketSource
	closer io.Closer
}

// Open opens the capture file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader creates a reader over a pcap or pcapng stream.
func NewReader(in io.Reader) (*Reader, error) {
	br := bufio.NewReader(in)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	var source *gopacket.PacketSource
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng stream: %w", err)
		}
		source = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcap stream: %w", err)
		}
		source = gopacket.NewPacketSource(pr, pr.LinkType())
	}
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	return &Reader{source: source}, nil
}

// Close closes the underlying file, if the reader owns one.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// NextLine returns the line of the next IPv4 TCP or UDP packet, skipping
// every other packet. It returns io.EOF at the end of the stream.
func (r *Reader) NextLine() (string, error) {
	for {
		packet, err := r.source.NextPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", io.EOF
			}
			return "", err
		}
		if line, ok := FormatLine(packet); ok {
			return line, nil
		}
	}
}

// FormatLine renders an IPv4 TCP or UDP packet the way `tcpdump -n -nn`
// prints it, e.g.
//
//	12:01:02.345678 IP 192.168.1.10.50000 > 93.184.216.34.443: tcp, length 512
func FormatLine(packet gopacket.Packet) (string, bool) {
	ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return "", false
	}

	var proto string
	var srcPort, dstPort uint16
	var length int
	switch l := packet.TransportLayer().(type) {
	case *layers.TCP:
		proto, srcPort, dstPort, length = "tcp", uint16(l.SrcPort), uint16(l.DstPort), len(l.Payload)
	case *layers.UDP:
		proto, srcPort, dstPort, length = "UDP", uint16(l.SrcPort), uint16(l.DstPort), len(l.Payload)
	default:
		return "", false
	}

	var b strings.Builder
	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		b.WriteString(md.Timestamp.UTC().Format("15:04:05.000000"))
		b.WriteByte(' ')
	}
	b.WriteString("IP ")
	b.WriteString(ipLayer.SrcIP.String())
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(int(srcPort)))
	b.WriteString(" > ")
	b.WriteString(ipLayer.DstIP.String())
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(int(dstPort)))
	b.WriteString(": ")
	b.WriteString(proto)
	b.WriteString(", length ")
	b.WriteString(strconv.Itoa(length))
	return b.String(), true
}
