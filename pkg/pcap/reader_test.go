package pcap

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"styx-dpi/internal/engine/protocol"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func tcpPacket(t *testing.T, src, dst string, sport, dport uint16, payload int) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4()}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(make([]byte, payload)))
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16, payload int) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(make([]byte, payload)))
}

func icmpPacket(t *testing.T) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: net.IP{192, 168, 1, 10}, DstIP: net.IP{192, 168, 1, 1}}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	return serialize(t, eth, ip, icmp)
}

func writeCapture(t *testing.T, packets ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Date(2024, 3, 1, 12, 1, 2, 345678000, time.UTC)
	for i, p := range packets {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(p), Length: len(p)}
		require.NoError(t, w.WritePacket(ci, p))
	}
	return &buf
}

func TestReader_NextLine(t *testing.T) {
	buf := writeCapture(t,
		tcpPacket(t, "192.168.1.10", "93.184.216.34", 50000, 443, 512),
		icmpPacket(t),
		udpPacket(t, "192.168.1.10", "192.168.1.1", 41000, 53, 29),
	)

	r, err := NewReader(buf)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.NextLine()
	require.NoError(t, err)
	assert.Equal(t, "12:01:02.345678 IP 192.168.1.10.50000 > 93.184.216.34.443: tcp, length 512", first)

	second, err := r.NextLine()
	require.NoError(t, err)
	assert.Contains(t, second, "IP 192.168.1.10.41000 > 192.168.1.1.53: UDP, length 29")

	_, err = r.NextLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFormatLine_ParsesBack(t *testing.T) {
	buf := writeCapture(t, tcpPacket(t, "93.184.216.34", "192.168.1.10", 443, 50000, 100))
	r, err := NewReader(buf)
	require.NoError(t, err)

	line, err := r.NextLine()
	require.NoError(t, err)

	rec, err := protocol.ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", rec.SrcIP.String())
	assert.Equal(t, uint16(443), rec.SrcPort)
	assert.Equal(t, uint16(50000), rec.DstPort)
	assert.Equal(t, 100, rec.Length)
}

func TestNewReader_RejectsGarbage(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a capture file")))
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil))
	assert.Error(t, err)
}
