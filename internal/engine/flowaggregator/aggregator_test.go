package flowaggregator

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"styx-dpi/internal/engine/classifier"
	"styx-dpi/internal/model"
)

type mapDomains struct {
	mu      sync.Mutex
	names   map[netip.Addr]string
	localAt []netip.Addr
}

func (m *mapDomains) Domain(addr netip.Addr, local bool) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if local {
		m.localAt = append(m.localAt, addr)
	}
	name, ok := m.names[addr]
	return name, ok
}

func (m *mapDomains) set(addr netip.Addr, name string) {
	m.mu.Lock()
	m.names[addr] = name
	m.mu.Unlock()
}

func newClassifier(t *testing.T) *classifier.Classifier {
	t.Helper()
	c, err := classifier.New(netip.MustParsePrefix("192.168.1.0/24"))
	require.NoError(t, err)
	return c
}

func classify(t *testing.T, c *classifier.Classifier, src string, sport uint16, dst string, dport uint16, length int) classifier.Result {
	t.Helper()
	r, ok := c.Classify(model.PacketRecord{
		SrcIP: netip.MustParseAddr(src), SrcPort: sport,
		DstIP: netip.MustParseAddr(dst), DstPort: dport,
		Length: length,
	})
	require.True(t, ok)
	return r
}

func single(t *testing.T, table Table) *model.FlowAccumulator {
	t.Helper()
	require.Len(t, table, 1)
	for _, acc := range table {
		return acc
	}
	return nil
}

func TestAdd_OutboundAccumulatesSent(t *testing.T) {
	c := newClassifier(t)
	fa := NewFlowAggregator(nil)
	now := time.Now()

	for i := 0; i < 3; i++ {
		fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 512), now)
	}

	acc := single(t, fa.Swap())
	assert.Equal(t, uint64(1536), acc.SentBytes)
	assert.Zero(t, acc.ReceivedBytes)
	assert.Equal(t, uint16(443), acc.Port)
	assert.Equal(t, uint64(3), acc.Packets)
	assert.Empty(t, acc.Domain)
}

func TestAdd_BothDirectionsOneRow(t *testing.T) {
	c := newClassifier(t)
	fa := NewFlowAggregator(nil)
	now := time.Now()

	fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 200), now)
	fa.Add(classify(t, c, "93.184.216.34", 443, "192.168.1.10", 50000, 100), now)

	acc := single(t, fa.Swap())
	assert.Equal(t, uint64(200), acc.SentBytes)
	assert.Equal(t, uint64(100), acc.ReceivedBytes)
}

func TestAdd_IntraLANOrderIndependent(t *testing.T) {
	c := newClassifier(t)
	now := time.Now()
	ab := classify(t, c, "192.168.1.5", 40000, "192.168.1.20", 8080, 200)
	ba := classify(t, c, "192.168.1.20", 8080, "192.168.1.5", 40000, 100)

	first := NewFlowAggregator(nil)
	first.Add(ab, now)
	first.Add(ba, now)

	second := NewFlowAggregator(nil)
	second.Add(ba, now)
	second.Add(ab, now)

	x, y := single(t, first.Swap()), single(t, second.Swap())
	assert.Equal(t, x.Key, y.Key)
	assert.Equal(t, uint64(200), x.SentBytes)
	assert.Equal(t, uint64(100), x.ReceivedBytes)
	assert.Equal(t, x.SentBytes, y.SentBytes)
	assert.Equal(t, x.ReceivedBytes, y.ReceivedBytes)
	assert.Equal(t, uint16(8080), x.Port)
	assert.Equal(t, x.Port, y.Port)
}

func TestAdd_ServicePortPreferred(t *testing.T) {
	c := newClassifier(t)
	fa := NewFlowAggregator(nil)
	now := time.Now()

	// Neither side well known: the first remote port sticks.
	fa.Add(classify(t, c, "192.168.1.10", 50000, "203.0.113.9", 40001, 10), now)
	fa.Add(classify(t, c, "192.168.1.10", 50001, "203.0.113.9", 40002, 10), now)
	acc := single(t, fa.Swap())
	assert.Equal(t, uint16(40001), acc.Port)
	assert.False(t, acc.ServicePort)

	// A later service port replaces it, and then never changes.
	fa.Add(classify(t, c, "192.168.1.10", 50000, "203.0.113.9", 40001, 10), now)
	fa.Add(classify(t, c, "203.0.113.9", 51000, "192.168.1.10", 22, 10), now)
	fa.Add(classify(t, c, "192.168.1.10", 50002, "203.0.113.9", 443, 10), now)
	acc = single(t, fa.Swap())
	assert.Equal(t, uint16(22), acc.Port)
	assert.True(t, acc.ServicePort)
}

func TestAdd_DomainSetOnce(t *testing.T) {
	c := newClassifier(t)
	remote := netip.MustParseAddr("93.184.216.34")
	domains := &mapDomains{names: map[netip.Addr]string{}}
	fa := NewFlowAggregator(domains)
	now := time.Now()

	fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 1), now)
	domains.set(remote, "example.com")
	fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 1), now)
	domains.set(remote, "example.org")
	fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 1), now)

	acc := single(t, fa.Swap())
	assert.Equal(t, "example.com", acc.Domain)
	assert.Empty(t, domains.localAt, "public peers are never looked up")
}

func TestAdd_LocalPeerRequestsLookup(t *testing.T) {
	c := newClassifier(t)
	domains := &mapDomains{names: map[netip.Addr]string{}}
	fa := NewFlowAggregator(domains)

	fa.Add(classify(t, c, "192.168.1.5", 40000, "192.168.1.20", 445, 1), time.Now())
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.1.20")}, domains.localAt)
}

func TestSwap_StartsFreshWindow(t *testing.T) {
	c := newClassifier(t)
	fa := NewFlowAggregator(nil)
	start := time.Unix(1700000000, 0)

	fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 10), start)
	fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 10), start.Add(time.Second))
	require.Equal(t, 1, fa.Len())

	first := fa.Swap()
	assert.Equal(t, 0, fa.Len())
	acc := single(t, first)
	assert.Equal(t, start, acc.FirstSeen)
	assert.Equal(t, start.Add(time.Second), acc.LastSeen)

	fa.Recycle(first)
	assert.Empty(t, first)

	fa.Add(classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 7), start)
	acc = single(t, fa.Swap())
	assert.Equal(t, uint64(7), acc.SentBytes)
	assert.Empty(t, fa.Swap())
}

func TestSwap_ConcurrentAddsAreNotLost(t *testing.T) {
	c := newClassifier(t)
	fa := NewFlowAggregator(nil)
	r := classify(t, c, "192.168.1.10", 50000, "93.184.216.34", 443, 3)

	const writers, perWriter = 4, 5000
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				fa.Add(r, time.Now())
			}
		}()
	}

	stop := make(chan struct{})
	collected := make(chan uint64)
	go func() {
		var total uint64
		for {
			for _, acc := range fa.Swap() {
				total += acc.SentBytes
			}
			select {
			case <-stop:
				collected <- total
				return
			default:
			}
		}
	}()

	wg.Wait()
	close(stop)
	total := <-collected
	for _, acc := range fa.Swap() {
		total += acc.SentBytes
	}
	assert.Equal(t, uint64(writers*perWriter*3), total)
}
