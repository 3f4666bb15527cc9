package resolver

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		line   string
		domain string
		addr   string
		ok     bool
	}{
		{"Jan  3 10:00:01 dnsmasq[412]: reply example.com is 93.184.216.34", "example.com", "93.184.216.34", true},
		{"reply example.com is 93.184.216.34", "example.com", "93.184.216.34", true},
		{"Jan  3 10:00:01 dnsmasq[412]: reply www.example.com is <CNAME>", "", "", false},
		{"Jan  3 10:00:01 dnsmasq[412]: reply example.com is 2606:2800:220:1::1", "", "", false},
		{"Jan  3 10:00:01 dnsmasq[412]: query[A] example.com from 192.168.1.10", "", "", false},
		{"reply bogus.example is 999.1.1.1", "", "", false},
	}
	for _, tt := range tests {
		domain, addr, ok := ParseReply(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.domain, domain)
			assert.Equal(t, netip.MustParseAddr(tt.addr), addr)
		}
	}
}

type tailHarness struct {
	path   string
	cache  *Cache
	cancel context.CancelFunc
	done   chan error
}

func startTail(t *testing.T, path string) *tailHarness {
	t.Helper()
	h := &tailHarness{path: path, cache: newTestCache(t), done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	tailer := NewLogTailer(path, 10*time.Millisecond, h.cache, quietLogger())
	go func() { h.done <- tailer.Run(ctx) }()
	t.Cleanup(h.stop(t))
	return h
}

func (h *tailHarness) stop(t *testing.T) func() {
	return func() {
		h.cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("tailer did not stop")
		}
	}
}

func (h *tailHarness) waitFor(t *testing.T, addr, domain string) {
	t.Helper()
	require.Eventually(t, func() bool {
		name, ok := h.cache.Domain(netip.MustParseAddr(addr))
		return ok && name == domain
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s -> %s", addr, domain)
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l)
		require.NoError(t, err)
	}
}

func TestLogTailer_ReadsExistingAndAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pihole.log")
	appendLines(t, path, "dnsmasq[1]: reply example.com is 93.184.216.34\n")

	h := startTail(t, path)
	h.waitFor(t, "93.184.216.34", "example.com")

	appendLines(t, path, "dnsmasq[1]: query[A] example.org from 192.168.1.10\n",
		"dnsmasq[1]: reply example.org is 93.184.216.35\n")
	h.waitFor(t, "93.184.216.35", "example.org")

	// Last write wins.
	appendLines(t, path, "dnsmasq[1]: reply cdn.example.net is 93.184.216.34\n")
	h.waitFor(t, "93.184.216.34", "cdn.example.net")
}

func TestLogTailer_WaitsForPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pihole.log")
	appendLines(t, path, "dnsmasq[1]: reply a.example is 10.0.0.4")

	h := startTail(t, path)
	time.Sleep(60 * time.Millisecond)
	_, ok := h.cache.Get(netip.MustParseAddr("10.0.0.4"))
	assert.False(t, ok, "an unterminated line must not be consumed")

	appendLines(t, path, "5\n")
	h.waitFor(t, "10.0.0.45", "a.example")
	_, ok = h.cache.Get(netip.MustParseAddr("10.0.0.4"))
	assert.False(t, ok)
}

func TestLogTailer_FileAppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pihole.log")
	h := startTail(t, path)

	time.Sleep(30 * time.Millisecond)
	appendLines(t, path, "reply late.example is 198.51.100.7\n")
	h.waitFor(t, "198.51.100.7", "late.example")
}

func TestLogTailer_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pihole.log")
	appendLines(t, path,
		"dnsmasq[1]: reply first.example is 198.51.100.1\n",
		"dnsmasq[1]: reply second.example is 198.51.100.2\n")

	h := startTail(t, path)
	h.waitFor(t, "198.51.100.2", "second.example")

	require.NoError(t, os.WriteFile(path, []byte("reply t.example is 198.51.100.3\n"), 0o644))
	h.waitFor(t, "198.51.100.3", "t.example")
}

func TestLogTailer_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pihole.log")
	appendLines(t, path, "dnsmasq[1]: reply old.example is 198.51.100.10\n")

	h := startTail(t, path)
	h.waitFor(t, "198.51.100.10", "old.example")

	require.NoError(t, os.Rename(path, filepath.Join(dir, "pihole.log.1")))
	appendLines(t, path, "dnsmasq[1]: reply new.example is 198.51.100.11\n")
	h.waitFor(t, "198.51.100.11", "new.example")
}
