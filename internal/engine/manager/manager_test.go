package manager

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"styx-dpi/internal/capture"
	"styx-dpi/internal/config"
	"styx-dpi/internal/engine/pipeline"
	"styx-dpi/internal/model"
	"styx-dpi/internal/resolver"
	"styx-dpi/internal/writer/snapshot"
	"styx-dpi/internal/writer/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gatedFeed waits for ready before emitting its lines, then ends.
type gatedFeed struct {
	ready func() bool
	lines []string
}

func (f *gatedFeed) Run(ctx context.Context, out chan<- string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !f.ready() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	for _, l := range f.lines {
		select {
		case out <- l:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	cfg.LocalNetworks = []string{"192.168.1.0/24"}
	cfg.Resolver.DNSLogPath = filepath.Join(dir, "pihole.log")
	cfg.Resolver.PollInterval = 10 * time.Millisecond
	cfg.Resolver.ReverseDNS = false
	cfg.Resolver.NBTScanCommand = ""
	cfg.Store.SQLite.Path = filepath.Join(dir, "styx.db")
	cfg.Aggregator.FlushInterval = time.Hour
	return cfg
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestManager_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Resolver.DNSLogPath,
		[]byte("Mar  1 12:00:00 dnsmasq[412]: reply example.com is 93.184.216.34\n"), 0o644))

	var m *Manager
	feed := &gatedFeed{
		ready: func() bool {
			_, ok := m.cache.Domain(netip.MustParseAddr("93.184.216.34"))
			return ok
		},
		lines: []string{
			"IP 192.168.1.10.50000 > 93.184.216.34.443: Flags [S], length 512",
			"IP 93.184.216.34.443 > 192.168.1.10.50000: Flags [S.], length 100",
			"garbage data",
		},
	}

	var err error
	m, err = NewManager(cfg, quiet(), WithFeed(feed))
	require.NoError(t, err)

	err = m.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrFeedEnded)

	db, err := sqlx.Open("sqlite", sqlite.DSN(cfg.Store.SQLite.Path))
	require.NoError(t, err)
	defer db.Close()

	var rows []model.TrafficRow
	require.NoError(t, db.Select(&rows, `SELECT * FROM traffic`))
	require.Len(t, rows, 1)
	assert.Equal(t, "192.168.1.10", rows[0].LocalAddress)
	assert.Equal(t, "93.184.216.34", rows[0].RemoteAddress)
	assert.Equal(t, 443, rows[0].Port)
	assert.Equal(t, int64(512), rows[0].BytesSent)
	assert.Equal(t, int64(100), rows[0].BytesReceived)
	require.NotNil(t, rows[0].Domain)
	assert.Equal(t, "example.com", *rows[0].Domain)
}

func TestManager_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	lookups := 0
	backend := resolver.BackendFunc(func(context.Context, netip.Addr) (string, error) {
		lookups++
		return "", resolver.ErrNotFound
	})
	feed := &gatedFeed{ready: func() bool { return false }}

	m, err := NewManager(cfg, quiet(), WithFeed(feed), WithBackend(backend))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Run(ctx))
	assert.Zero(t, lookups)
}

func TestNewManager_ConfigurationErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.LocalNetworks = nil
	cfg.Interface = "styx-missing0"
	_, err := NewManager(cfg, quiet(), WithFeed(&gatedFeed{}))
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "interface", verr.Key)

	cfg = testConfig(t)
	cfg.Store.Type = "nosuchstore"
	_, err = NewManager(cfg, quiet(), WithFeed(&gatedFeed{}))
	assert.ErrorContains(t, err, "unknown store type")

	cfg = testConfig(t)
	cfg.Capture.Type = "file"
	cfg.Capture.Path = filepath.Join(t.TempDir(), "missing.txt")
	_, err = NewManager(cfg, quiet())
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg = testConfig(t)
	cfg.Capture.Type = "pcap"
	cfg.Capture.Path = filepath.Join(t.TempDir(), "missing.pcap")
	_, err = NewManager(cfg, quiet())
	assert.Error(t, err)
}

func TestBuildFeed_FileOpensLazily(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Type = "file"
	cfg.Capture.Path = filepath.Join(t.TempDir(), "capture.txt")
	require.NoError(t, os.WriteFile(cfg.Capture.Path, nil, 0o644))

	feed, err := buildFeed(cfg, quiet())
	require.NoError(t, err)
	assert.IsType(t, &capture.File{}, feed)

	// A later construction failure leaves no open capture file behind.
	cfg.Store.Type = "nosuchstore"
	_, err = NewManager(cfg, quiet())
	assert.ErrorContains(t, err, "unknown store type")
}

func TestManager_FileFeedToSnapshotStore(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Capture.Type = "file"
	cfg.Capture.Path = filepath.Join(dir, "capture.txt")
	cfg.Store.Type = "snapshot"
	cfg.Store.Snapshot.Path = filepath.Join(dir, "snapshots")
	require.NoError(t, os.WriteFile(cfg.Capture.Path, []byte(
		"12:00:00.000001 IP 192.168.1.20.40000 > 192.168.1.5.445: Flags [S], length 200\n"+
			"12:00:00.000002 IP 192.168.1.5.445 > 192.168.1.20.40000: Flags [S.], length 100\n"), 0o644))

	m, err := NewManager(cfg, quiet())
	require.NoError(t, err)
	require.ErrorIs(t, m.Run(context.Background()), pipeline.ErrFeedEnded)

	rows, err := snapshot.Read(cfg.Store.Snapshot.Path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "192.168.1.5", rows[0].LocalAddress)
	assert.Equal(t, "192.168.1.20", rows[0].RemoteAddress)
	assert.Equal(t, 445, rows[0].Port)
	assert.Equal(t, int64(100), rows[0].BytesSent)
	assert.Equal(t, int64(200), rows[0].BytesReceived)
}
