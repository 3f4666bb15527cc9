package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"styx-dpi/internal/metrics"
)

var replyPattern = regexp.MustCompile(`reply (\S+) is (\d+\.\d+\.\d+\.\d+)`)

// ParseReply extracts the domain and address from a DNS resolver log line
// such as "dnsmasq[412]: reply example.com is 93.184.216.34".
func ParseReply(line string) (string, netip.Addr, bool) {
	m := replyPattern.FindStringSubmatch(line)
	if m == nil {
		return "", netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(m[2])
	if err != nil || !addr.Is4() {
		return "", netip.Addr{}, false
	}
	return m[1], addr, true
}

// LogTailer follows a DNS resolver log and feeds every reply into the cache.
// The log is read from its start and followed across truncation and rotation.
type LogTailer struct {
	path  string
	poll  time.Duration
	cache *Cache
	log   logrus.FieldLogger

	file    *os.File
	offset  int64
	partial []byte
	buf     []byte
	missing bool
}

// NewLogTailer creates a tailer for the log at path. poll bounds the delay
// between checks when no file system notification arrives.
func NewLogTailer(path string, poll time.Duration, cache *Cache, log logrus.FieldLogger) *LogTailer {
	return &LogTailer{
		path:  path,
		poll:  poll,
		cache: cache,
		log:   log.WithField("component", "dns-tail"),
		buf:   make([]byte, 32*1024),
	}
}

// Run tails the log until ctx is cancelled. Reaching the end of the file is
// never the end of the stream. It fails only when the log cannot be opened for
// a reason other than not existing yet.
func (t *LogTailer) Run(ctx context.Context) error {
	defer t.closeFile()

	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.WithError(err).Warn("file notifications unavailable, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.log.WithError(err).Warn("cannot watch log directory, polling only")
		} else {
			events, watchErrs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	t.log.WithField("path", t.path).Info("tailing DNS log")
	for {
		if err := t.readAvailable(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			t.log.WithError(err).Warn("file watcher error")
		}
	}
}

// readAvailable consumes everything appended since the last call.
func (t *LogTailer) readAvailable() error {
	if t.file == nil {
		if err := t.open(); err != nil {
			return err
		}
		if t.file == nil {
			return nil
		}
	}

	cur, err := t.file.Stat()
	if err != nil {
		t.log.WithError(err).Warn("cannot stat DNS log, reopening")
		t.closeFile()
		return nil
	}
	switch onDisk, err := os.Stat(t.path); {
	case err == nil && !os.SameFile(onDisk, cur):
		// Rotated: finish the old file, then start the new one from its beginning.
		t.drain()
		t.log.Info("DNS log rotated")
		t.closeFile()
		if err := t.open(); err != nil || t.file == nil {
			return err
		}
	case cur.Size() < t.offset:
		t.log.Info("DNS log truncated")
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.closeFile()
			return nil
		}
		t.offset = 0
		t.partial = t.partial[:0]
	}
	t.drain()
	return nil
}

func (t *LogTailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if !t.missing {
				t.log.WithField("path", t.path).Warn("DNS log does not exist yet, waiting")
				t.missing = true
			}
			return nil
		}
		return fmt.Errorf("failed to open DNS log: %w", err)
	}
	t.missing = false
	t.file = f
	t.offset = 0
	t.partial = t.partial[:0]
	return nil
}

func (t *LogTailer) closeFile() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

// drain reads to the current end of the file. A trailing line without a
// newline is kept until the rest of it arrives.
func (t *LogTailer) drain() {
	for {
		n, err := t.file.Read(t.buf)
		if n > 0 {
			t.offset += int64(n)
			t.partial = append(t.partial, t.buf[:n]...)
			t.consumeLines()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.WithError(err).Warn("error reading DNS log")
			}
			return
		}
	}
}

func (t *LogTailer) consumeLines() {
	data := t.partial
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.handleLine(string(data[:i]))
		data = data[i+1:]
	}
	t.partial = append(t.partial[:0], data...)
}

func (t *LogTailer) handleLine(line string) {
	domain, addr, ok := ParseReply(line)
	if !ok {
		return
	}
	t.cache.Set(addr, domain)
	metrics.DNSRepliesTotal.Inc()
	t.log.WithFields(logrus.Fields{"addr": addr, "domain": domain}).Debug("learned reply")
}
