// Package snapshot persists each window as a gob file under a directory
// named after the window timestamp.
package snapshot

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"styx-dpi/internal/config"
	"styx-dpi/internal/factory"
	"styx-dpi/internal/model"
)

const (
	rowsFile    = "traffic.gob"
	summaryFile = "summary.json"
	dirLayout   = "20060102T150405Z"
)

func init() {
	factory.RegisterWriter("snapshot", func(cfg *config.Config, log logrus.FieldLogger) (model.Writer, error) {
		return New(cfg.Store.Snapshot.Path, log)
	})
}

// Summary holds the metadata for a window snapshot.
type Summary struct {
	Timestamp     string `json:"timestamp"`
	Rows          int    `json:"rows"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesReceived int64  `json:"bytes_received"`
	WrittenAt     string `json:"written_at"`
}

// Writer implements model.Writer on the local filesystem.
type Writer struct {
	root string
	log  logrus.FieldLogger
}

// New creates the snapshot root directory.
func New(root string, log logrus.FieldLogger) (*Writer, error) {
	if root == "" {
		return nil, errors.New("snapshot writer requires a path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Writer{root: root, log: log.WithField("component", "snapshot")}, nil
}

// Write stores the window in <root>/<timestamp>/. A repeated write of the
// same window replaces the earlier files.
func (w *Writer) Write(_ context.Context, rows []model.TrafficRow) error {
	if len(rows) == 0 {
		return nil
	}

	ts, err := time.Parse(model.TimestampLayout, rows[0].Timestamp)
	if err != nil {
		return fmt.Errorf("bad window timestamp %q: %w", rows[0].Timestamp, err)
	}
	dir := filepath.Join(w.root, ts.UTC().Format(dirLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, rowsFile), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(rows)
	}); err != nil {
		return fmt.Errorf("failed to encode rows to gob: %w", err)
	}

	summary := Summary{
		Timestamp: rows[0].Timestamp,
		Rows:      len(rows),
		WrittenAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, r := range rows {
		summary.BytesSent += r.BytesSent
		summary.BytesReceived += r.BytesReceived
	}
	if err := writeAtomic(filepath.Join(dir, summaryFile), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}

	w.log.WithFields(logrus.Fields{"dir": dir, "rows": len(rows)}).Debug("snapshot written")
	return nil
}

// writeAtomic writes through a temporary file renamed into place.
func writeAtomic(path string, encode func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := encode(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads every snapshot under root, oldest first.
func Read(root string) ([]model.TrafficRow, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var out []model.TrafficRow
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		f, err := os.Open(filepath.Join(root, e.Name(), rowsFile))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rows []model.TrafficRow
		err = gob.NewDecoder(f).Decode(&rows)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", e.Name(), err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Close is a no-op; every write closes its files.
func (w *Writer) Close() error {
	return nil
}
