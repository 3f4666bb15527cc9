// Package sqlite persists traffic rows to a local SQLite database.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"styx-dpi/internal/config"
	"styx-dpi/internal/factory"
	"styx-dpi/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS traffic (
    timestamp      TEXT,
    local_address  TEXT,
    remote_address TEXT,
    port           INTEGER,
    bytes_sent     INTEGER,
    bytes_received INTEGER,
    domain         TEXT
)`

const createIndexStatement = `CREATE INDEX IF NOT EXISTS traffic_timestamp ON traffic (timestamp)`

const insertStatement = `
INSERT OR REPLACE INTO traffic (timestamp, local_address, remote_address, port, bytes_sent, bytes_received, domain)
VALUES (:timestamp, :local_address, :remote_address, :port, :bytes_sent, :bytes_received, :domain)`

// rowsPerStatement keeps a multi-row insert under SQLite's bound parameter limit.
const rowsPerStatement = 500

func init() {
	factory.RegisterWriter("sqlite", func(cfg *config.Config, log logrus.FieldLogger) (model.Writer, error) {
		return New(cfg.Store.SQLite, log)
	})
}

// Writer implements model.Writer on top of SQLite.
type Writer struct {
	db  *sqlx.DB
	log logrus.FieldLogger
}

// New opens (and with NewDB, first removes) the database file at cfg.Path.
func New(cfg config.SQLiteConfig, log logrus.FieldLogger) (*Writer, error) {
	if cfg.NewDB {
		for _, f := range []string{cfg.Path, cfg.Path + "-wal", cfg.Path + "-shm"} {
			if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove database: %w", err)
			}
		}
		log.WithField("path", cfg.Path).Info("starting with a new database")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", DSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	w, err := NewWithDB(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// DSN returns the connection string used for the database at path.
func DSN(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// NewWithDB wraps an open database and ensures the schema exists.
func NewWithDB(db *sqlx.DB, log logrus.FieldLogger) (*Writer, error) {
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createIndexStatement); err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return &Writer{db: db, log: log.WithField("component", "sqlite")}, nil
}

// Write inserts all rows in one transaction. Either every row is committed
// or none is.
func (w *Writer) Write(ctx context.Context, rows []model.TrafficRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := insertRows(ctx, tx, rows); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	w.log.WithField("rows", len(rows)).Debug("window written")
	return nil
}

func insertRows(ctx context.Context, tx *sqlx.Tx, rows []model.TrafficRow) error {
	for start := 0; start < len(rows); start += rowsPerStatement {
		end := min(start+rowsPerStatement, len(rows))
		if _, err := tx.NamedExecContext(ctx, insertStatement, rows[start:end]); err != nil {
			return fmt.Errorf("failed to insert rows: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (w *Writer) Close() error {
	return w.db.Close()
}
