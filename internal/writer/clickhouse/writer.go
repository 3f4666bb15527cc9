// Package clickhouse persists traffic rows to ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"styx-dpi/internal/config"
	"styx-dpi/internal/factory"
	"styx-dpi/internal/model"
)

// Rows written twice for the same window and flow collapse on merge, which
// gives the table replace-on-duplicate semantics.
const createTableStatement = `
CREATE TABLE IF NOT EXISTS traffic (
    timestamp      DateTime('UTC'),
    local_address  String,
    remote_address String,
    port           UInt16,
    bytes_sent     UInt64,
    bytes_received UInt64,
    domain         Nullable(String)
) ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(timestamp)
ORDER BY (timestamp, local_address, remote_address, port);
`

func init() {
	factory.RegisterWriter("clickhouse", func(cfg *config.Config, log logrus.FieldLogger) (model.Writer, error) {
		return New(cfg.Store.ClickHouse, log)
	})
}

// Writer implements model.Writer for ClickHouse.
type Writer struct {
	conn driver.Conn
	log  logrus.FieldLogger
}

// New connects to ClickHouse and ensures the traffic table exists.
func New(cfg config.ClickHouseConfig, log logrus.FieldLogger) (*Writer, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.WithField("component", "clickhouse").Info("connected to ClickHouse and ensured table exists")

	return &Writer{conn: conn, log: log.WithField("component", "clickhouse")}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: false,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Write sends all rows as a single batch.
func (w *Writer) Write(ctx context.Context, rows []model.TrafficRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO traffic")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range rows {
		values, err := rowValues(row)
		if err != nil {
			_ = batch.Abort()
			return err
		}
		if err := batch.Append(values...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.log.WithField("rows", len(rows)).Debug("window written")
	return nil
}

// rowValues converts a row into the column order of the traffic table.
func rowValues(row model.TrafficRow) ([]any, error) {
	ts, err := time.ParseInLocation(model.TimestampLayout, row.Timestamp, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("bad row timestamp %q: %w", row.Timestamp, err)
	}
	if row.Port < 0 || row.Port > 65535 {
		return nil, fmt.Errorf("bad row port %d", row.Port)
	}
	return []any{
		ts,
		row.LocalAddress,
		row.RemoteAddress,
		uint16(row.Port),
		uint64(max(row.BytesSent, 0)),
		uint64(max(row.BytesReceived, 0)),
		row.Domain,
	}, nil
}

// Close closes the connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}
