// Package query answers read-only aggregate queries over the traffic table.
package query

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"styx-dpi/internal/config"
)

// Summary is the byte total of one address over the queried range.
type Summary struct {
	Address  string `db:"address" json:"address"`
	Sent     uint64 `db:"sent" json:"sent"`
	Received uint64 `db:"received" json:"received"`
}

// Filter restricts a query. Empty fields are not applied.
type Filter struct {
	// Start and End are UTC timestamps in model.TimestampLayout.
	Start  string
	End    string
	Client string
}

// Querier defines the interface for querying traffic aggregates.
type Querier interface {
	Domains(ctx context.Context, f Filter) ([]Summary, error)
	IPs(ctx context.Context, f Filter) ([]Summary, error)
	Interface(ctx context.Context, f Filter) (Summary, error)
	Locals(ctx context.Context, f Filter) ([]Summary, error)
	Remotes(ctx context.Context, f Filter) ([]Summary, error)
	Close() error
}

// sqlQuerier implements Querier over any sqlx handle on the traffic schema.
type sqlQuerier struct {
	db *sqlx.DB
}

// New opens a querier on the configured store.
func New(cfg config.StoreConfig) (Querier, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteQuerier(cfg.SQLite.Path)
	case "clickhouse":
		return NewClickHouseQuerier(cfg.ClickHouse)
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

// NewSQLiteQuerier opens the existing database at path.
func NewSQLiteQuerier(path string) (Querier, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db, err := sqlx.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &sqlQuerier{db: db}, nil
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	db := sqlx.NewDb(conn, "clickhouse")
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return &sqlQuerier{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sqlx.DB) Querier {
	return &sqlQuerier{db: db}
}

// where appends the filter to base, which may already carry conditions.
func where(base []string, f Filter) (string, []any) {
	conds := base
	var args []any
	if f.Start != "" {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Start)
	}
	if f.End != "" {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.End)
	}
	if f.Client != "" {
		conds = append(conds, "local_address = ?")
		args = append(args, f.Client)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (q *sqlQuerier) grouped(ctx context.Context, column string, base []string, f Filter) ([]Summary, error) {
	clause, args := where(base, f)
	stmt := fmt.Sprintf(`
		SELECT %[1]s AS address, COALESCE(SUM(bytes_sent), 0) AS sent, COALESCE(SUM(bytes_received), 0) AS received
		FROM traffic%[2]s
		GROUP BY %[1]s
		ORDER BY %[1]s`, column, clause)

	out := []Summary{}
	if err := q.db.SelectContext(ctx, &out, q.db.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return out, nil
}

// Domains sums traffic per resolved domain.
func (q *sqlQuerier) Domains(ctx context.Context, f Filter) ([]Summary, error) {
	return q.grouped(ctx, "domain", []string{"domain IS NOT NULL"}, f)
}

// IPs sums traffic per remote address.
func (q *sqlQuerier) IPs(ctx context.Context, f Filter) ([]Summary, error) {
	return q.grouped(ctx, "remote_address", nil, f)
}

// Locals sums traffic per local address. The client filter is ignored.
func (q *sqlQuerier) Locals(ctx context.Context, f Filter) ([]Summary, error) {
	f.Client = ""
	return q.grouped(ctx, "local_address", nil, f)
}

// Interface sums all traffic into a single row with address "*".
func (q *sqlQuerier) Interface(ctx context.Context, f Filter) (Summary, error) {
	clause, args := where(nil, f)
	stmt := `SELECT '*' AS address, COALESCE(SUM(bytes_sent), 0) AS sent, COALESCE(SUM(bytes_received), 0) AS received FROM traffic` + clause

	var s Summary
	if err := q.db.GetContext(ctx, &s, q.db.Rebind(stmt), args...); err != nil {
		return Summary{}, fmt.Errorf("failed to execute query: %w", err)
	}
	return s, nil
}

// Remotes sums traffic per remote endpoint, named by domain when known,
// as "address:port".
func (q *sqlQuerier) Remotes(ctx context.Context, f Filter) ([]Summary, error) {
	clause, args := where(nil, f)
	stmt := `
		SELECT COALESCE(domain, remote_address) AS address, port, COALESCE(SUM(bytes_sent), 0) AS sent, COALESCE(SUM(bytes_received), 0) AS received
		FROM traffic` + clause + `
		GROUP BY address, port
		ORDER BY address, port`

	var rows []struct {
		Summary
		Port int `db:"port"`
	}
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		s := r.Summary
		s.Address = fmt.Sprintf("%s:%d", r.Address, r.Port)
		out = append(out, s)
	}
	return out, nil
}

func (q *sqlQuerier) Close() error {
	return q.db.Close()
}
