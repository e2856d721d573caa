package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/BlueSageSolutions/db-maintenance/internal/history"
)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = history.Table
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureSchema creates the MergeTree table if it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			occurred_at DateTime64(6),
			event LowCardinality(String),
			pass_id String,
			trx_id_counter Int64,
			purge_done_up_to Int64,
			history_list_length Int64,
			stall_count Int64,
			thread_id Nullable(Int64),
			trx_id Nullable(String),
			db_user Nullable(String),
			host Nullable(String),
			query Nullable(String),
			killed Bool,
			gone Bool,
			error Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, pass_id)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(history.Columns)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, s.table, strings.Join(history.Columns, ", "), ph)

	if err := s.conn.Exec(ctx, query, e.Values()...); err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
