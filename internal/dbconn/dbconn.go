package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrConnection reports that the server could not be reached or authenticated.
	ErrConnection = errors.New("database connection failed")
	// ErrStatusUnavailable reports that the status query returned nothing usable.
	ErrStatusUnavailable = errors.New("innodb status unavailable")
)

// DefaultQueryTimeout bounds every statement when no timeout is configured.
const DefaultQueryTimeout = 30 * time.Second

// Acquirer hands out a dedicated connection for one database interaction.
// Callers must Close the returned connection on every path.
type Acquirer interface {
	Acquire(ctx context.Context) (*sql.Conn, error)
}

// Connector acquires connections from a *sql.DB that keeps no idle
// connections, so each Acquire dials and authenticates afresh and Close
// really disconnects. Nothing is reused across polling cycles.
type Connector struct {
	db *sql.DB
}

// Open prepares a Connector for the MySQL DSN. No connection is made until Acquire.
func Open(dsn string) (*Connector, error) {
	if dsn == "" {
		return nil, errors.New("empty MySQL DSN")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	db.SetMaxIdleConns(0)
	return New(db), nil
}

// OpenConfig is Open for a parsed driver config, which may carry a *tls.Config.
func OpenConfig(mc *mysql.Config) (*Connector, error) {
	if mc == nil {
		return nil, errors.New("nil MySQL config")
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	db := sql.OpenDB(conn)
	db.SetMaxIdleConns(0)
	return New(db), nil
}

// New wraps an existing handle as is, keeping its pool settings.
func New(db *sql.DB) *Connector {
	return &Connector{db: db}
}

func (c *Connector) Acquire(ctx context.Context) (*sql.Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return conn, nil
}

func (c *Connector) Close() error { return c.db.Close() }

// WithTimeout derives a context bounded by d, or by DefaultQueryTimeout when d <= 0.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, d)
}
