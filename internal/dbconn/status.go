package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const showInnoDBStatus = "SHOW ENGINE INNODB STATUS"

// StatusSource fetches the raw InnoDB monitor report.
type StatusSource struct {
	conn    Acquirer
	timeout time.Duration
}

func NewStatusSource(conn Acquirer, timeout time.Duration) *StatusSource {
	return &StatusSource{conn: conn, timeout: timeout}
}

// Fetch runs SHOW ENGINE INNODB STATUS on its own connection and returns the
// Status column. The connection is released before Fetch returns.
func (s *StatusSource) Fetch(ctx context.Context) (string, error) {
	ctx, cancel := WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.conn.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	var typ, name, status sql.NullString
	err = conn.QueryRowContext(ctx, showInnoDBStatus).Scan(&typ, &name, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrStatusUnavailable
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrStatusUnavailable, err)
	}
	if !status.Valid || strings.TrimSpace(status.String) == "" {
		return "", ErrStatusUnavailable
	}
	return status.String, nil
}
