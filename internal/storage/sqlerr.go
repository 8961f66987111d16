package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLite primary result codes (extended codes keep them in the low byte).
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// fail wraps a database error. Only connection, timeout and lock-contention
// errors become ErrStoreUnavailable. Constraint violations and undecodable
// rows are returned as plain errors.
func (s *sqlStore) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	op = s.dialect + " " + op
	if transientSQL(err) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transientSQL(err error) bool {
	for _, target := range []error{
		context.DeadlineExceeded,
		driver.ErrBadConn,
		sql.ErrConnDone,
		io.EOF,
		io.ErrUnexpectedEOF,
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EPIPE,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Connection exceptions, transaction rollbacks (serialization,
		// deadlock), insufficient resources, operator intervention and
		// lock_not_available.
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "40"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"),
			pgErr.Code == "55P03":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}
