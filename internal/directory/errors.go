package directory

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("directory: not found")
	// ErrCompanyInactive is returned when a company exists but cannot be used.
	ErrCompanyInactive = errors.New("directory: company inactive")
	// ErrNoMembership is returned when the user holds no usable membership.
	ErrNoMembership = errors.New("directory: no active membership")
)

// TransportError wraps a failure to reach or query the directory backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("directory: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed.
func (e *TransportError) Retryable() bool {
	if e == nil || e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01", pgErr.Code == "53300":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(e.Err) || pgconn.Timeout(e.Err) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCompanyInactive), errors.Is(err, ErrNoMembership):
		return err
	}
	return &TransportError{Op: op, Err: err}
}
