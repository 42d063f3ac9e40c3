package crashstore

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrConnectivity marks transport failures that a reconnect may cure.
	ErrConnectivity = errors.New("store connectivity failure")
	// ErrNotFound is returned when a crash id has no row.
	ErrNotFound = errors.New("crash report not found")
	// ErrMalformed marks rows or inputs that fail a shape check.
	ErrMalformed = errors.New("malformed crash report")
	// ErrFatal marks a connection that is not viable: retries are exhausted or
	// an unclassified error escaped the transport.
	ErrFatal = errors.New("connection not viable")
	// ErrNoConnection is the Fatal raised when no connection could be opened.
	ErrNoConnection = errors.New("no connection to store")
)

// fatalError carries the underlying cause while matching ErrFatal.
type fatalError struct {
	op       string
	attempts int
	kind     error
	err      error
}

func (e *fatalError) Error() string {
	if e.attempts > 0 {
		return fmt.Sprintf("%s: %v after %d attempts: %v", e.op, e.kind, e.attempts, e.err)
	}
	return fmt.Sprintf("%s: %v: %v", e.op, e.kind, e.err)
}

func (e *fatalError) Unwrap() error { return e.err }

func (e *fatalError) Is(target error) bool {
	return target == ErrFatal || target == e.kind
}

func exhausted(op string, attempts int, err error) error {
	return &fatalError{op: op, attempts: attempts, kind: ErrFatal, err: err}
}

func noConnection(attempts int, err error) error {
	return &fatalError{op: "connect", attempts: attempts, kind: ErrNoConnection, err: err}
}

func unhandled(op string, err error) error {
	return &fatalError{op: op, kind: errors.New("unhandled internal error"), err: err}
}

func notFound(id string) error {
	return errors.Wrapf(ErrNotFound, "crash %s", id)
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

// IsNotFound reports whether err means the crash id has no row.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsMalformed reports whether err is a shape-check failure.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformed) }

// IsFatal reports whether err means the connection is not viable.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// IsConnectivity reports whether err is an I/O level failure worth a
// reconnect. It understands the test transport's sentinel, socket errors and
// gRPC status codes from the Bigtable client.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
		return false
	}
	if errors.Is(err, ErrConnectivity) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if s, ok := status.FromError(errors.Cause(err)); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
			return true
		}
	}
	return false
}

// classify passes taxonomy errors through and wraps anything else as Fatal.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMalformed), errors.Is(err, ErrFatal):
		return err
	case errors.Is(err, context.Canceled):
		return errors.Wrap(err, op)
	}
	return unhandled(op, err)
}
