// Package storage presents one save/fetch capability over the crash report
// backends. The Collector routes saves between the crash store and a
// filesystem fallback.
package storage

import (
	"context"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/model"
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("storage")

// ErrNoAction is returned by reads when no backend is configured for them.
var ErrNoAction = errors.New("no storage backend configured")

// IsNotFound reports whether err means the backend has no such report.
func IsNotFound(err error) bool { return crashstore.IsNotFound(err) }

// Result is the outcome of a save.
type Result int

const (
	NoAction Result = iota
	OK
	Discarded
	Error
)

func (r Result) String() string {
	switch r {
	case NoAction:
		return "NO_ACTION"
	case OK:
		return "OK"
	case Discarded:
		return "DISCARDED"
	case Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

// CrashStorage is implemented by every backend.
type CrashStorage interface {
	SaveRaw(ctx context.Context, id string, meta model.Metadata, dump []byte) (Result, error)
	SaveProcessed(ctx context.Context, id string, result model.ProcessedResult) error
	GetMeta(ctx context.Context, id string) (model.Metadata, error)
	GetDump(ctx context.Context, id string) ([]byte, error)
	GetProcessed(ctx context.Context, id string) (model.ProcessedResult, error)
	Close() error
}

// Remover is implemented by backends that can forget a report, such as the
// filesystem fallback once its reports have been moved.
type Remover interface {
	Remove(ctx context.Context, id string) error
}
