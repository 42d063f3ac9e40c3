package crashstore

import (
	"context"
	"encoding/binary"
)

// Row is one row of a table: its key and the selected column values.
type Row struct {
	Key     string
	Columns map[string][]byte
}

// Value returns the column value or nil.
func (r *Row) Value(column string) []byte {
	if r == nil {
		return nil
	}
	return r.Columns[column]
}

// Has reports whether the column is present with a non-empty value.
func (r *Row) Has(column string) bool {
	return len(r.Value(column)) > 0
}

// ScanRequest selects rows whose key starts with Prefix. StartAfter, when set,
// resumes a scan strictly after that key.
type ScanRequest struct {
	Table      string
	Prefix     string
	StartAfter string
	Columns    []string
}

// Scanner walks rows in key order. Next returns iterator.Done once exhausted.
type Scanner interface {
	Next(ctx context.Context) (*Row, error)
	Close() error
}

// Transport is the wire-level client to the column-family store. Errors that
// a reconnect may cure must satisfy IsConnectivity. Implementations need not
// be safe for concurrent Connect/Close, which the Client serialises, but
// must allow concurrent reads and scans between them.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	// ReadRow returns nil and no error when the row does not exist.
	ReadRow(ctx context.Context, table, key string, columns []string) (*Row, error)
	MutateRow(ctx context.Context, table, key string, values map[string][]byte) error
	DeleteRow(ctx context.Context, table, key string) error
	// Increment atomically adds each delta to its counter column.
	Increment(ctx context.Context, table, key string, deltas map[string]int64) error
	OpenScanner(ctx context.Context, req ScanRequest) (Scanner, error)
}

// DecodeCounter reads the 8 byte big-endian encoding counters are stored in.
func DecodeCounter(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func encodeCounter(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
