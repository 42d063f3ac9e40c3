package crashstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// memoryBackend is the table data and fault injection shared by every
// session opened over it.
type memoryBackend struct {
	mu       sync.RWMutex
	tables   map[string]map[string]map[string][]byte
	connects int
	// failures maps an operation name to how many of its next calls fail.
	failures map[string]int
	calls    map[string]int
}

// MemoryTransport keeps tables in process memory. It backs the "memory"
// store project and the package tests, and can inject connectivity failures
// per operation to exercise the retry policy. Each MemoryTransport is one
// connection; Session opens another over the same tables.
type MemoryTransport struct {
	*memoryBackend
	connected  bool
	generation int
}

// Operation names accepted by FailNext and Calls.
const (
	OpConnect     = "Connect"
	OpReadRow     = "ReadRow"
	OpMutateRow   = "MutateRow"
	OpDeleteRow   = "DeleteRow"
	OpIncrement   = "Increment"
	OpOpenScanner = "OpenScanner"
	OpScanNext    = "ScanNext"
)

// NewMemoryTransport constructs an empty, disconnected MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{memoryBackend: &memoryBackend{
		tables:   make(map[string]map[string]map[string][]byte),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}}
}

// Session returns a new disconnected transport over the same tables. Closing
// or reconnecting one session leaves the others untouched. Injected failures
// and call counts are shared.
func (m *MemoryTransport) Session() *MemoryTransport {
	return &MemoryTransport{memoryBackend: m.memoryBackend}
}

// Connected reports whether this session is connected.
func (m *MemoryTransport) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// FailNext makes the next n calls of op fail with ErrConnectivity. A negative
// n fails every call until reset with n = 0.
func (m *MemoryTransport) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
}

// Calls returns how many times op reached table. An empty table counts all.
func (m *MemoryTransport) Calls(op, table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if table == "" {
		return m.calls[op]
	}
	return m.calls[op+" "+table]
}

// Connects returns how many Connect calls succeeded across all sessions.
func (m *MemoryTransport) Connects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connects
}

// Keys returns the sorted row keys of a table.
func (m *MemoryTransport) Keys(table string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counter returns the value of a counter column.
func (m *MemoryTransport) Counter(table, key, column string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DecodeCounter(m.tables[table][key][column])
}

// enter records a call and reports an injected or disconnected failure. The
// caller must hold the write lock.
func (m *MemoryTransport) enter(op, table string) error {
	m.calls[op]++
	if table != "" {
		m.calls[op+" "+table]++
	}
	if n := m.failures[op]; n != 0 {
		if n > 0 {
			m.failures[op] = n - 1
		}
		return errors.Wrapf(ErrConnectivity, "%s %s: injected failure", op, table)
	}
	if op != OpConnect && !m.connected {
		return errors.Wrapf(ErrConnectivity, "%s %s: not connected", op, table)
	}
	return nil
}

func (m *MemoryTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpConnect, ""); err != nil {
		return err
	}
	m.connected = true
	m.generation++
	m.connects++
	return nil
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MemoryTransport) ReadRow(ctx context.Context, table, key string, columns []string) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpReadRow, table); err != nil {
		return nil, err
	}
	cells, ok := m.tables[table][key]
	if !ok {
		return nil, nil
	}
	return copyRow(key, cells, columns), nil
}

func (m *MemoryTransport) MutateRow(ctx context.Context, table, key string, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpMutateRow, table); err != nil {
		return err
	}
	cells := m.row(table, key)
	for col, v := range values {
		// Values are copied so callers can reuse their buffers.
		cells[col] = append([]byte(nil), v...)
	}
	return nil
}

func (m *MemoryTransport) DeleteRow(ctx context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpDeleteRow, table); err != nil {
		return err
	}
	delete(m.tables[table], key)
	return nil
}

func (m *MemoryTransport) Increment(ctx context.Context, table, key string, deltas map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpIncrement, table); err != nil {
		return err
	}
	cells := m.row(table, key)
	for col, d := range deltas {
		cells[col] = encodeCounter(DecodeCounter(cells[col]) + d)
	}
	return nil
}

func (m *MemoryTransport) OpenScanner(ctx context.Context, req ScanRequest) (Scanner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpOpenScanner, req.Table); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.tables[req.Table] {
		if strings.HasPrefix(k, req.Prefix) && k > req.StartAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memoryScanner{m: m, req: req, keys: keys, generation: m.generation}, nil
}

func (m *MemoryTransport) row(table, key string) map[string][]byte {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]map[string][]byte)
		m.tables[table] = t
	}
	cells, ok := t[key]
	if !ok {
		cells = make(map[string][]byte)
		t[key] = cells
	}
	return cells
}

func copyRow(key string, cells map[string][]byte, columns []string) *Row {
	r := &Row{Key: key, Columns: make(map[string][]byte)}
	for col, v := range cells {
		if columnSelected(columns, col) {
			r.Columns[col] = append([]byte(nil), v...)
		}
	}
	return r
}

// memoryScanner snapshots matching keys at open time. A reconnect of the
// transport invalidates it, as a server-side scanner would be.
type memoryScanner struct {
	m          *MemoryTransport
	req        ScanRequest
	keys       []string
	generation int
	closed     bool
}

func (s *memoryScanner) Next(ctx context.Context) (*Row, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return nil, iterator.Done
	}
	if err := s.m.enter(OpScanNext, s.req.Table); err != nil {
		return nil, err
	}
	if s.generation != s.m.generation {
		return nil, errors.Wrap(ErrConnectivity, "scanner expired")
	}
	for len(s.keys) > 0 {
		key := s.keys[0]
		s.keys = s.keys[1:]
		cells, ok := s.m.tables[s.req.Table][key]
		if !ok {
			continue
		}
		r := copyRow(key, cells, s.req.Columns)
		if len(r.Columns) == 0 {
			continue
		}
		return r, nil
	}
	return nil, iterator.Done
}

func (s *memoryScanner) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.closed = true
	return nil
}
