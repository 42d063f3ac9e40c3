package crashstore

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
)

// Cursor yields rows lazily. Next returns iterator.Done once exhausted.
// Cursors are not safe for concurrent use.
type Cursor interface {
	Next(ctx context.Context) (*Row, error)
	Close() error
}

// ScanMode selects how the sixteen salted shards of a prefix are combined.
type ScanMode int

const (
	// ScanUnion drains shard 0 then shard 1 and so on. Order is only
	// meaningful within a shard.
	ScanUnion ScanMode = iota
	// ScanMerge yields rows in global unsalted key order.
	ScanMerge
)

// ScanByPrefix scans table for every salted form of prefix.
func (c *Client) ScanByPrefix(ctx context.Context, table, prefix string, columns []string, mode ScanMode) (Cursor, error) {
	if mode == ScanMerge {
		return c.MergeScan(ctx, table, prefix, columns)
	}
	return c.UnionScan(table, prefix, columns), nil
}

// UnionScan returns a cursor over every salted form of prefix, one shard
// after another. Shards are opened lazily.
func (c *Client) UnionScan(table, prefix string, columns []string) Cursor {
	return &unionCursor{c: c, table: table, prefixes: SaltedPrefixes(prefix), columns: columns}
}

// MergeScan opens all sixteen shard scanners concurrently and yields rows in
// ascending unsalted key order, pulling from whichever shard holds the
// smallest key.
func (c *Client) MergeScan(ctx context.Context, table, prefix string, columns []string) (Cursor, error) {
	prefixes := SaltedPrefixes(prefix)
	shards := make([]*shardCursor, len(prefixes))
	heads := make([]*Row, len(prefixes))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range prefixes {
		i, p := i, p
		shards[i] = c.shard(table, p, columns)
		g.Go(func() error {
			row, err := shards[i].Next(gctx)
			if err == iterator.Done {
				return nil
			}
			heads[i] = row
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range shards {
			s.Close()
		}
		return nil, err
	}

	m := &mergeCursor{shards: shards, pending: -1}
	for i, row := range heads {
		if row == nil {
			shards[i].Close()
			continue
		}
		m.heap.PushHead(&shardHead{row: row, shard: i})
	}
	return m, nil
}

// Limit stops cursor after n rows. A non-positive n means no limit.
func Limit(cursor Cursor, n int) Cursor {
	if n <= 0 {
		return cursor
	}
	return &limitCursor{Cursor: cursor, left: n}
}

// Collect drains a cursor into a slice and closes it.
func Collect(ctx context.Context, cursor Cursor) ([]*Row, error) {
	defer cursor.Close()
	var rows []*Row
	for {
		row, err := cursor.Next(ctx)
		if err == iterator.Done {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
}

func (c *Client) shard(table, prefix string, columns []string) *shardCursor {
	return &shardCursor{c: c, req: ScanRequest{Table: table, Prefix: prefix, Columns: columns}}
}

// shardCursor scans one salted prefix. When the scanner fails with a
// connectivity error it reconnects and resumes after the last yielded key,
// at most once per yielded row.
type shardCursor struct {
	c        *Client
	req      ScanRequest
	scanner  Scanner
	gen      uint64
	failures int
	done     bool
}

func (s *shardCursor) open(ctx context.Context) error {
	name := "open scanner " + s.req.Table
	return s.c.do(ctx, name, func(ctx context.Context) error {
		s.gen = s.c.currentGeneration()
		sc, err := s.c.transport.OpenScanner(ctx, s.req)
		if err != nil {
			return err
		}
		s.scanner = sc
		return nil
	})
}

func (s *shardCursor) Next(ctx context.Context) (*Row, error) {
	for {
		if s.done {
			return nil, iterator.Done
		}
		if s.scanner == nil {
			if err := s.open(ctx); err != nil {
				return nil, err
			}
		}
		row, err := s.scanner.Next(ctx)
		switch {
		case err == nil:
			s.failures = 0
			s.req.StartAfter = row.Key
			return row, nil
		case err == iterator.Done:
			s.Close()
			return nil, iterator.Done
		case !s.c.policy.retryable(err):
			return nil, classify("scan "+s.req.Table, err)
		}

		s.failures++
		if s.failures > 1 {
			return nil, exhausted("scan "+s.req.Table, s.failures, err)
		}
		log.Debugf("scan %s/%s failed after %q, reconnecting: %v", s.req.Table, s.req.Prefix, s.req.StartAfter, err)
		s.scanner.Close()
		s.scanner = nil
		if _, err := s.c.reconnect(ctx, s.gen); err != nil {
			return nil, err
		}
	}
}

func (s *shardCursor) Close() error {
	s.done = true
	if s.scanner == nil {
		return nil
	}
	err := s.scanner.Close()
	s.scanner = nil
	return err
}

type unionCursor struct {
	c        *Client
	table    string
	prefixes []string
	columns  []string
	current  *shardCursor
	idx      int
}

func (u *unionCursor) Next(ctx context.Context) (*Row, error) {
	for u.idx < len(u.prefixes) {
		if u.current == nil {
			u.current = u.c.shard(u.table, u.prefixes[u.idx], u.columns)
		}
		row, err := u.current.Next(ctx)
		if err == iterator.Done {
			u.current = nil
			u.idx++
			continue
		}
		return row, err
	}
	return nil, iterator.Done
}

func (u *unionCursor) Close() error {
	u.idx = len(u.prefixes)
	if u.current == nil {
		return nil
	}
	err := u.current.Close()
	u.current = nil
	return err
}

// mergeCursor advances only the shard that produced the previous row, and
// only when the next row is requested.
type mergeCursor struct {
	shards  []*shardCursor
	heap    headHeap
	pending int
}

func (m *mergeCursor) Next(ctx context.Context) (*Row, error) {
	if m.pending >= 0 {
		shard := m.shards[m.pending]
		row, err := shard.Next(ctx)
		switch {
		case err == iterator.Done:
			m.heap.DropTop()
		case err != nil:
			return nil, errors.Wrapf(err, "merge scan shard %d", m.pending)
		default:
			m.heap.ReplaceTop(row)
		}
		m.pending = -1
	}
	if m.heap.Len() == 0 {
		return nil, iterator.Done
	}
	top := m.heap.Top()
	m.pending = top.shard
	return top.row, nil
}

func (m *mergeCursor) Close() error {
	var first error
	for _, s := range m.shards {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.heap = nil
	m.pending = -1
	return first
}

type limitCursor struct {
	Cursor
	left int
}

func (l *limitCursor) Next(ctx context.Context) (*Row, error) {
	if l.left <= 0 {
		return nil, iterator.Done
	}
	row, err := l.Cursor.Next(ctx)
	if err == nil {
		l.left--
	}
	return row, err
}
