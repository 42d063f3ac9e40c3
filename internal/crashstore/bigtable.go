package crashstore

import (
	"context"
	"regexp"
	"sync"
	"time"

	"cloud.google.com/go/bigtable"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// BigtableOptions configures a BigtableTransport.
type BigtableOptions struct {
	Project  string
	Instance string
	// Emulator, when set, is the host:port of a Bigtable emulator. A fresh
	// insecure gRPC connection is dialled on every Connect.
	Emulator string
	// Timeout bounds each RPC. Zero leaves the caller's deadline in charge.
	Timeout time.Duration
	// PageSize is how many rows a scanner fetches per ReadRows call.
	PageSize int
	// ClientOptions are passed through to the Bigtable client.
	ClientOptions []option.ClientOption
}

const defaultPageSize = 256

// BigtableTransport is the production Transport backed by Cloud Bigtable.
type BigtableTransport struct {
	opts BigtableOptions

	mu     sync.RWMutex
	client *bigtable.Client
	conn   *grpc.ClientConn
}

// NewBigtableTransport constructs a disconnected transport.
func NewBigtableTransport(opts BigtableOptions) *BigtableTransport {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &BigtableTransport{opts: opts}
}

func (t *BigtableTransport) clientOptions() ([]option.ClientOption, *grpc.ClientConn, error) {
	opts := append([]option.ClientOption(nil), t.opts.ClientOptions...)
	if t.opts.Emulator == "" {
		return opts, nil, nil
	}
	conn, err := grpc.NewClient(t.opts.Emulator, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrConnectivity, "dial emulator %s: %v", t.opts.Emulator, err)
	}
	return append(opts, option.WithGRPCConn(conn)), conn, nil
}

func (t *BigtableTransport) Connect(ctx context.Context) error {
	opts, conn, err := t.clientOptions()
	if err != nil {
		return err
	}
	client, err := bigtable.NewClient(ctx, t.opts.Project, t.opts.Instance, opts...)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return errors.Wrapf(ErrConnectivity, "bigtable client: %v", err)
	}
	// Probe the connection with a cheap point read. A missing table still
	// proves the server is reachable.
	pctx, cancel := t.rpcContext(ctx)
	defer cancel()
	if _, err := client.Open(TableMetrics).ReadRow(pctx, metricsQueueRowID, bigtable.RowFilter(bigtable.StripValueFilter())); err != nil && IsConnectivity(err) {
		client.Close()
		if conn != nil {
			conn.Close()
		}
		return errors.Wrap(err, "probe")
	}

	t.mu.Lock()
	t.client, t.conn = client, conn
	t.mu.Unlock()
	return nil
}

func (t *BigtableTransport) Close() error {
	t.mu.Lock()
	client, conn := t.client, t.conn
	t.client, t.conn = nil, nil
	t.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}
	if conn != nil {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (t *BigtableTransport) table(name string) (*bigtable.Table, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, errors.Wrapf(ErrConnectivity, "table %s: not connected", name)
	}
	return t.client.Open(name), nil
}

func (t *BigtableTransport) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.opts.Timeout)
}

func (t *BigtableTransport) ReadRow(ctx context.Context, table, key string, columns []string) (*Row, error) {
	tbl, err := t.table(table)
	if err != nil {
		return nil, err
	}
	ctx, cancel := t.rpcContext(ctx)
	defer cancel()
	r, err := tbl.ReadRow(ctx, key, bigtable.RowFilter(columnFilter(columns)))
	if err != nil {
		return nil, wrapRPC(err, "read %s/%s", table, key)
	}
	if len(r) == 0 {
		return nil, nil
	}
	return fromBigtableRow(r), nil
}

func (t *BigtableTransport) MutateRow(ctx context.Context, table, key string, values map[string][]byte) error {
	tbl, err := t.table(table)
	if err != nil {
		return err
	}
	m := bigtable.NewMutation()
	for col, v := range values {
		family, qualifier := SplitColumn(col)
		m.Set(family, qualifier, bigtable.ServerTime, v)
	}
	ctx, cancel := t.rpcContext(ctx)
	defer cancel()
	return wrapRPC(tbl.Apply(ctx, key, m), "mutate %s/%s", table, key)
}

func (t *BigtableTransport) DeleteRow(ctx context.Context, table, key string) error {
	tbl, err := t.table(table)
	if err != nil {
		return err
	}
	m := bigtable.NewMutation()
	m.DeleteRow()
	ctx, cancel := t.rpcContext(ctx)
	defer cancel()
	return wrapRPC(tbl.Apply(ctx, key, m), "delete %s/%s", table, key)
}

func (t *BigtableTransport) Increment(ctx context.Context, table, key string, deltas map[string]int64) error {
	tbl, err := t.table(table)
	if err != nil {
		return err
	}
	rmw := bigtable.NewReadModifyWrite()
	for col, d := range deltas {
		family, qualifier := SplitColumn(col)
		rmw.Increment(family, qualifier, d)
	}
	ctx, cancel := t.rpcContext(ctx)
	defer cancel()
	_, err = tbl.ApplyReadModifyWrite(ctx, key, rmw)
	return wrapRPC(err, "increment %s/%s", table, key)
}

func (t *BigtableTransport) OpenScanner(ctx context.Context, req ScanRequest) (Scanner, error) {
	tbl, err := t.table(req.Table)
	if err != nil {
		return nil, err
	}
	return &bigtableScanner{
		t:      t,
		tbl:    tbl,
		req:    req,
		filter: columnFilter(req.Columns),
		after:  req.StartAfter,
	}, nil
}

// EnsureTables creates any missing table or column family listed in Families.
func (t *BigtableTransport) EnsureTables(ctx context.Context) error {
	opts, conn, err := t.clientOptions()
	if err != nil {
		return err
	}
	if conn != nil {
		defer conn.Close()
	}
	admin, err := bigtable.NewAdminClient(ctx, t.opts.Project, t.opts.Instance, opts...)
	if err != nil {
		return errors.Wrap(err, "admin client")
	}
	defer admin.Close()

	existing, err := admin.Tables(ctx)
	if err != nil {
		return errors.Wrap(err, "list tables")
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	for name, families := range Families {
		if !have[name] {
			if err := admin.CreateTable(ctx, name); err != nil {
				return errors.Wrapf(err, "create table %s", name)
			}
			log.Infof("created table %s", name)
		}
		info, err := admin.TableInfo(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "table info %s", name)
		}
		present := make(map[string]bool, len(info.Families))
		for _, f := range info.Families {
			present[f] = true
		}
		for _, f := range families {
			if present[f] {
				continue
			}
			if err := admin.CreateColumnFamily(ctx, name, f); err != nil {
				return errors.Wrapf(err, "create family %s:%s", name, f)
			}
		}
	}
	return nil
}

// bigtableScanner pages through a row range with LimitRows, resuming after
// the last key it has seen.
type bigtableScanner struct {
	t      *BigtableTransport
	tbl    *bigtable.Table
	req    ScanRequest
	filter bigtable.Filter
	after  string
	buf    []*Row
	done   bool
}

func (s *bigtableScanner) Next(ctx context.Context) (*Row, error) {
	for len(s.buf) == 0 {
		if s.done {
			return nil, iterator.Done
		}
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}
	r := s.buf[0]
	s.buf = s.buf[1:]
	return r, nil
}

func (s *bigtableScanner) fill(ctx context.Context) error {
	ctx, cancel := s.t.rpcContext(ctx)
	defer cancel()

	n := 0
	err := s.tbl.ReadRows(ctx, scanRange(s.req.Prefix, s.after), func(r bigtable.Row) bool {
		n++
		s.after = r.Key()
		s.buf = append(s.buf, fromBigtableRow(r))
		return true
	}, bigtable.RowFilter(s.filter), bigtable.LimitRows(int64(s.t.opts.PageSize)))
	if err != nil {
		return wrapRPC(err, "scan %s/%s", s.req.Table, s.req.Prefix)
	}
	if n < s.t.opts.PageSize {
		s.done = true
	}
	return nil
}

func (s *bigtableScanner) Close() error {
	s.done = true
	s.buf = nil
	return nil
}

// scanRange covers keys with prefix, strictly after the resume key if any.
func scanRange(prefix, after string) bigtable.RowSet {
	if after == "" {
		if prefix == "" {
			return bigtable.InfiniteRange("")
		}
		return bigtable.PrefixRange(prefix)
	}
	start := after + "\x00"
	end := prefixSuccessor(prefix)
	if end == "" {
		return bigtable.InfiniteRange(start)
	}
	return bigtable.NewRange(start, end)
}

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix, or "" when there is none.
func prefixSuccessor(prefix string) string {
	b := []byte(prefix)
	for len(b) > 0 {
		if b[len(b)-1] != 0xff {
			b[len(b)-1]++
			return string(b)
		}
		b = b[:len(b)-1]
	}
	return ""
}

func columnFilter(columns []string) bigtable.Filter {
	var filters []bigtable.Filter
	for _, col := range columns {
		family, qualifier := SplitColumn(col)
		f := bigtable.FamilyFilter("^" + regexp.QuoteMeta(family) + "$")
		if qualifier != "" {
			f = bigtable.ChainFilters(f, bigtable.ColumnFilter("^"+regexp.QuoteMeta(qualifier)+"$"))
		}
		filters = append(filters, f)
	}
	latest := bigtable.LatestNFilter(1)
	switch len(filters) {
	case 0:
		return latest
	case 1:
		return bigtable.ChainFilters(filters[0], latest)
	}
	return bigtable.ChainFilters(bigtable.InterleaveFilters(filters...), latest)
}

func fromBigtableRow(r bigtable.Row) *Row {
	out := &Row{Key: r.Key(), Columns: make(map[string][]byte)}
	for _, items := range r {
		for _, item := range items {
			if _, seen := out.Columns[item.Column]; seen {
				continue
			}
			out.Columns[item.Column] = item.Value
		}
	}
	return out
}

// wrapRPC tags errors gRPC reports as transient with ErrConnectivity so the
// retry policy sees them without parsing status codes again.
func wrapRPC(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
			return errors.Wrapf(ErrConnectivity, "%s: %v", errors.Errorf(format, args...).Error(), err)
		}
	}
	if IsConnectivity(err) {
		return errors.Wrapf(ErrConnectivity, "%s: %v", errors.Errorf(format, args...).Error(), err)
	}
	return errors.Wrapf(err, format, args...)
}
