package crashstore

import (
	"context"
	"sync"
	"time"

	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// Dispatcher hands a crash id to a processor and returns the name the
// processor answered with.
type Dispatcher interface {
	Dispatch(ctx context.Context, processor, id string) (string, error)
}

// BadEntryPolicy says what to do with an index entry whose report is
// missing, already processed, or has an empty payload.
type BadEntryPolicy string

const (
	BadEntryDelete   BadEntryPolicy = "delete"
	BadEntrySkip     BadEntryPolicy = "skip"
	BadEntryResubmit BadEntryPolicy = "resubmit"
)

// ParseBadEntryPolicy validates a configured policy name.
func ParseBadEntryPolicy(s string) (BadEntryPolicy, error) {
	switch p := BadEntryPolicy(s); p {
	case BadEntryDelete, BadEntrySkip, BadEntryResubmit:
		return p, nil
	case "":
		return BadEntryDelete, nil
	}
	return "", errors.Errorf("unknown bad entry handling %q", s)
}

// DefaultResubmitThreshold is how long a dispatched entry is left alone
// before it is offered to a processor again.
const DefaultResubmitThreshold = 300 * time.Second

// SubmitOptions tune SubmitToProcessor.
type SubmitOptions struct {
	Processors []string
	// Limit bounds how many index entries are examined. Zero means no limit.
	Limit int
	// Table is the index scanned, IndexLegacyUnprocessedFlag by default.
	Table      string
	BadEntries BadEntryPolicy
	// Threshold is the resubmit heuristic: an entry dispatched more recently
	// than this is assumed claimed and skipped.
	Threshold time.Duration
	// UnprocessedOnly records processor state on the unprocessed index only,
	// leaving the legacy index untouched.
	UnprocessedOnly bool
}

// SubmitStats counts what SubmitToProcessor did.
type SubmitStats struct {
	Examined  int
	Submitted int
	Skipped   int
	Removed   int
	Failed    int
}

type roundRobin struct {
	mu    sync.Mutex
	names []string
	next  int
}

func (r *roundRobin) pick() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.names[r.next%len(r.names)]
	r.next++
	return name
}

// SubmitToProcessor walks an unprocessed index in merge order and dispatches
// each viable report to the next processor in round-robin order, recording
// the processor name and dispatch time on the index rows. The staleness
// check only avoids duplicate dispatches; it does not make processing
// exactly-once.
func (c *Client) SubmitToProcessor(ctx context.Context, d Dispatcher, opts SubmitOptions) (SubmitStats, error) {
	var stats SubmitStats
	if len(opts.Processors) == 0 {
		return stats, errors.New("no processors configured")
	}
	if opts.Table == "" {
		opts.Table = IndexLegacyUnprocessedFlag
	}
	if opts.BadEntries == "" {
		opts.BadEntries = BadEntryDelete
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultResubmitThreshold
	}
	rr := &roundRobin{names: opts.Processors}

	cursor, err := c.MergeScan(ctx, opts.Table, "", []string{colID, familyProcessor})
	if err != nil {
		return stats, err
	}
	cursor = Limit(cursor, opts.Limit)
	defer cursor.Close()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		row, err := cursor.Next(ctx)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return stats, err
		}
		stats.Examined++

		id := string(row.Value(colID))
		if id == "" {
			// Half-deleted row: only the processor state survived.
			if err := c.deleteRow(ctx, "delete orphan index", opts.Table, row.Key); err != nil {
				return stats, err
			}
			stats.Removed++
			continue
		}
		if recentlyPosted(row.Value(colProcessorPost), c.now(), opts.Threshold) {
			stats.Skipped++
			continue
		}

		reason, err := c.checkSubmittable(ctx, id)
		if err != nil {
			return stats, err
		}
		if reason != "" {
			log.Infof("crash %s: %s, %s", id, reason, opts.BadEntries)
			switch {
			case opts.BadEntries == BadEntryDelete:
				if err := c.deleteRow(ctx, "delete bad index", opts.Table, row.Key); err != nil {
					return stats, err
				}
				stats.Removed++
				continue
			case opts.BadEntries == BadEntrySkip, reason == reasonMissing:
				stats.Skipped++
				continue
			}
		}

		processor := rr.pick()
		name, err := d.Dispatch(ctx, processor, id)
		if err != nil {
			log.Warningf("crash %s: dispatch to %s failed: %v", id, processor, err)
			stats.Failed++
			continue
		}
		if name == "" {
			name = processor
		}
		if err := c.recordProcessorState(ctx, row.Key, name, opts.UnprocessedOnly); err != nil {
			return stats, err
		}
		stats.Submitted++
	}
	log.Infof("submitted %d of %d entries (%d skipped, %d removed, %d failed)",
		stats.Submitted, stats.Examined, stats.Skipped, stats.Removed, stats.Failed)
	return stats, nil
}

const (
	reasonMissing   = "row missing"
	reasonProcessed = "already processed"
	reasonEmptyMeta = "empty metadata"
	reasonEmptyDump = "empty dump"
)

// checkSubmittable returns why a report cannot be dispatched, or "".
func (c *Client) checkSubmittable(ctx context.Context, id string) (string, error) {
	row, err := c.reportRow(ctx, "check report", id, colProcessedFlag, colMetaJSON, colDump)
	switch {
	case IsNotFound(err), IsMalformed(err):
		return reasonMissing, nil
	case err != nil:
		return "", err
	case string(row.Value(colProcessedFlag)) == "Y":
		return reasonProcessed, nil
	case !row.Has(colMetaJSON):
		return reasonEmptyMeta, nil
	case !row.Has(colDump):
		return reasonEmptyDump, nil
	}
	return "", nil
}

func recentlyPosted(raw []byte, now time.Time, threshold time.Duration) bool {
	if len(raw) == 0 {
		return false
	}
	posted, err := time.Parse(model.TimestampLayout, string(raw))
	if err != nil {
		return false
	}
	return now.Sub(posted) <= threshold
}

func (c *Client) recordProcessorState(ctx context.Context, indexKey, processor string, unprocessedOnly bool) error {
	values := map[string][]byte{
		colProcessorName: []byte(processor),
		colProcessorPost: []byte(model.FormatTimestamp(c.now())),
	}
	tables := []string{IndexUnprocessedFlag}
	if !unprocessedOnly {
		tables = append(tables, IndexLegacyUnprocessedFlag)
	}
	for _, table := range tables {
		if err := c.mutateRow(ctx, "record processor state", table, indexKey, values); err != nil {
			return err
		}
	}
	return nil
}

// ResubmitToProcessor dispatches every id of an index table whose key starts
// with prefix, round robin and without bookkeeping. It returns how many ids
// were dispatched.
func (c *Client) ResubmitToProcessor(ctx context.Context, d Dispatcher, processors []string, table, prefix string, limit int) (int, error) {
	if len(processors) == 0 {
		return 0, errors.New("no processors configured")
	}
	if table == "" {
		table = IndexLegacySubmittedTime
	}
	rr := &roundRobin{names: processors}
	cursor := Limit(c.UnionScan(table, prefix, []string{colID}), limit)
	defer cursor.Close()

	n := 0
	for {
		row, err := cursor.Next(ctx)
		if err == iterator.Done {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		id := string(row.Value(colID))
		if id == "" {
			continue
		}
		processor := rr.pick()
		if _, err := d.Dispatch(ctx, processor, id); err != nil {
			log.Warningf("crash %s: resubmit to %s failed: %v", id, processor, err)
			continue
		}
		n++
	}
}
