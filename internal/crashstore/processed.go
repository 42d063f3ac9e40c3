package crashstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dharsanguruparan/CrashVault/internal/model"
	"google.golang.org/api/iterator"
)

// Signatures a processor emits when it could not derive one.
var oobSignatures = map[string]string{
	"":          "empty",
	"##empty##": "empty",
	"##null##":  "null",
}

// PutProcessedResult attaches a processor's document to a stored report,
// flips its processed flag, removes it from the unprocessed indices, queues
// it on the legacy or priority processed queue, and records it under its
// signature. Repeating the call for an already processed report rewrites the
// processed columns but leaves the queues and their counters alone.
func (c *Client) PutProcessedResult(ctx context.Context, id string, result model.ProcessedResult) error {
	rowKey, err := RowKey(id)
	if err != nil {
		return err
	}
	state, err := c.GetProcessingState(ctx, id)
	if err != nil {
		return err
	}
	body, err := json.Marshal(result)
	if err != nil {
		return malformed("crash %s: encode processed result: %v", id, err)
	}

	submitted := state.Submitted
	if submitted == "" {
		submitted, _ = model.Metadata(result).String(model.KeyDateProcessed)
	}
	indexKey := IndexRowKey(id, submitted)
	if !state.Processed {
		for _, table := range []string{IndexUnprocessedFlag, IndexLegacyUnprocessedFlag} {
			if err := c.deleteRow(ctx, "delete unprocessed index", table, indexKey); err != nil {
				return err
			}
		}
	}

	processedAt, ok := model.Metadata(result).String(model.KeyCompletedDatetime)
	if !ok || processedAt == "" {
		processedAt = model.FormatTimestamp(c.now())
	}
	signature, _ := model.Metadata(result).String(model.KeySignature)
	oob, isOOB := oobSignatures[signature]

	if err := c.mutateRow(ctx, "put processed", TableCrashReports, rowKey, map[string][]byte{
		colProcessedAt:   []byte(processedAt),
		colSignature:     []byte(signature),
		colProcessedJSON: body,
		colProcessedFlag: []byte("Y"),
	}); err != nil {
		return err
	}

	if !state.Processed {
		switch {
		case state.PriorityProcessing:
			c.bestEffort(id, "priority processed queue", c.mutateRow(ctx, "queue processed", IndexPriorityProcessed, indexKey, map[string][]byte{colID: []byte(id)}))
		case state.LegacyProcessing:
			c.bestEffort(id, "legacy processed queue", c.mutateRow(ctx, "queue processed", IndexLegacyProcessed, indexKey, map[string][]byte{colID: []byte(id)}))
		}
	}

	c.bestEffort(id, "signature index", c.mutateRow(ctx, "put signature index", IndexSignatureID, signature+id, map[string][]byte{colID: []byte(id)}))

	if state.Processed {
		return nil
	}
	counters := []string{"processed_crash_reports"}
	queues := []string{"deletes_unprocessed"}
	switch {
	case state.PriorityProcessing:
		counters = append(counters, "processed_crash_reports_priority")
		queues = append(queues, "deletes_unprocessed_priority", "inserts_processed_priority")
		if state.LegacyProcessing {
			queues = append(queues, "deletes_unprocessed_legacy")
		}
	case state.LegacyProcessing:
		counters = append(counters, "processed_crash_reports_legacy")
		queues = append(queues, "deletes_unprocessed_legacy", "inserts_processed_legacy")
	}
	if isOOB {
		counters = append(counters, "processed_crash_reports_oob_signature_"+oob)
	}
	if len(processedAt) >= minTimestampLen {
		c.bestEffort(id, "processed metrics", c.incrementBuckets(ctx, processedAt, counters...))
	}
	c.bestEffort(id, "queue metrics", c.incrementQueues(ctx, queues...))
	return nil
}

// IDsBySignature lists crash ids recorded under a signature.
func (c *Client) IDsBySignature(ctx context.Context, signature string, limit int) ([]string, error) {
	var ids []string
	err := c.do(ctx, "scan signature", func(ctx context.Context) error {
		ids = ids[:0]
		sc, err := c.transport.OpenScanner(ctx, ScanRequest{Table: IndexSignatureID, Prefix: signature, Columns: []string{colID}})
		if err != nil {
			return err
		}
		defer sc.Close()
		for limit <= 0 || len(ids) < limit {
			row, err := sc.Next(ctx)
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return err
			}
			id := string(row.Value(colID))
			// Guard against a signature that is a prefix of a longer one.
			if id != "" && strings.TrimPrefix(row.Key, signature) == id {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// Processed queue names for DeletingIterator.
const (
	QueueLegacyProcessed   = "legacy"
	QueuePriorityProcessed = "priority"
)

// DeletingIterator drains a processed queue in merge order. Each row is
// removed and its delete counted only when the next id is requested, after
// the consumer has finished with the previous one. An id still outstanding
// when the iterator is closed stays queued for the next drain.
type DeletingIterator struct {
	c       *Client
	table   string
	counter string
	cursor  Cursor
	pending string
}

// ProcessedQueue opens a DeletingIterator over the legacy or priority
// processed queue. A positive limit bounds the number of ids yielded.
func (c *Client) ProcessedQueue(ctx context.Context, queue string, limit int) (*DeletingIterator, error) {
	table := IndexLegacyProcessed
	if queue == QueuePriorityProcessed {
		table = IndexPriorityProcessed
	}
	// Every column, so rows that lost ids:ooid still surface and get removed.
	cursor, err := c.MergeScan(ctx, table, "", nil)
	if err != nil {
		return nil, err
	}
	return &DeletingIterator{
		c:       c,
		table:   table,
		counter: "deletes_processed_" + queue,
		cursor:  Limit(cursor, limit),
	}, nil
}

// Next deletes the previously yielded index row and returns the next id, or
// iterator.Done.
func (d *DeletingIterator) Next(ctx context.Context) (string, error) {
	if d.pending != "" {
		if err := d.c.deleteRow(ctx, "delete queue entry", d.table, d.pending); err != nil {
			return "", err
		}
		d.c.bestEffort(d.pending, "queue metrics", d.c.incrementQueues(ctx, d.counter))
		d.pending = ""
	}
	for {
		row, err := d.cursor.Next(ctx)
		if err != nil {
			return "", err
		}
		id := string(row.Value(colID))
		if id == "" {
			if err := d.c.deleteRow(ctx, "delete orphan queue entry", d.table, row.Key); err != nil {
				return "", err
			}
			log.Warningf("removed queue entry %s without a crash id", row.Key)
			continue
		}
		d.pending = row.Key
		return id, nil
	}
}

// Close releases the underlying scanners.
func (d *DeletingIterator) Close() error {
	return d.cursor.Close()
}
