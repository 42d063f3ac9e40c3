package crashstore

import (
	"context"
	"strconv"

	"google.golang.org/api/iterator"
)

// bucketLengths are the prefix lengths of a timestamp naming its minute,
// hour, day, month and year metrics rows.
var bucketLengths = []int{16, 13, 10, 7, 4}

func itoa(v int) string { return strconv.Itoa(v) }

// TimeBuckets returns the metrics row keys a timestamp counts towards.
func TimeBuckets(timestamp string) []string {
	out := make([]string, 0, len(bucketLengths))
	for _, n := range bucketLengths {
		if len(timestamp) >= n {
			out = append(out, timestamp[:n])
		}
	}
	return out
}

func counterDeltas(counters []string) map[string]int64 {
	deltas := make(map[string]int64, len(counters))
	for _, name := range counters {
		deltas[counterFamily+":"+name]++
	}
	return deltas
}

// incrementBuckets bumps each counter once in every time bucket of
// timestamp, one atomic increment per bucket row.
func (c *Client) incrementBuckets(ctx context.Context, timestamp string, counters ...string) error {
	if len(timestamp) < minTimestampLen {
		return malformed("metrics timestamp %q", timestamp)
	}
	deltas := counterDeltas(counters)
	var first error
	for _, bucket := range TimeBuckets(timestamp) {
		if err := c.increment(ctx, "increment metrics", TableMetrics, bucket, deltas); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Client) incrementQueues(ctx context.Context, counters ...string) error {
	return c.increment(ctx, "increment queues", TableMetrics, metricsQueueRowID, counterDeltas(counters))
}

// Counters returns every counter of a metrics row.
func (c *Client) Counters(ctx context.Context, bucket string) (map[string]int64, error) {
	row, err := c.readRow(ctx, "read counters", TableMetrics, bucket, []string{counterFamily + ":"})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	if row == nil {
		return out, nil
	}
	for col, v := range row.Columns {
		_, name := SplitColumn(col)
		out[name] = DecodeCounter(v)
	}
	return out, nil
}

// QueueStats is the depth and oldest entry of each processing queue.
type QueueStats struct {
	Unprocessed         int64
	UnprocessedLegacy   int64
	UnprocessedPriority int64
	ProcessedLegacy     int64
	ProcessedPriority   int64

	OldestUnprocessed       string
	OldestUnprocessedLegacy string
	OldestProcessedLegacy   string
	OldestProcessedPriority string
}

// QueueStatistics derives queue depths from the insert and delete counters
// and finds the oldest entry of each queue with a one-row merge scan.
func (c *Client) QueueStatistics(ctx context.Context) (*QueueStats, error) {
	counters, err := c.Counters(ctx, metricsQueueRowID)
	if err != nil {
		return nil, err
	}
	depth := func(queue string) int64 {
		return counters["inserts_"+queue] - counters["deletes_"+queue]
	}
	stats := &QueueStats{
		Unprocessed:         depth("unprocessed"),
		UnprocessedLegacy:   depth("unprocessed_legacy"),
		UnprocessedPriority: depth("unprocessed_priority"),
		ProcessedLegacy:     depth("processed_legacy"),
		ProcessedPriority:   depth("processed_priority"),
	}
	for table, dst := range map[string]*string{
		IndexUnprocessedFlag:       &stats.OldestUnprocessed,
		IndexLegacyUnprocessedFlag: &stats.OldestUnprocessedLegacy,
		IndexLegacyProcessed:       &stats.OldestProcessedLegacy,
		IndexPriorityProcessed:     &stats.OldestProcessedPriority,
	} {
		if *dst, err = c.oldestEntry(ctx, table); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// oldestEntry returns the submission timestamp, to the second, of the first
// row of an index table in merge order.
func (c *Client) oldestEntry(ctx context.Context, table string) (string, error) {
	cursor, err := c.MergeScan(ctx, table, "", []string{colID})
	if err != nil {
		return "", err
	}
	defer cursor.Close()
	row, err := cursor.Next(ctx)
	if err == iterator.Done {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	key := Unsalted(row.Key)
	if len(key) > 19 {
		key = key[:19]
	}
	return key, nil
}
