package crashstore

import (
	"context"

	"google.golang.org/api/iterator"
)

// ExportProcessed union-scans one day of crash_reports, given as yymmdd, and
// calls fn with each processed document. A positive limit bounds the number
// exported. It returns how many documents fn accepted.
func (c *Client) ExportProcessed(ctx context.Context, day string, limit int, fn func(id string, processed []byte) error) (int, error) {
	if len(day) != idDateLen {
		return 0, malformed("export day %q is not yymmdd", day)
	}
	cursor := c.UnionScan(TableCrashReports, day, []string{colProcessedJSON})
	defer cursor.Close()

	n := 0
	for limit <= 0 || n < limit {
		row, err := cursor.Next(ctx)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return n, err
		}
		if !row.Has(colProcessedJSON) {
			continue
		}
		id, err := IDFromRowKey(row.Key)
		if err != nil {
			log.Warningf("export: %v", err)
			continue
		}
		if err := fn(id, row.Value(colProcessedJSON)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
