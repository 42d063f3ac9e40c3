package crashstore

import (
	"context"
	"encoding/json"

	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/dustin/go-humanize"
)

// minTimestampLen is the length of "yyyy-mm-ddTHH:MM", the finest metrics
// bucket a submission timestamp must name.
const minTimestampLen = 16

// ProcessTypeHang is the process type hang pairs are submitted with.
const ProcessTypeHang = "hang"

func legacyValue(meta model.Metadata) (int, bool) {
	return meta.Int(model.KeyLegacyProcessing)
}

// isLegacy reports whether a report takes the legacy processing path: the
// throttler accepted it outright.
func isLegacy(meta model.Metadata) bool {
	v, ok := legacyValue(meta)
	return ok && v == 0
}

// PutReport stores a new crash report and returns its index row key. The
// report row is written first and is authoritative; index rows and counters
// follow as independent writes whose failure is logged and tolerated.
//
// When meta has no submitted_timestamp the client clock stamps the
// timestamps:submitted column; the metadata document is stored unchanged.
func (c *Client) PutReport(ctx context.Context, id string, meta model.Metadata, dump []byte) (string, error) {
	rowKey, err := RowKey(id)
	if err != nil {
		return "", err
	}
	submitted, ok := meta.String(model.KeySubmittedTimestamp)
	if !ok {
		submitted = model.FormatTimestamp(c.now())
	}
	if len(submitted) < minTimestampLen {
		return "", malformed("crash %s: submitted timestamp %q", id, submitted)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", malformed("crash %s: encode metadata: %v", id, err)
	}

	legacy := isLegacy(meta)
	values := map[string][]byte{
		colProcessedFlag: []byte("N"),
		colMetaJSON:      metaJSON,
		colSubmitted:     []byte(submitted),
		colID:            []byte(id),
		colDump:          dump,
	}
	if legacy {
		values[colLegacyFlag] = []byte("Y")
	}
	hangID, hasHang := meta.String(model.KeyHangID)
	if hasHang && hangID != "" {
		values[colHang] = []byte(hangID)
	}
	if err := c.mutateRow(ctx, "put report", TableCrashReports, rowKey, values); err != nil {
		return "", err
	}
	log.Debugf("stored crash %s (%s dump)", id, humanize.Bytes(uint64(len(dump))))

	indexKey := IndexRowKey(id, submitted)
	indices := []string{IndexSubmittedTime, IndexUnprocessedFlag}
	if legacy {
		indices = append(indices, IndexLegacySubmittedTime, IndexLegacyUnprocessedFlag)
	}
	for _, table := range indices {
		c.bestEffort(id, "index "+table, c.mutateRow(ctx, "put index", table, indexKey, map[string][]byte{colID: []byte(id)}))
	}

	processType, _ := meta.String(model.KeyProcessType)
	if hasHang && hangID != "" {
		c.putHangIndices(ctx, id, hangID, processType, submitted)
	}

	counters := []string{"submitted_crash_reports"}
	if v, ok := legacyValue(meta); ok {
		counters = append(counters, "submitted_crash_reports_legacy_throttle_"+itoa(v))
	}
	switch {
	case hasHang && processType == ProcessTypeHang:
		counters = append(counters, "submitted_crash_report_hang_pairs")
	case processType != "" && processType != "default":
		counters = append(counters, "submitted_oop_"+processType+"_crash_reports")
	}
	c.bestEffort(id, "submit metrics", c.incrementBuckets(ctx, submitted, counters...))

	queues := []string{"inserts_unprocessed"}
	if legacy {
		queues = append(queues, "inserts_unprocessed_legacy")
	}
	c.bestEffort(id, "queue metrics", c.incrementQueues(ctx, queues...))
	return indexKey, nil
}

func (c *Client) putHangIndices(ctx context.Context, id, hangID, processType, submitted string) {
	if processType == "" {
		processType = "default"
	}
	c.bestEffort(id, "hang index", c.mutateRow(ctx, "put hang index", IndexHangIDSubmittedTime,
		IndexRowKey(hangID, submitted), map[string][]byte{colID: []byte(id), colHang: []byte(hangID)}))
	c.bestEffort(id, "hang pair", c.mutateRow(ctx, "put hang pair", IndexHangID,
		hangID, map[string][]byte{colID + ":" + processType: []byte(id)}))
}

// bestEffort logs a secondary write failure without failing the operation.
func (c *Client) bestEffort(id, what string, err error) {
	if err != nil {
		log.Warningf("crash %s: %s not written: %v", id, what, err)
	}
}

// GetReport returns the metadata and dump of a report, plus its processed
// result when one has been attached.
func (c *Client) GetReport(ctx context.Context, id string) (*model.CrashReport, error) {
	row, err := c.reportRow(ctx, "get report", id, colMetaJSON, colDump, colProcessedJSON)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMeta(id, row)
	if err != nil {
		return nil, err
	}
	report := &model.CrashReport{ID: id, Metadata: meta, Dump: row.Value(colDump)}
	if row.Has(colProcessedJSON) {
		var processed model.ProcessedResult
		if err := json.Unmarshal(row.Value(colProcessedJSON), &processed); err != nil {
			return nil, malformed("crash %s: decode processed result: %v", id, err)
		}
		report.Processed = processed
	}
	return report, nil
}

// GetMeta returns only the metadata document of a report.
func (c *Client) GetMeta(ctx context.Context, id string) (model.Metadata, error) {
	row, err := c.reportRow(ctx, "get meta", id, colMetaJSON)
	if err != nil {
		return nil, err
	}
	return decodeMeta(id, row)
}

// GetDump returns the raw dump of a report.
func (c *Client) GetDump(ctx context.Context, id string) ([]byte, error) {
	row, err := c.reportRow(ctx, "get dump", id, colDump)
	if err != nil {
		return nil, err
	}
	if _, ok := row.Columns[colDump]; !ok {
		return nil, malformed("crash %s: no dump", id)
	}
	return row.Value(colDump), nil
}

// GetProcessedResult returns the processor's document. A report that has not
// been processed yet is NotFound.
func (c *Client) GetProcessedResult(ctx context.Context, id string) (model.ProcessedResult, error) {
	row, err := c.reportRow(ctx, "get processed", id, colProcessedJSON)
	if err != nil {
		return nil, err
	}
	if !row.Has(colProcessedJSON) {
		return nil, notFound(id)
	}
	var processed model.ProcessedResult
	if err := json.Unmarshal(row.Value(colProcessedJSON), &processed); err != nil {
		return nil, malformed("crash %s: decode processed result: %v", id, err)
	}
	return processed, nil
}

// GetProcessingState reads the flag and timestamp columns of a report.
func (c *Client) GetProcessingState(ctx context.Context, id string) (*model.ProcessingState, error) {
	row, err := c.reportRow(ctx, "get processing state", id, "flags:", "timestamps:")
	if err != nil {
		return nil, err
	}
	return &model.ProcessingState{
		Processed:          string(row.Value(colProcessedFlag)) == "Y",
		LegacyProcessing:   string(row.Value(colLegacyFlag)) == "Y",
		PriorityProcessing: string(row.Value(colPriorityFlag)) == "Y",
		Submitted:          string(row.Value(colSubmitted)),
		ProcessedAt:        string(row.Value(colProcessedAt)),
	}, nil
}

// PutPriorityFlag asks for a report to be processed ahead of the legacy
// queue. The report must exist.
func (c *Client) PutPriorityFlag(ctx context.Context, id string) error {
	if _, err := c.reportRow(ctx, "check priority", id, colProcessedFlag); err != nil {
		return err
	}
	rowKey, _ := RowKey(id)
	if err := c.mutateRow(ctx, "put priority flag", TableCrashReports, rowKey, map[string][]byte{colPriorityFlag: []byte("Y")}); err != nil {
		return err
	}
	c.bestEffort(id, "queue metrics", c.incrementQueues(ctx, "inserts_unprocessed_priority"))
	return nil
}

func (c *Client) reportRow(ctx context.Context, name, id string, columns ...string) (*Row, error) {
	rowKey, err := RowKey(id)
	if err != nil {
		return nil, err
	}
	row, err := c.readRow(ctx, name, TableCrashReports, rowKey, columns)
	if err != nil {
		return nil, err
	}
	if row == nil || len(row.Columns) == 0 {
		return nil, notFound(id)
	}
	return row, nil
}

func decodeMeta(id string, row *Row) (model.Metadata, error) {
	raw := row.Value(colMetaJSON)
	if len(raw) == 0 {
		return nil, malformed("crash %s: empty metadata", id)
	}
	var meta model.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, malformed("crash %s: decode metadata: %v", id, err)
	}
	return meta, nil
}
