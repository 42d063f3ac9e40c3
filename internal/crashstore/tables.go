package crashstore

import "strings"

// Table names shared with the existing column-family schema.
const (
	TableCrashReports = "crash_reports"
	TableMetrics      = "metrics"

	IndexSubmittedTime         = "crash_reports_index_submitted_time"
	IndexUnprocessedFlag       = "crash_reports_index_unprocessed_flag"
	IndexLegacySubmittedTime   = "crash_reports_index_legacy_submitted_time"
	IndexLegacyUnprocessedFlag = "crash_reports_index_legacy_unprocessed_flag"
	IndexLegacyProcessed       = "crash_reports_index_legacy_processed"
	IndexPriorityProcessed     = "crash_reports_index_priority_processed"
	IndexHangIDSubmittedTime   = "crash_reports_index_hang_id_submitted_time"
	IndexHangID                = "crash_reports_index_hang_id"
	IndexSignatureID           = "crash_reports_index_signature_ooid"
)

// Columns are addressed as "family:qualifier".
const (
	colProcessedFlag  = "flags:processed"
	colLegacyFlag     = "flags:legacy_processing"
	colPriorityFlag   = "flags:priority_processing"
	colMetaJSON       = "meta_data:json"
	colDump           = "raw_data:dump"
	colProcessedJSON  = "processed_data:json"
	colSignature      = "processed_data:signature"
	colSubmitted      = "timestamps:submitted"
	colProcessedAt    = "timestamps:processed"
	colID             = "ids:ooid"
	colHang           = "ids:hang"
	colProcessorName  = "processor_state:name"
	colProcessorPost  = "processor_state:post_timestamp"
	familyProcessor   = "processor_state:"
	counterFamily     = "counters"
	metricsQueueRowID = "crash_report_queues"
)

// ColumnDump holds a report's raw dump.
const ColumnDump = colDump

// Families lists the column families each table needs.
var Families = map[string][]string{
	TableCrashReports:          {"flags", "meta_data", "raw_data", "processed_data", "timestamps", "ids"},
	TableMetrics:               {counterFamily},
	IndexSubmittedTime:         {"ids"},
	IndexUnprocessedFlag:       {"ids", "processor_state"},
	IndexLegacySubmittedTime:   {"ids"},
	IndexLegacyUnprocessedFlag: {"ids", "processor_state"},
	IndexLegacyProcessed:       {"ids"},
	IndexPriorityProcessed:     {"ids"},
	IndexHangIDSubmittedTime:   {"ids"},
	IndexHangID:                {"ids"},
	IndexSignatureID:           {"ids"},
}

// SplitColumn separates "family:qualifier". A bare "family:" selects the
// whole family and yields an empty qualifier.
func SplitColumn(column string) (family, qualifier string) {
	i := strings.IndexByte(column, ':')
	if i < 0 {
		return column, ""
	}
	return column[:i], column[i+1:]
}

// columnSelected reports whether column passes a selection list. An empty
// list selects everything.
func columnSelected(selection []string, column string) bool {
	if len(selection) == 0 {
		return true
	}
	for _, sel := range selection {
		if strings.HasSuffix(sel, ":") {
			if strings.HasPrefix(column, sel) {
				return true
			}
			continue
		}
		if sel == column {
			return true
		}
	}
	return false
}
