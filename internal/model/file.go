// Package model contains the crash report types shared across packages.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Metadata keys the storage layer understands. Everything else in a report's
// metadata is carried through untouched.
const (
	KeyProductName        = "ProductName"
	KeyVersion            = "Version"
	KeyProcessType        = "ProcessType"
	KeyHangID             = "HangID"
	KeySubmittedTimestamp = "submitted_timestamp"
	KeyLegacyProcessing   = "legacy_processing"
	KeyThrottleable       = "Throttleable"

	KeySignature         = "signature"
	KeyCompletedDatetime = "completed_datetime"
	KeyDateProcessed     = "date_processed"
)

// TimestampLayout is fixed width so that prefixes of it name the minute, hour,
// day, month and year buckets and sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Metadata is the semi-structured document submitted alongside a dump.
type Metadata map[string]interface{}

// String returns the value under key as a string and whether it was present.
// Non-string values are formatted with fmt.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Int returns the value under key as an int. JSON numbers decode as float64
// and form values arrive as strings, so both are accepted.
func (m Metadata) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ProcessedResult is the document an external processor produces for a report.
type ProcessedResult map[string]interface{}

// CrashReport is a stored report. Processed is nil until a processor has
// attached its result.
type CrashReport struct {
	ID        string          `json:"id"`
	Metadata  Metadata        `json:"metadata"`
	Dump      []byte          `json:"-"`
	Processed ProcessedResult `json:"processed,omitempty"`
}

// ProcessingState mirrors the flag and timestamp columns of a stored report.
type ProcessingState struct {
	Processed          bool   `json:"processed"`
	LegacyProcessing   bool   `json:"legacyProcessing"`
	PriorityProcessing bool   `json:"priorityProcessing"`
	Submitted          string `json:"submitted,omitempty"`
	ProcessedAt        string `json:"processedAt,omitempty"`
}

// NewCrashID returns a random UUID whose last seven characters encode a depth
// digit and the yymmdd submission date, for example a trailing "2100523" for
// a report submitted on 2010-05-23.
func NewCrashID(submitted time.Time) string {
	return NewCrashIDWithDepth(submitted, 2)
}

// NewCrashIDWithDepth is NewCrashID with an explicit depth digit.
func NewCrashIDWithDepth(submitted time.Time, depth int) string {
	base := uuid.NewString()
	u := submitted.UTC()
	return fmt.Sprintf("%s%d%02d%02d%02d", base[:len(base)-7], depth%10, u.Year()%100, int(u.Month()), u.Day())
}

// DateFromCrashID decodes the submission day embedded by NewCrashID.
func DateFromCrashID(id string) (time.Time, error) {
	if len(id) < 6 {
		return time.Time{}, errors.Errorf("crash id %q too short", id)
	}
	day, err := time.Parse("060102", id[len(id)-6:])
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "crash id %q", id)
	}
	return day, nil
}

// StripCrashIDPrefix removes the "bp-" marker some clients echo back.
func StripCrashIDPrefix(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "bp-")
}
