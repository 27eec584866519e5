package record

import (
	"encoding/json"
	"fmt"
)

// Decode unmarshals a stored JSON value into the typed record for table.
func Decode(table Table, raw []byte) (Record, error) {
	var (
		rec Record
		err error
	)
	switch table {
	case TableAnalyticsEvents:
		var v AnalyticsEvent
		err = json.Unmarshal(raw, &v)
		rec = v
	case TableErrorReports:
		var v ErrorReport
		err = json.Unmarshal(raw, &v)
		rec = v
	case TableSessionRecordings:
		var v SessionRecording
		err = json.Unmarshal(raw, &v)
		rec = v
	case TablePageAnalytics:
		var v PageAnalytics
		err = json.Unmarshal(raw, &v)
		rec = v
	default:
		return nil, fmt.Errorf("record.Decode: unknown table %q", table)
	}
	if err != nil {
		return nil, fmt.Errorf("record.Decode %s: %w", table, err)
	}
	return rec, nil
}

// StringProp returns properties[key] when it holds a non-empty string.
func StringProp(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	s, _ := props[key].(string)
	return s
}
