package record

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTable(t *testing.T) {
	for _, tbl := range Tables {
		got, err := ParseTable(string(tbl))
		if err != nil {
			t.Fatalf("ParseTable(%q): %v", tbl, err)
		}
		if got != tbl {
			t.Errorf("ParseTable(%q) = %q", tbl, got)
		}
	}
	if _, err := ParseTable("user_events"); err == nil {
		t.Error("expected error for unknown table")
	}
}

func TestTableDestination(t *testing.T) {
	tests := map[Table]string{
		TableAnalyticsEvents:   "app.posthog.com",
		TableErrorReports:      "sentry.io",
		TableSessionRecordings: "clarity.microsoft.com",
		TablePageAnalytics:     "plausible.io",
	}
	for tbl, want := range tests {
		if got := tbl.Destination(); got != want {
			t.Errorf("%s.Destination() = %q, want %q", tbl, got, want)
		}
	}
}

func TestDecodeAnalyticsEvent(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := AnalyticsEvent{
		ID:                  "e1",
		Timestamp:           ts,
		EventName:           "issue_created",
		Properties:          map[string]any{"workspace_id": "W1"},
		SessionID:           "s1",
		WorkspaceID:         "W1",
		OriginalDestination: DestinationPostHog,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := Decode(TableAnalyticsEvents, raw)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := rec.(AnalyticsEvent)
	if !ok {
		t.Fatalf("Decode returned %T", rec)
	}
	if ev.EventName != "issue_created" || ev.WorkspaceID != "W1" || !ev.Timestamp.Equal(ts) {
		t.Errorf("unexpected decoded event: %+v", ev)
	}
	if ev.Table() != TableAnalyticsEvents {
		t.Errorf("Table() = %q", ev.Table())
	}
}

func TestDecodeTimestampIsISO8601(t *testing.T) {
	raw, err := json.Marshal(PageAnalytics{ID: "p1", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["timestamp"] != "2024-01-02T03:04:05Z" {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
}

func TestDecodeUnknownTable(t *testing.T) {
	if _, err := Decode("nope", []byte(`{}`)); err == nil {
		t.Error("expected error")
	}
}

func TestStringProp(t *testing.T) {
	props := map[string]any{"workspace_id": "W1", "count": 3}
	if got := StringProp(props, "workspace_id"); got != "W1" {
		t.Errorf("got %q", got)
	}
	if got := StringProp(props, "count"); got != "" {
		t.Errorf("non-string prop should be empty, got %q", got)
	}
	if got := StringProp(nil, "x"); got != "" {
		t.Errorf("nil map should be empty, got %q", got)
	}
}
