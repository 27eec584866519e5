// Package record defines the canonical records captured by the local analytics
// facades and the logical tables they are stored in.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Table identifies one logical table of the local store.
type Table string

const (
	TableAnalyticsEvents   Table = "analytics_events"
	TableErrorReports      Table = "error_reports"
	TableSessionRecordings Table = "session_recordings"
	TablePageAnalytics     Table = "page_analytics"
)

// Original destinations: the external host each table's data was historically sent to.
const (
	DestinationPostHog   = "app.posthog.com"
	DestinationSentry    = "sentry.io"
	DestinationClarity   = "clarity.microsoft.com"
	DestinationPlausible = "plausible.io"
)

// Tables lists every logical table in a stable order.
var Tables = []Table{
	TableAnalyticsEvents,
	TableErrorReports,
	TableSessionRecordings,
	TablePageAnalytics,
}

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	for _, t := range Tables {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("record.ParseTable: unknown table %q", s)
}

// Destination returns the original destination for records of the table.
func (t Table) Destination() string {
	switch t {
	case TableAnalyticsEvents:
		return DestinationPostHog
	case TableErrorReports:
		return DestinationSentry
	case TableSessionRecordings:
		return DestinationClarity
	case TablePageAnalytics:
		return DestinationPlausible
	}
	return ""
}

// Record is implemented by every canonical record type.
type Record interface {
	RecordID() string
	RecordTime() time.Time
	Table() Table
}

// NewID returns a new globally unique record identifier.
func NewID() string {
	return uuid.NewString()
}

// Now returns the capture timestamp. Variable for testing.
var Now = func() time.Time { return time.Now().UTC() }

// AnalyticsEvent is a behavioral analytics event (PostHog shaped).
type AnalyticsEvent struct {
	ID                  string         `json:"id"`
	Timestamp           time.Time      `json:"timestamp"`
	EventName           string         `json:"event_name"`
	Properties          map[string]any `json:"properties"`
	UserID              string         `json:"user_id,omitempty"`
	SessionID           string         `json:"session_id"`
	WorkspaceID         string         `json:"workspace_id,omitempty"`
	ProjectID           string         `json:"project_id,omitempty"`
	OriginalDestination string         `json:"original_destination"`
}

func (e AnalyticsEvent) RecordID() string      { return e.ID }
func (e AnalyticsEvent) RecordTime() time.Time { return e.Timestamp }
func (e AnalyticsEvent) Table() Table          { return TableAnalyticsEvents }

// ErrorReport is a captured error or message (Sentry shaped).
type ErrorReport struct {
	ID                  string            `json:"id"`
	Timestamp           time.Time         `json:"timestamp"`
	ErrorMessage        string            `json:"error_message"`
	ErrorStack          string            `json:"error_stack,omitempty"`
	UserAgent           string            `json:"user_agent"`
	URL                 string            `json:"url"`
	UserID              string            `json:"user_id,omitempty"`
	SessionID           string            `json:"session_id,omitempty"`
	WorkspaceID         string            `json:"workspace_id,omitempty"`
	ProjectID           string            `json:"project_id,omitempty"`
	Breadcrumbs         []any             `json:"breadcrumbs"`
	Tags                map[string]string `json:"tags"`
	Level               string            `json:"level,omitempty"`
	Environment         string            `json:"environment,omitempty"`
	Context             map[string]any    `json:"context,omitempty"`
	OriginalDestination string            `json:"original_destination"`
}

func (e ErrorReport) RecordID() string      { return e.ID }
func (e ErrorReport) RecordTime() time.Time { return e.Timestamp }
func (e ErrorReport) Table() Table          { return TableErrorReports }

// SessionRecording summarizes one recorded session (Clarity shaped).
type SessionRecording struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id,omitempty"`
	Duration            int64     `json:"duration"`
	PageViews           int       `json:"page_views"`
	Clicks              int       `json:"clicks"`
	RecordingsData      any       `json:"recordings_data"`
	OriginalDestination string    `json:"original_destination"`
}

func (s SessionRecording) RecordID() string      { return s.ID }
func (s SessionRecording) RecordTime() time.Time { return s.Timestamp }
func (s SessionRecording) Table() Table          { return TableSessionRecordings }

// PageAnalytics is a single page view (Plausible shaped).
type PageAnalytics struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	PageURL             string    `json:"page_url"`
	Referrer            string    `json:"referrer"`
	UserAgent           string    `json:"user_agent"`
	SessionID           string    `json:"session_id"`
	Duration            int64     `json:"duration"`
	OriginalDestination string    `json:"original_destination"`
}

func (p PageAnalytics) RecordID() string      { return p.ID }
func (p PageAnalytics) RecordTime() time.Time { return p.Timestamp }
func (p PageAnalytics) Table() Table          { return TablePageAnalytics }
