// Package admin is the read-only query surface used by the analytics
// dashboard. Read failures are logged and answered with empty results.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/localanalytics/localanalytics/pkg/errlog"
	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/store"
)

// ErrUnknownTable is returned for a table name outside record.Tables.
var ErrUnknownTable = store.ErrUnknownTable

// ErrInvalidService is returned for service names that are not a plain file stem.
var ErrInvalidService = errors.New("invalid service name")

// Reader is the store surface the API needs.
type Reader interface {
	Recent(ctx context.Context, table record.Table, limit int) ([]record.Record, error)
	ByEventName(ctx context.Context, name string, limit int) ([]record.Record, error)
	ByWorkspace(ctx context.Context, table record.Table, workspaceID string, limit int) ([]record.Record, error)
	ByUser(ctx context.Context, table record.Table, userID string, limit int) ([]record.Record, error)
	BySession(ctx context.Context, sessionID string, limit int) ([]record.Record, error)
	ByPageURL(ctx context.Context, url string, limit int) ([]record.Record, error)
	Counts(ctx context.Context) (map[record.Table]int, error)
}

// Options configures the API.
type Options struct {
	// LogDir holds the per-service error logs. Empty means errlog.DefaultDir.
	LogDir string
	Logger *slog.Logger
}

// API answers dashboard queries. A nil Reader (console-only mode) answers
// every store query with an empty result.
type API struct {
	reader Reader
	logDir string
	logger *slog.Logger
}

// New creates an API over reader.
func New(reader Reader, opts Options) *API {
	if opts.LogDir == "" {
		opts.LogDir = errlog.DefaultDir
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &API{reader: reader, logDir: opts.LogDir, logger: opts.Logger}
}

// GetEvents returns up to limit records of the named table, newest first.
// limit <= 0 means 100.
func (a *API) GetEvents(ctx context.Context, table string, limit int) ([]record.Record, error) {
	t, err := record.ParseTable(table)
	if err != nil {
		return nil, fmt.Errorf("admin.GetEvents: %w: %q", ErrUnknownTable, table)
	}
	return a.recent(ctx, t, limit), nil
}

func (a *API) recent(ctx context.Context, t record.Table, limit int) []record.Record {
	if a.reader == nil {
		return []record.Record{}
	}
	recs, err := a.reader.Recent(ctx, t, limit)
	if err != nil {
		a.logger.Error("admin query failed", "table", t, "error", err)
		return []record.Record{}
	}
	return recs
}

// GetEventCounts returns the record count of every table. Tables that
// cannot be counted report zero.
func (a *API) GetEventCounts(ctx context.Context) map[string]int {
	counts := make(map[string]int, len(record.Tables))
	for _, t := range record.Tables {
		counts[string(t)] = 0
	}
	if a.reader == nil {
		return counts
	}
	got, err := a.reader.Counts(ctx)
	if err != nil {
		a.logger.Error("admin count failed", "error", err)
		return counts
	}
	for t, n := range got {
		counts[string(t)] = n
	}
	return counts
}

// GetAnalyticsEvents returns the newest analytics events.
func (a *API) GetAnalyticsEvents(ctx context.Context, limit int) []record.AnalyticsEvent {
	return typed[record.AnalyticsEvent](a.recent(ctx, record.TableAnalyticsEvents, limit))
}

// GetErrorReports returns the newest error reports.
func (a *API) GetErrorReports(ctx context.Context, limit int) []record.ErrorReport {
	return typed[record.ErrorReport](a.recent(ctx, record.TableErrorReports, limit))
}

// GetSessionRecordings returns the newest session recordings.
func (a *API) GetSessionRecordings(ctx context.Context, limit int) []record.SessionRecording {
	return typed[record.SessionRecording](a.recent(ctx, record.TableSessionRecordings, limit))
}

// GetPageAnalytics returns the newest page views.
func (a *API) GetPageAnalytics(ctx context.Context, limit int) []record.PageAnalytics {
	return typed[record.PageAnalytics](a.recent(ctx, record.TablePageAnalytics, limit))
}

// EventsByName returns the newest analytics events named name.
func (a *API) EventsByName(ctx context.Context, name string, limit int) []record.AnalyticsEvent {
	if a.reader == nil {
		return []record.AnalyticsEvent{}
	}
	recs, err := a.reader.ByEventName(ctx, name, limit)
	if err != nil {
		a.logger.Error("admin query failed", "event_name", name, "error", err)
		return []record.AnalyticsEvent{}
	}
	return typed[record.AnalyticsEvent](recs)
}

// EventsByWorkspace returns the newest records of table tagged with
// workspaceID. Only analytics_events and error_reports are indexed.
func (a *API) EventsByWorkspace(ctx context.Context, table, workspaceID string, limit int) ([]record.Record, error) {
	t, err := record.ParseTable(table)
	if err != nil || (t != record.TableAnalyticsEvents && t != record.TableErrorReports) {
		return nil, fmt.Errorf("admin.EventsByWorkspace: %w: %q", ErrUnknownTable, table)
	}
	if a.reader == nil {
		return []record.Record{}, nil
	}
	recs, err := a.reader.ByWorkspace(ctx, t, workspaceID, limit)
	if err != nil {
		a.logger.Error("admin query failed", "table", t, "workspace_id", workspaceID, "error", err)
		return []record.Record{}, nil
	}
	return recs, nil
}

// EventsByUser returns the newest records of table attributed to userID.
// Only analytics_events and error_reports are indexed.
func (a *API) EventsByUser(ctx context.Context, table, userID string, limit int) ([]record.Record, error) {
	t, err := record.ParseTable(table)
	if err != nil || (t != record.TableAnalyticsEvents && t != record.TableErrorReports) {
		return nil, fmt.Errorf("admin.EventsByUser: %w: %q", ErrUnknownTable, table)
	}
	if a.reader == nil {
		return []record.Record{}, nil
	}
	recs, err := a.reader.ByUser(ctx, t, userID, limit)
	if err != nil {
		a.logger.Error("admin query failed", "table", t, "user_id", userID, "error", err)
		return []record.Record{}, nil
	}
	return recs, nil
}

// RecordingsBySession returns the session recordings written for sessionID.
func (a *API) RecordingsBySession(ctx context.Context, sessionID string, limit int) []record.SessionRecording {
	if a.reader == nil {
		return []record.SessionRecording{}
	}
	recs, err := a.reader.BySession(ctx, sessionID, limit)
	if err != nil {
		a.logger.Error("admin query failed", "session_id", sessionID, "error", err)
		return []record.SessionRecording{}
	}
	return typed[record.SessionRecording](recs)
}

// PageViewsByURL returns the newest page views of url.
func (a *API) PageViewsByURL(ctx context.Context, url string, limit int) []record.PageAnalytics {
	if a.reader == nil {
		return []record.PageAnalytics{}
	}
	recs, err := a.reader.ByPageURL(ctx, url, limit)
	if err != nil {
		a.logger.Error("admin query failed", "page_url", url, "error", err)
		return []record.PageAnalytics{}
	}
	return typed[record.PageAnalytics](recs)
}

// GetServiceErrors returns up to limit entries of a service's error log,
// newest first. A service with no log yet has no entries.
func (a *API) GetServiceErrors(service string, limit int) ([]record.ErrorReport, error) {
	l, err := a.openLog(service)
	if err != nil {
		return nil, fmt.Errorf("admin.GetServiceErrors: %w", err)
	}
	if l == nil {
		return []record.ErrorReport{}, nil
	}
	reports, err := l.Recent(limit)
	if err != nil {
		a.logger.Error("admin error log read failed", "service", service, "error", err)
		return []record.ErrorReport{}, nil
	}
	return reports, nil
}

// ExportServiceErrors writes a service's error log as an indented JSON array.
func (a *API) ExportServiceErrors(service string, w io.Writer) error {
	l, err := a.openLog(service)
	if err != nil {
		return fmt.Errorf("admin.ExportServiceErrors: %w", err)
	}
	if l == nil {
		_, err := io.WriteString(w, "[]\n")
		return err
	}
	return l.Export(w)
}

// openLog opens the service's log without creating anything. It returns
// nil when the log does not exist.
func (a *API) openLog(service string) (*errlog.Log, error) {
	if service == "" || strings.ContainsAny(service, `/\`) || strings.Contains(service, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	if _, err := os.Stat(errlog.Path(a.logDir, service)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return errlog.Open(errlog.Options{Dir: a.logDir, Service: service, Logger: a.logger})
}

// TableSummary describes one table on the dashboard.
type TableSummary struct {
	Table               string     `json:"table"`
	Count               int        `json:"count"`
	OriginalDestination string     `json:"original_destination"`
	LastUpdated         *time.Time `json:"last_updated,omitempty"`
}

// Dashboard is the overview shown on the analytics admin page.
type Dashboard struct {
	Tables      []TableSummary `json:"tables"`
	Total       int            `json:"total"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Dashboard summarizes every table.
func (a *API) Dashboard(ctx context.Context) Dashboard {
	counts := a.GetEventCounts(ctx)
	d := Dashboard{GeneratedAt: record.Now()}
	for _, t := range record.Tables {
		s := TableSummary{
			Table:               string(t),
			Count:               counts[string(t)],
			OriginalDestination: t.Destination(),
		}
		if s.Count > 0 {
			if latest := a.recent(ctx, t, 1); len(latest) > 0 {
				ts := latest[0].RecordTime()
				s.LastUpdated = &ts
			}
		}
		d.Total += s.Count
		d.Tables = append(d.Tables, s)
	}
	return d
}

func typed[T record.Record](recs []record.Record) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
