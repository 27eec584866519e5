// Package capture provides drop-in replacements for third-party analytics
// SDKs (PostHog, Sentry, Clarity, Plausible). Every call builds a canonical
// record and hands it to a Recorder, which persists it locally off the
// caller's path. Nothing is sent to the original destinations.
package capture

import (
	"context"
	"fmt"
	"log/slog"
)

// auditTag prefixes every audit log line so operators can filter them.
const auditTag = "[LOCAL ANALYTICS]"

// Capturable is the behavioral analytics surface (PostHog).
type Capturable interface {
	Init()
	Capture(eventName string, props map[string]any)
	Identify(userID string, props map[string]any)
	Group(groupType, groupKey string, props map[string]any)
	Reset()
}

// ErrorReportable is the error tracking surface (Sentry).
type ErrorReportable interface {
	Init(opts SentryOptions)
	CaptureException(err error, ctx map[string]any)
	CaptureMessage(message, level string, ctx map[string]any)
	SetUser(user User)
	SetContext(key string, value map[string]any)
	AddBreadcrumb(b Breadcrumb)
}

// PageTrackable is the page view surface (Plausible).
type PageTrackable interface {
	TrackPageview(opts PageviewOptions)
	TrackEvent(eventName string, props map[string]any)
}

var (
	_ Capturable      = (*PostHog)(nil)
	_ ErrorReportable = (*Sentry)(nil)
	_ PageTrackable   = (*Plausible)(nil)
)

// Variant selects where the error tracking facade persists reports.
type Variant string

const (
	// VariantBrowser persists to the local store.
	VariantBrowser Variant = "browser"
	// VariantServer appends to a per-service error log file.
	VariantServer Variant = "server"
	// VariantEdge only logs to the console.
	VariantEdge Variant = "edge"
)

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantBrowser, VariantServer, VariantEdge:
		return v, nil
	}
	return "", fmt.Errorf("capture.ParseVariant: unknown variant %q", s)
}

// audit emits the structured audit line for a facade call.
func audit(logger *slog.Logger, level slog.Level, msg, destination string, args ...any) {
	args = append([]any{"destination", destination}, args...)
	logger.Log(context.Background(), level, auditTag+" "+msg, args...)
}

// copyProps returns a shallow copy so later caller mutations do not reach a
// queued record.
func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
