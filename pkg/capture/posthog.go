package capture

import (
	"log/slog"

	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
)

// PostHog replaces the PostHog client. Events land in analytics_events.
type PostHog struct {
	rec    *Recorder
	sess   *session.Context
	logger *slog.Logger
}

// NewPostHog creates a PostHog facade bound to sess.
func NewPostHog(rec *Recorder, sess *session.Context, logger *slog.Logger) *PostHog {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostHog{rec: rec, sess: sess, logger: logger}
}

// WithSession returns a facade sharing p's recorder but bound to sess.
func (p *PostHog) WithSession(sess *session.Context) *PostHog {
	return &PostHog{rec: p.rec, sess: sess, logger: p.logger}
}

// Session returns the bound session.
func (p *PostHog) Session() *session.Context {
	return p.sess
}

// Init logs activation. There is no remote client to configure.
func (p *PostHog) Init() {
	audit(p.logger, slog.LevelInfo, "PostHog initialized (local mode)", record.DestinationPostHog)
}

// Capture records eventName with props, stamped with the current session and
// user. workspace_id and project_id are lifted out of props when present.
func (p *PostHog) Capture(eventName string, props map[string]any) {
	p.capture(eventName, copyProps(props))
	audit(p.logger, slog.LevelInfo, "PostHog event", record.DestinationPostHog,
		"event", eventName, "properties", props)
}

func (p *PostHog) capture(eventName string, props map[string]any) record.AnalyticsEvent {
	snap := p.sess.Snapshot()
	ev := record.AnalyticsEvent{
		ID:                  record.NewID(),
		Timestamp:           record.Now(),
		EventName:           eventName,
		Properties:          props,
		UserID:              snap.UserID,
		SessionID:           snap.SessionID,
		WorkspaceID:         record.StringProp(props, "workspace_id"),
		ProjectID:           record.StringProp(props, "project_id"),
		OriginalDestination: record.DestinationPostHog,
	}
	p.rec.Record(ev)
	return ev
}

// Identify attaches userID to the session. Nothing is persisted.
func (p *PostHog) Identify(userID string, props map[string]any) {
	p.sess.Identify(userID)
	audit(p.logger, slog.LevelInfo, "PostHog identify", record.DestinationPostHog,
		"user_id", userID, "properties", props)
}

// Group records a group_<type> event carrying group_key and group_type.
func (p *PostHog) Group(groupType, groupKey string, props map[string]any) {
	merged := copyProps(props)
	merged["group_key"] = groupKey
	merged["group_type"] = groupType
	p.capture("group_"+groupType, merged)
	audit(p.logger, slog.LevelInfo, "PostHog group", record.DestinationPostHog,
		"group_type", groupType, "group_key", groupKey, "properties", props)
}

// Reset starts a new session and clears the user, as on logout.
func (p *PostHog) Reset() {
	id := p.sess.Reset()
	audit(p.logger, slog.LevelInfo, "PostHog session reset", record.DestinationPostHog, "session_id", id)
}
