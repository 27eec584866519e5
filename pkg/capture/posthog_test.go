package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localanalytics/localanalytics/pkg/record"
)

func TestCaptureStampsSession(t *testing.T) {
	rec, mem := newMemRecorder(t)
	sess := newSession()
	ph := NewPostHog(rec, sess, nil)
	ph.Init()

	ph.Capture("issue_created", map[string]any{"workspace_id": "W1", "project_id": "P1"})
	rec.Flush()

	recs := mem.Records()
	require.Len(t, recs, 1)
	ev := recs[0].(record.AnalyticsEvent)
	assert.Equal(t, "issue_created", ev.EventName)
	assert.Equal(t, sess.SessionID(), ev.SessionID)
	assert.Equal(t, "W1", ev.WorkspaceID)
	assert.Equal(t, "P1", ev.ProjectID)
	assert.Equal(t, "W1", ev.Properties["workspace_id"])
	assert.Equal(t, record.DestinationPostHog, ev.OriginalDestination)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestCaptureCopiesProperties(t *testing.T) {
	rec, mem := newMemRecorder(t)
	ph := NewPostHog(rec, newSession(), nil)

	props := map[string]any{"k": "before"}
	ph.Capture("e", props)
	props["k"] = "after"
	rec.Flush()

	ev := mem.Records()[0].(record.AnalyticsEvent)
	assert.Equal(t, "before", ev.Properties["k"])
}

func TestCaptureNilProperties(t *testing.T) {
	rec, mem := newMemRecorder(t)
	NewPostHog(rec, newSession(), nil).Capture("e", nil)
	rec.Flush()

	ev := mem.Records()[0].(record.AnalyticsEvent)
	assert.NotNil(t, ev.Properties)
	assert.Empty(t, ev.WorkspaceID)
}

func TestIdentifyAttachesUser(t *testing.T) {
	rec, mem := newMemRecorder(t)
	ph := NewPostHog(rec, newSession(), nil)

	ph.Capture("anonymous", nil)
	ph.Identify("user-7", map[string]any{"plan": "pro"})
	ph.Capture("known", nil)
	rec.Flush()

	recs := mem.Records()
	require.Len(t, recs, 2, "identify persists nothing")
	assert.Empty(t, recs[0].(record.AnalyticsEvent).UserID)
	assert.Equal(t, "user-7", recs[1].(record.AnalyticsEvent).UserID)
}

func TestResetStartsNewSession(t *testing.T) {
	rec, mem := newMemRecorder(t)
	ph := NewPostHog(rec, newSession(), nil)

	ph.Identify("user-1", nil)
	ph.Capture("before", nil)
	ph.Reset()
	ph.Capture("after", nil)
	rec.Flush()

	recs := mem.Records()
	require.Len(t, recs, 2)
	before := recs[0].(record.AnalyticsEvent)
	after := recs[1].(record.AnalyticsEvent)
	assert.NotEqual(t, before.SessionID, after.SessionID)
	assert.Equal(t, "user-1", before.UserID)
	assert.Empty(t, after.UserID)
}

func TestGroup(t *testing.T) {
	rec, mem := newMemRecorder(t)
	ph := NewPostHog(rec, newSession(), nil)

	ph.Group("company", "acme", map[string]any{"size": 10})
	rec.Flush()

	ev := mem.Records()[0].(record.AnalyticsEvent)
	assert.Equal(t, "group_company", ev.EventName)
	assert.Equal(t, "acme", ev.Properties["group_key"])
	assert.Equal(t, "company", ev.Properties["group_type"])
	assert.Equal(t, 10, ev.Properties["size"])
}

func TestWithSessionIsolatesSessions(t *testing.T) {
	rec, mem := newMemRecorder(t)
	ph := NewPostHog(rec, newSession(), nil)
	other := newSession()
	other.Identify("tenant-b")

	ph.WithSession(other).Capture("b", nil)
	ph.Capture("a", nil)
	rec.Flush()

	recs := mem.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, other.SessionID(), recs[0].(record.AnalyticsEvent).SessionID)
	assert.Equal(t, "tenant-b", recs[0].(record.AnalyticsEvent).UserID)
	assert.Equal(t, ph.Session().SessionID(), recs[1].(record.AnalyticsEvent).SessionID)
	assert.Empty(t, recs[1].(record.AnalyticsEvent).UserID)
}
