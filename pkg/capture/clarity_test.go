package capture

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
)

func TestClarityClickForwardedToPostHog(t *testing.T) {
	rec, mem := newMemRecorder(t)
	ph := NewPostHog(rec, newSession(), nil)
	c := NewClarity(true, ph, rec, nil)
	page := NewPage()

	c.Init("proj-key", page)
	require.True(t, c.Active())

	page.Click(Element{Tag: "BUTTON", Class: "btn primary", ID: "save", Text: strings.Repeat("é", 150)})
	rec.Flush()

	recs := mem.Records()
	require.Len(t, recs, 1)
	ev := recs[0].(record.AnalyticsEvent)
	assert.Equal(t, "clarity_click", ev.EventName)
	assert.Equal(t, "BUTTON", ev.Properties["element"])
	assert.Equal(t, "btn primary", ev.Properties["class"])
	assert.Equal(t, "save", ev.Properties["id"])
	text := ev.Properties["text"].(string)
	assert.Equal(t, 100, utf8.RuneCountInString(text))
	assert.Equal(t, record.DestinationPostHog, ev.OriginalDestination)
}

func TestClarityWithoutKeyIsInert(t *testing.T) {
	rec, mem := newMemRecorder(t)
	c := NewClarity(true, NewPostHog(rec, newSession(), nil), rec, nil)
	page := NewPage()

	c.Init("", page)
	page.Click(Element{Tag: "A"})
	c.HandleClick(Element{Tag: "A"})
	c.Set("k", "v")
	assert.False(t, c.EndSession())
	rec.Flush()

	assert.False(t, c.Active())
	assert.Equal(t, 0, mem.Len())
}

func TestClarityDisabledIsInert(t *testing.T) {
	rec, mem := newMemRecorder(t)
	c := NewClarity(false, NewPostHog(rec, newSession(), nil), rec, nil)
	page := NewPage()

	c.Init("proj-key", page)
	page.Click(Element{Tag: "A"})
	rec.Flush()

	assert.False(t, c.Active())
	assert.Equal(t, 0, mem.Len())
}

func TestClarityEndSessionWritesRecording(t *testing.T) {
	rec, mem := newMemRecorder(t)
	sess := newSession()
	sess.Identify("u1")
	c := NewClarity(true, NewPostHog(rec, sess, nil), rec, nil)
	page := NewPage()
	c.Init("proj-key", page)

	c.PageView()
	page.Click(Element{Tag: "A"})
	page.Click(Element{Tag: "B"})

	require.True(t, c.EndSession())
	assert.False(t, c.EndSession(), "stats are cleared after the recording")
	rec.Flush()

	var recordings []record.SessionRecording
	for _, r := range mem.Records() {
		if sr, ok := r.(record.SessionRecording); ok {
			recordings = append(recordings, sr)
		}
	}
	require.Len(t, recordings, 1)
	sr := recordings[0]
	assert.Equal(t, sess.SessionID(), sr.SessionID)
	assert.Equal(t, "u1", sr.UserID)
	assert.Equal(t, 2, sr.Clicks)
	assert.Equal(t, 1, sr.PageViews)
	assert.GreaterOrEqual(t, sr.Duration, int64(0))
	assert.Equal(t, record.DestinationClarity, sr.OriginalDestination)
	data := sr.RecordingsData.(map[string]any)
	assert.Equal(t, "proj-key", data["project_key"])
	assert.Len(t, data["clicks"], 2)
}

func TestClarityStatsPerSession(t *testing.T) {
	rec, _ := newMemRecorder(t)
	c := NewClarity(true, NewPostHog(rec, newSession(), nil), rec, nil)
	c.Init("k", nil)

	other := c.WithSession(newSession())
	other.HandleClick(Element{Tag: "A"})

	assert.False(t, c.EndSession(), "clicks in another session do not count")
	assert.True(t, other.EndSession())
}

func TestClarityTrackedSessionsBounded(t *testing.T) {
	rec, _ := newMemRecorder(t)
	c := NewClarity(true, NewPostHog(rec, newSession(), nil), rec, nil)
	c.Init("k", nil)
	c.PageView()

	for i := 0; i < 5000; i++ {
		c.WithSession(session.Restore("", "")).PageView()
	}

	c.state.mu.Lock()
	n := len(c.state.sessions)
	c.state.mu.Unlock()
	assert.Equal(t, maxTrackedSessions, n)
	assert.True(t, c.EndSession(), "the facade's own session survives eviction")
}

func TestClarityEvictsLeastRecentlyActive(t *testing.T) {
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	prev := record.Now
	record.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	t.Cleanup(func() { record.Now = prev })

	rec, _ := newMemRecorder(t)
	c := NewClarity(true, NewPostHog(rec, newSession(), nil), rec, nil)
	c.state.maxSessions = 2
	c.Init("k", nil)

	a := c.WithSession(session.Restore("a", ""))
	b := c.WithSession(session.Restore("b", ""))
	a.PageView()
	b.PageView()
	a.HandleClick(Element{Tag: "A"})
	c.WithSession(session.Restore("c", "")).PageView()

	c.state.mu.Lock()
	_, hasA := c.state.sessions["a"]
	_, hasB := c.state.sessions["b"]
	_, hasC := c.state.sessions["c"]
	c.state.mu.Unlock()
	assert.True(t, hasA)
	assert.False(t, hasB, "b was idle longest")
	assert.True(t, hasC)
	assert.False(t, b.EndSession())
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "日本", truncateRunes("日本語", 2))
}

func TestClarityRecordSummary(t *testing.T) {
	rec, mem := newMemRecorder(t)
	c := NewClarity(true, NewPostHog(rec, newSession(), nil), rec, nil)
	c.Init("proj-key", nil)

	sess := newSession()
	remote := c.WithSession(sess)
	remote.HandleClick(Element{Tag: "A", Text: "home"})
	require.True(t, remote.RecordSummary(SessionSummary{Duration: 4200, PageViews: 3, Clicks: 7}))
	rec.Flush()

	var got []record.SessionRecording
	for _, r := range mem.Records() {
		if sr, ok := r.(record.SessionRecording); ok {
			got = append(got, sr)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, sess.SessionID(), got[0].SessionID)
	assert.Equal(t, int64(4200), got[0].Duration)
	assert.Equal(t, 3, got[0].PageViews)
	assert.Equal(t, 7, got[0].Clicks)
	data := got[0].RecordingsData.(map[string]any)
	assert.Equal(t, "proj-key", data["project_key"])
	assert.Len(t, data["clicks"], 1)

	assert.False(t, remote.EndSession(), "local stats are discarded")
}

func TestClarityRecordSummaryInactive(t *testing.T) {
	rec, mem := newMemRecorder(t)
	c := NewClarity(false, NewPostHog(rec, newSession(), nil), rec, nil)
	assert.False(t, c.RecordSummary(SessionSummary{Duration: 1}))
	rec.Flush()
	assert.Equal(t, 0, mem.Len())
}
