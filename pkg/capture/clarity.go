package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
)

const (
	maxClickText = 100
	// maxRecordedClicks bounds the click descriptors kept in a session recording.
	maxRecordedClicks = 50
	// maxTrackedSessions bounds the sessions with open stats. Past it the
	// least recently active session is dropped without a recording.
	maxTrackedSessions = 1000
)

// Element describes the target of a click.
type Element struct {
	Tag   string `json:"element"`
	Class string `json:"class"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

// Document is a source of click events.
type Document interface {
	AddClickListener(fn func(Element))
}

// Page is an in-process Document. Click dispatches to every listener.
type Page struct {
	mu        sync.RWMutex
	listeners []func(Element)
}

// NewPage creates a page with no listeners.
func NewPage() *Page {
	return &Page{}
}

// AddClickListener registers fn for every later click.
func (p *Page) AddClickListener(fn func(Element)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Click dispatches el to the registered listeners.
func (p *Page) Click(el Element) {
	p.mu.RLock()
	listeners := make([]func(Element), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(el)
	}
}

// sessionStats accumulates what a session recording summarizes.
type sessionStats struct {
	started   time.Time
	lastSeen  time.Time
	pageViews int
	clicks    int
	recent    []Element
}

// clarityState is shared by every facade derived from one NewClarity call.
type clarityState struct {
	mu          sync.Mutex
	projectKey  string
	active      bool
	sessions    map[string]*sessionStats
	maxSessions int

	// owner is the facade's own session. Its stats are never evicted.
	owner *session.Context
}

// Clarity replaces Microsoft Clarity. Clicks are forwarded to PostHog as
// clarity_click events and each session ends in one SessionRecording.
type Clarity struct {
	enabled bool
	posthog *PostHog
	rec     *Recorder
	sess    *session.Context
	state   *clarityState
	logger  *slog.Logger
}

// NewClarity creates a session-recording facade. When enabled is false
// every call is a no-op.
func NewClarity(enabled bool, posthog *PostHog, rec *Recorder, logger *slog.Logger) *Clarity {
	if logger == nil {
		logger = slog.Default()
	}
	state := &clarityState{
		sessions:    make(map[string]*sessionStats),
		maxSessions: maxTrackedSessions,
		owner:       posthog.Session(),
	}
	return &Clarity{
		enabled: enabled,
		posthog: posthog,
		rec:     rec,
		sess:    posthog.Session(),
		state:   state,
		logger:  logger,
	}
}

// WithSession returns a facade bound to sess, sharing activation state.
func (c *Clarity) WithSession(sess *session.Context) *Clarity {
	cc := *c
	cc.sess = sess
	cc.posthog = c.posthog.WithSession(sess)
	return &cc
}

// Active reports whether Init activated recording.
func (c *Clarity) Active() bool {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.active
}

// Init activates recording for projectKey and listens for clicks on doc.
// A missing key or disabled recording leaves the facade inert.
func (c *Clarity) Init(projectKey string, doc Document) {
	if !c.enabled || projectKey == "" {
		c.logger.Debug(auditTag+" Clarity disabled", "destination", record.DestinationClarity,
			"enabled", c.enabled, "has_key", projectKey != "")
		return
	}

	c.state.mu.Lock()
	c.state.projectKey = projectKey
	c.state.active = true
	c.state.mu.Unlock()

	if doc != nil {
		doc.AddClickListener(c.HandleClick)
	}
	audit(c.logger, slog.LevelInfo, "Clarity initialized (local mode)", record.DestinationClarity,
		"project_key", projectKey)
}

// Set logs a custom tag. Nothing is persisted.
func (c *Clarity) Set(key string, value any) {
	if !c.Active() {
		return
	}
	audit(c.logger, slog.LevelInfo, "Clarity set", record.DestinationClarity, "key", key, "value", value)
}

// HandleClick forwards a summarized click as a clarity_click event.
func (c *Clarity) HandleClick(el Element) {
	if !c.Active() {
		return
	}
	el.Text = truncateRunes(el.Text, maxClickText)

	c.withStats(func(st *sessionStats) {
		st.clicks++
		st.recent = append(st.recent, el)
		if len(st.recent) > maxRecordedClicks {
			st.recent = st.recent[len(st.recent)-maxRecordedClicks:]
		}
	})

	c.posthog.Capture("clarity_click", map[string]any{
		"element": el.Tag,
		"class":   el.Class,
		"id":      el.ID,
		"text":    el.Text,
	})
}

// PageView counts a page view towards the current session recording.
func (c *Clarity) PageView() {
	if !c.Active() {
		return
	}
	c.withStats(func(st *sessionStats) { st.pageViews++ })
}

// EndSession writes the SessionRecording for the current session. It
// returns false when recording is inactive or nothing was observed.
func (c *Clarity) EndSession() bool {
	if !c.Active() {
		return false
	}
	snap := c.sess.Snapshot()

	c.state.mu.Lock()
	st, ok := c.state.sessions[snap.SessionID]
	delete(c.state.sessions, snap.SessionID)
	projectKey := c.state.projectKey
	c.state.mu.Unlock()

	if !ok || (st.clicks == 0 && st.pageViews == 0) {
		return false
	}

	now := record.Now()
	c.rec.Record(record.SessionRecording{
		ID:        record.NewID(),
		Timestamp: now,
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
		Duration:  now.Sub(st.started).Milliseconds(),
		PageViews: st.pageViews,
		Clicks:    st.clicks,
		RecordingsData: map[string]any{
			"project_key": projectKey,
			"clicks":      st.recent,
		},
		OriginalDestination: record.DestinationClarity,
	})
	audit(c.logger, slog.LevelInfo, "Clarity session recorded", record.DestinationClarity,
		"session_id", snap.SessionID, "clicks", st.clicks, "page_views", st.pageViews)
	return true
}

// SessionSummary is a session recording summarized by a remote recorder.
type SessionSummary struct {
	Duration  int64 `json:"duration"`
	PageViews int   `json:"page_views"`
	Clicks    int   `json:"clicks"`
	Data      any   `json:"recordings_data,omitempty"`
}

// RecordSummary writes a SessionRecording for the bound session from sum and
// discards any local stats kept for it. Without Data, the clicks observed
// through HandleClick are attached.
func (c *Clarity) RecordSummary(sum SessionSummary) bool {
	if !c.Active() {
		return false
	}
	snap := c.sess.Snapshot()

	c.state.mu.Lock()
	st, ok := c.state.sessions[snap.SessionID]
	delete(c.state.sessions, snap.SessionID)
	projectKey := c.state.projectKey
	c.state.mu.Unlock()

	data := sum.Data
	if data == nil {
		clicks := []Element{}
		if ok {
			clicks = st.recent
		}
		data = map[string]any{"project_key": projectKey, "clicks": clicks}
	}

	c.rec.Record(record.SessionRecording{
		ID:                  record.NewID(),
		Timestamp:           record.Now(),
		SessionID:           snap.SessionID,
		UserID:              snap.UserID,
		Duration:            sum.Duration,
		PageViews:           sum.PageViews,
		Clicks:              sum.Clicks,
		RecordingsData:      data,
		OriginalDestination: record.DestinationClarity,
	})
	audit(c.logger, slog.LevelInfo, "Clarity session summary recorded", record.DestinationClarity,
		"session_id", snap.SessionID, "clicks", sum.Clicks, "page_views", sum.PageViews)
	return true
}

func (c *Clarity) withStats(fn func(*sessionStats)) {
	id := c.sess.SessionID()
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	now := record.Now()
	st, ok := c.state.sessions[id]
	if !ok {
		c.state.evictIdle(id)
		st = &sessionStats{started: now}
		c.state.sessions[id] = st
	}
	st.lastSeen = now
	fn(st)
}

// evictIdle makes room for one more session by dropping the least recently
// active ones. Caller holds mu.
func (s *clarityState) evictIdle(incoming string) {
	owner := ""
	if s.owner != nil {
		owner = s.owner.SessionID()
	}
	for len(s.sessions) >= s.maxSessions {
		var oldestID string
		var oldest time.Time
		for id, st := range s.sessions {
			if id == owner || id == incoming {
				continue
			}
			if oldestID == "" || st.lastSeen.Before(oldest) {
				oldestID, oldest = id, st.lastSeen
			}
		}
		if oldestID == "" {
			return
		}
		delete(s.sessions, oldestID)
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
