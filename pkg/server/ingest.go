package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/localanalytics/localanalytics/pkg/capture"
	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
)

// Headers that scope a request to a session when the payload does not.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderUserID    = "X-User-ID"
)

// RegisterIngestRoutes registers the browser ingest routes on mux.
func (s *Server) RegisterIngestRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events", s.ingest("events", s.handleEvent))
	mux.HandleFunc("POST /api/v1/errors", s.ingest("errors", s.handleError))
	mux.HandleFunc("POST /api/v1/pageviews", s.ingest("pageviews", s.handlePageview))
	mux.HandleFunc("POST /api/v1/session-recordings", s.ingest("session_recordings", s.handleSessionRecording))
	mux.HandleFunc("POST /api/v1/clicks", s.ingest("clicks", s.handleClick))
}

// ingest applies the rate limit, the request metric and the header session
// scope to an ingest handler.
func (s *Server) ingest(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return instrument(endpoint, s.limited(func(w http.ResponseWriter, r *http.Request) {
		sess := session.Restore(r.Header.Get(HeaderSessionID), r.Header.Get(HeaderUserID))
		h(w, r.WithContext(session.NewContext(r.Context(), sess)))
	}))
}

// sessionFields identify the session a payload belongs to.
type sessionFields struct {
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
	UserID    string `json:"user_id" validate:"omitempty,max=256"`
}

// sessionFor returns the payload's session, else the one scoped from headers.
func sessionFor(r *http.Request, f sessionFields) *session.Context {
	if f.SessionID == "" {
		if sess, ok := session.FromContext(r.Context()); ok {
			if f.UserID != "" {
				sess.Identify(f.UserID)
			}
			return sess
		}
	}
	return session.Restore(f.SessionID, f.UserID)
}

type eventPayload struct {
	sessionFields
	Event      string         `json:"event" validate:"required,max=200"`
	Properties map[string]any `json:"properties"`
}

type errorPayload struct {
	sessionFields
	Type        string               `json:"type" validate:"omitempty,oneof=exception message"`
	Message     string               `json:"message" validate:"required,max=8192"`
	Stack       string               `json:"stack" validate:"max=65536"`
	Level       string               `json:"level" validate:"omitempty,oneof=fatal error warning info debug"`
	URL         string               `json:"url" validate:"omitempty,url"`
	Tags        map[string]string    `json:"tags"`
	Context     map[string]any       `json:"context"`
	Breadcrumbs []capture.Breadcrumb `json:"breadcrumbs" validate:"max=100"`
}

type pageviewPayload struct {
	sessionFields
	URL      string `json:"url" validate:"required,url"`
	Referrer string `json:"referrer" validate:"omitempty,url"`
}

type sessionRecordingPayload struct {
	sessionFields
	Duration       int64 `json:"duration" validate:"gte=0"`
	PageViews      int   `json:"page_views" validate:"gte=0"`
	Clicks         int   `json:"clicks" validate:"gte=0"`
	RecordingsData any   `json:"recordings_data"`
}

type clickPayload struct {
	sessionFields
	Element capture.Element `json:"element"`
}

type ingestResponse struct {
	Status              string `json:"status"`
	OriginalDestination string `json:"original_destination"`
}

// POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var p eventPayload
	if !s.decode(w, r, &p) {
		return
	}
	s.facades.PostHog.WithSession(sessionFor(r, p.sessionFields)).Capture(p.Event, p.Properties)
	accepted(w, record.DestinationPostHog)
}

// POST /api/v1/errors
func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	var p errorPayload
	if !s.decode(w, r, &p) {
		return
	}

	env := capture.RequestEnvironment(r)
	if p.URL != "" {
		env.URL = p.URL
	}
	sentry := s.facades.Sentry.WithSession(sessionFor(r, p.sessionFields)).WithEnvironment(env)

	ctx := make(map[string]any, len(p.Context)+3)
	for k, v := range p.Context {
		ctx[k] = v
	}
	if len(p.Tags) > 0 {
		ctx["tags"] = p.Tags
	}
	if len(p.Breadcrumbs) > 0 {
		crumbs := make([]any, 0, len(p.Breadcrumbs))
		for _, b := range p.Breadcrumbs {
			crumbs = append(crumbs, b)
		}
		ctx["breadcrumbs"] = crumbs
	}

	if p.Type == "message" {
		sentry.CaptureMessage(p.Message, p.Level, ctx)
	} else {
		if p.Level != "" {
			ctx["level"] = p.Level
		}
		sentry.CaptureException(&capture.StackError{Message: p.Message, Stack: p.Stack}, ctx)
	}
	accepted(w, record.DestinationSentry)
}

// POST /api/v1/pageviews
func (s *Server) handlePageview(w http.ResponseWriter, r *http.Request) {
	var p pageviewPayload
	if !s.decode(w, r, &p) {
		return
	}
	sess := sessionFor(r, p.sessionFields)
	s.facades.Plausible.WithSession(sess).
		WithEnvironment(capture.RequestEnvironment(r)).
		TrackPageview(capture.PageviewOptions{URL: p.URL, Referrer: p.Referrer})
	if s.facades.Clarity != nil {
		s.facades.Clarity.WithSession(sess).PageView()
	}
	accepted(w, record.DestinationPlausible)
}

// POST /api/v1/session-recordings
func (s *Server) handleSessionRecording(w http.ResponseWriter, r *http.Request) {
	var p sessionRecordingPayload
	if !s.decode(w, r, &p) {
		return
	}
	if !s.clarityActive(w) {
		return
	}
	s.facades.Clarity.WithSession(sessionFor(r, p.sessionFields)).RecordSummary(capture.SessionSummary{
		Duration:  p.Duration,
		PageViews: p.PageViews,
		Clicks:    p.Clicks,
		Data:      p.RecordingsData,
	})
	accepted(w, record.DestinationClarity)
}

// POST /api/v1/clicks
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var p clickPayload
	if !s.decode(w, r, &p) {
		return
	}
	if !s.clarityActive(w) {
		return
	}
	s.facades.Clarity.WithSession(sessionFor(r, p.sessionFields)).HandleClick(p.Element)
	accepted(w, record.DestinationClarity)
}

// clarityActive answers 409 when session recording is switched off.
func (s *Server) clarityActive(w http.ResponseWriter) bool {
	if s.facades.Clarity == nil || !s.facades.Clarity.Active() {
		http.Error(w, "session recording is disabled", http.StatusConflict)
		return false
	}
	return true
}

// decode reads a size-limited JSON body into v and validates it. It writes
// the error response itself and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return "invalid payload: " + strings.Join(msgs, "; ")
}

func accepted(w http.ResponseWriter, destination string) {
	writeJSONStatus(w, http.StatusAccepted, ingestResponse{
		Status:              "logged_locally",
		OriginalDestination: destination,
	})
}
