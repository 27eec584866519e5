package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
)

// SentryConfig selects the variant and identifies the reporting service.
type SentryConfig struct {
	Variant        Variant
	Service        string
	Environment    string
	MaxBreadcrumbs int
}

// SentryOptions mirrors the options passed to Sentry.init.
type SentryOptions struct {
	DSN         string            `json:"dsn,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Release     string            `json:"release,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// User identifies the user errors are attributed to.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// StackError is an error that carries its own stack text, such as one
// reported by a remote client.
type StackError struct {
	Message string
	Stack   string
}

func (e *StackError) Error() string      { return e.Message }
func (e *StackError) StackTrace() string { return e.Stack }

// sentryOptions is shared by every facade derived from one NewSentry call.
type sentryOptions struct {
	mu          sync.RWMutex
	environment string
	release     string
	tags        map[string]string
}

// sentryScope holds per-session state attached to later reports.
type sentryScope struct {
	mu       sync.RWMutex
	contexts map[string]map[string]any
	crumbs   *breadcrumbTrail
}

func newSentryScope(maxBreadcrumbs int) *sentryScope {
	return &sentryScope{
		contexts: make(map[string]map[string]any),
		crumbs:   newBreadcrumbTrail(maxBreadcrumbs),
	}
}

// Sentry replaces the Sentry SDK. Where reports go depends on the variant
// the recorder's sink was chosen for; see ErrorSink.
type Sentry struct {
	variant        Variant
	service        string
	maxBreadcrumbs int

	rec    *Recorder
	sess   *session.Context
	env    Environment
	opts   *sentryOptions
	scope  *sentryScope
	logger *slog.Logger
}

// NewSentry creates an error-tracking facade.
func NewSentry(cfg SentryConfig, rec *Recorder, sess *session.Context, env Environment, logger *slog.Logger) *Sentry {
	if cfg.Variant == "" {
		cfg.Variant = VariantBrowser
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if env == nil {
		env = StaticEnvironment{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sentry{
		variant:        cfg.Variant,
		service:        cfg.Service,
		maxBreadcrumbs: cfg.MaxBreadcrumbs,
		rec:            rec,
		sess:           sess,
		env:            env,
		opts:           &sentryOptions{environment: cfg.Environment, tags: map[string]string{}},
		scope:          newSentryScope(cfg.MaxBreadcrumbs),
		logger:         logger,
	}
	audit(logger, slog.LevelInfo, "Sentry initialized (local mode)", record.DestinationSentry,
		"variant", s.variant, "service", s.service)
	return s
}

// Variant returns the runtime variant.
func (s *Sentry) Variant() Variant {
	return s.variant
}

// WithSession returns a facade bound to sess with its own breadcrumbs and
// contexts.
func (s *Sentry) WithSession(sess *session.Context) *Sentry {
	c := *s
	c.sess = sess
	c.scope = newSentryScope(s.maxBreadcrumbs)
	return &c
}

// WithEnvironment returns a facade that stamps reports with env.
func (s *Sentry) WithEnvironment(env Environment) *Sentry {
	c := *s
	c.env = env
	return &c
}

// Init applies environment, release and tags to later reports.
func (s *Sentry) Init(opts SentryOptions) {
	s.opts.mu.Lock()
	if opts.Environment != "" {
		s.opts.environment = opts.Environment
	}
	if opts.Release != "" {
		s.opts.release = opts.Release
	}
	for k, v := range opts.Tags {
		s.opts.tags[k] = v
	}
	s.opts.mu.Unlock()

	audit(s.logger, slog.LevelInfo, "Sentry init called (local mode)", record.DestinationSentry,
		"variant", s.variant, "environment", opts.Environment, "release", opts.Release)
}

// CaptureException records err. The report carries the error's own stack
// when it has one, otherwise the current goroutine's.
func (s *Sentry) CaptureException(err error, ctx map[string]any) {
	if err == nil {
		s.logger.Warn(auditTag+" Sentry CaptureException called with nil error")
		return
	}
	report := s.buildReport(err, ctx)
	s.rec.Record(report)
	audit(s.logger, slog.LevelError, "Sentry error captured", record.DestinationSentry,
		"variant", s.variant, "error", err.Error(), "context", ctx)
}

// CaptureMessage records message as a synthetic error with level and
// type "message" merged into the context. An empty level means "info".
func (s *Sentry) CaptureMessage(message, level string, ctx map[string]any) {
	if level == "" {
		level = "info"
	}
	merged := copyProps(ctx)
	merged["level"] = level
	merged["type"] = "message"

	report := s.buildReport(errors.New(message), merged)
	s.rec.Record(report)
	audit(s.logger, slog.LevelInfo, "Sentry message", record.DestinationSentry,
		"variant", s.variant, "level", level, "message", message, "context", ctx)
}

// SetUser attributes later reports to user.
func (s *Sentry) SetUser(user User) {
	if user.ID == "" {
		s.sess.ClearUser()
	} else {
		s.sess.Identify(user.ID)
	}
	audit(s.logger, slog.LevelInfo, "Sentry user set", record.DestinationSentry,
		"variant", s.variant, "user_id", user.ID)
}

// SetContext attaches a named context to later reports. A nil value removes it.
func (s *Sentry) SetContext(key string, value map[string]any) {
	s.scope.mu.Lock()
	if value == nil {
		delete(s.scope.contexts, key)
	} else {
		s.scope.contexts[key] = copyProps(value)
	}
	s.scope.mu.Unlock()

	audit(s.logger, slog.LevelInfo, "Sentry context set", record.DestinationSentry,
		"variant", s.variant, "key", key)
}

// AddBreadcrumb appends to the trail attached to later reports.
func (s *Sentry) AddBreadcrumb(b Breadcrumb) {
	if b.Timestamp.IsZero() {
		b.Timestamp = record.Now()
	}
	s.scope.crumbs.add(b)
	s.logger.Debug(auditTag+" Sentry breadcrumb", "destination", record.DestinationSentry,
		"category", b.Category, "message", b.Message)
}

// Breadcrumbs returns the current trail, oldest first.
func (s *Sentry) Breadcrumbs() []Breadcrumb {
	return s.scope.crumbs.recent(0)
}

// Recover captures a panic in progress and stops it. Use as
// "defer s.Recover()".
func (s *Sentry) Recover() {
	if v := recover(); v != nil {
		s.capturePanic(v, nil)
	}
}

// Go runs fn in a new goroutine. A returned error or a panic is captured as
// unhandled.
func (s *Sentry) Go(fn func() error) {
	go func() {
		defer s.Recover()
		if err := fn(); err != nil {
			s.CaptureException(err, map[string]any{"mechanism": "goroutine", "handled": false})
		}
	}()
}

// Middleware captures panics from next and answers 500.
func (s *Sentry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			s.WithEnvironment(RequestEnvironment(r)).capturePanic(v, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Sentry) capturePanic(v any, extra map[string]any) {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", v)
	}
	ctx := copyProps(extra)
	ctx["mechanism"] = "panic"
	ctx["handled"] = false
	s.CaptureException(err, ctx)
}

func (s *Sentry) buildReport(err error, ctx map[string]any) record.ErrorReport {
	snap := s.sess.Snapshot()

	s.opts.mu.RLock()
	environment := s.opts.environment
	tags := make(map[string]string, len(s.opts.tags)+3)
	for k, v := range s.opts.tags {
		tags[k] = v
	}
	if s.opts.release != "" {
		tags["release"] = s.opts.release
	}
	s.opts.mu.RUnlock()

	tags["runtime"] = string(s.variant)
	if s.service != "" {
		tags["service"] = s.service + "-" + string(s.variant)
	}

	var crumbs []any
	for _, b := range s.scope.crumbs.recent(0) {
		crumbs = append(crumbs, b)
	}

	reportCtx := make(map[string]any)
	s.scope.mu.RLock()
	for k, v := range s.scope.contexts {
		reportCtx[k] = v
	}
	s.scope.mu.RUnlock()

	level := "error"
	for k, v := range ctx {
		switch k {
		case "breadcrumbs":
			if list, ok := v.([]any); ok {
				crumbs = append(crumbs, list...)
			}
		case "tags":
			switch t := v.(type) {
			case map[string]string:
				for tk, tv := range t {
					tags[tk] = tv
				}
			case map[string]any:
				for tk, tv := range t {
					tags[tk] = fmt.Sprint(tv)
				}
			}
		default:
			reportCtx[k] = v
		}
	}
	if l, ok := ctx["level"].(string); ok && l != "" {
		level = l
		tags["level"] = l
	}
	if crumbs == nil {
		crumbs = []any{}
	}
	if len(reportCtx) == 0 {
		reportCtx = nil
	}

	return record.ErrorReport{
		ID:                  record.NewID(),
		Timestamp:           record.Now(),
		ErrorMessage:        err.Error(),
		ErrorStack:          stackOf(err),
		UserAgent:           s.env.UserAgent(),
		URL:                 s.env.Location(),
		UserID:              snap.UserID,
		SessionID:           snap.SessionID,
		WorkspaceID:         record.StringProp(ctx, "workspace_id"),
		ProjectID:           record.StringProp(ctx, "project_id"),
		Breadcrumbs:         crumbs,
		Tags:                tags,
		Level:               level,
		Environment:         environment,
		Context:             reportCtx,
		OriginalDestination: record.DestinationSentry,
	}
}

// stackOf returns the stack carried by err, or the current goroutine's.
func stackOf(err error) string {
	var st interface{ StackTrace() string }
	if errors.As(err, &st) {
		if s := st.StackTrace(); s != "" {
			return s
		}
	}
	return string(debug.Stack())
}
