package capture

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localanalytics/localanalytics/pkg/errlog"
	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/store"
)

func newMemSentry(t *testing.T, variant Variant) (*Sentry, *Recorder, *MemorySink) {
	t.Helper()
	rec, mem := newMemRecorder(t)
	env := StaticEnvironment{Agent: "test-agent", URL: "http://localhost/issues"}
	s := NewSentry(SentryConfig{Variant: variant, Service: "web"}, rec, newSession(), env, slog.New(slog.NewTextHandler(&logBuffer{}, nil)))
	return s, rec, mem
}

func onlyReport(t *testing.T, mem *MemorySink) record.ErrorReport {
	t.Helper()
	recs := mem.Records()
	require.Len(t, recs, 1)
	return recs[0].(record.ErrorReport)
}

func TestCaptureExceptionBuildsReport(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)
	s.SetUser(User{ID: "u1"})

	s.CaptureException(errors.New("boom"), map[string]any{
		"workspace_id": "W1",
		"tags":         map[string]string{"area": "editor"},
		"extra":        42,
	})
	rec.Flush()

	r := onlyReport(t, mem)
	assert.Equal(t, "boom", r.ErrorMessage)
	assert.NotEmpty(t, r.ErrorStack)
	assert.Equal(t, "test-agent", r.UserAgent)
	assert.Equal(t, "http://localhost/issues", r.URL)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, "W1", r.WorkspaceID)
	assert.Equal(t, "editor", r.Tags["area"])
	assert.Equal(t, "browser", r.Tags["runtime"])
	assert.Equal(t, "web-browser", r.Tags["service"])
	assert.Equal(t, "error", r.Level)
	assert.Equal(t, "development", r.Environment)
	assert.Equal(t, 42, r.Context["extra"])
	assert.NotNil(t, r.Breadcrumbs)
	assert.Equal(t, record.DestinationSentry, r.OriginalDestination)
}

func TestCaptureExceptionUsesCarriedStack(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)
	s.CaptureException(&StackError{Message: "remote", Stack: "at app.js:10"}, nil)
	rec.Flush()

	r := onlyReport(t, mem)
	assert.Equal(t, "remote", r.ErrorMessage)
	assert.Equal(t, "at app.js:10", r.ErrorStack)
}

func TestCaptureExceptionNilError(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)
	s.CaptureException(nil, nil)
	rec.Flush()
	assert.Equal(t, 0, mem.Len())
}

func TestCaptureMessage(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantServer)
	s.CaptureMessage("disk almost full", "warning", map[string]any{"host": "a"})
	rec.Flush()

	r := onlyReport(t, mem)
	assert.Equal(t, "disk almost full", r.ErrorMessage)
	assert.Equal(t, "warning", r.Level)
	assert.Equal(t, "warning", r.Context["level"])
	assert.Equal(t, "message", r.Context["type"])
	assert.Equal(t, "a", r.Context["host"])
	assert.Equal(t, "warning", r.Tags["level"])
}

func TestCaptureMessageDefaultLevel(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)
	s.CaptureMessage("hello", "", nil)
	rec.Flush()
	assert.Equal(t, "info", onlyReport(t, mem).Level)
}

func TestInitAppliesOptions(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)
	s.Init(SentryOptions{Environment: "staging", Release: "1.2.3", Tags: map[string]string{"team": "core"}})
	s.CaptureException(errors.New("x"), nil)
	rec.Flush()

	r := onlyReport(t, mem)
	assert.Equal(t, "staging", r.Environment)
	assert.Equal(t, "1.2.3", r.Tags["release"])
	assert.Equal(t, "core", r.Tags["team"])
}

func TestBreadcrumbsAndContexts(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)
	for i := 0; i < DefaultMaxBreadcrumbs+5; i++ {
		s.AddBreadcrumb(Breadcrumb{Category: "nav", Message: "step"})
	}
	assert.Len(t, s.Breadcrumbs(), DefaultMaxBreadcrumbs)

	s.SetContext("browser", map[string]any{"name": "firefox"})
	s.SetContext("removed", map[string]any{"a": 1})
	s.SetContext("removed", nil)

	s.CaptureException(errors.New("x"), map[string]any{"breadcrumbs": []any{"manual"}})
	rec.Flush()

	r := onlyReport(t, mem)
	assert.Len(t, r.Breadcrumbs, DefaultMaxBreadcrumbs+1)
	assert.Equal(t, "manual", r.Breadcrumbs[len(r.Breadcrumbs)-1])
	assert.Equal(t, map[string]any{"name": "firefox"}, r.Context["browser"])
	assert.NotContains(t, r.Context, "removed")
}

func TestWithSessionHasOwnScope(t *testing.T) {
	s, _, _ := newMemSentry(t, VariantServer)
	s.AddBreadcrumb(Breadcrumb{Message: "a"})

	other := s.WithSession(newSession())
	assert.Empty(t, other.Breadcrumbs())
	assert.Len(t, s.Breadcrumbs(), 1)
}

func TestRecoverCapturesPanic(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)

	func() {
		defer s.Recover()
		panic("kaboom")
	}()
	rec.Flush()

	r := onlyReport(t, mem)
	assert.Equal(t, "panic: kaboom", r.ErrorMessage)
	assert.Equal(t, "panic", r.Context["mechanism"])
	assert.Equal(t, false, r.Context["handled"])
}

func TestGoCapturesReturnedError(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)

	done := make(chan struct{})
	s.Go(func() error {
		defer close(done)
		return errors.New("rejected")
	})
	<-done
	require.Eventually(t, func() bool {
		rec.Flush()
		return mem.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	r := onlyReport(t, mem)
	assert.Equal(t, "rejected", r.ErrorMessage)
	assert.Equal(t, "goroutine", r.Context["mechanism"])
}

func TestMiddlewareCapturesPanic(t *testing.T) {
	s, rec, mem := newMemSentry(t, VariantBrowser)
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("handler exploded"))
	}))

	req := httptest.NewRequest(http.MethodGet, "http://app.test/issues/1", nil)
	req.Header.Set("User-Agent", "browser/2")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	rec.Flush()

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	r := onlyReport(t, mem)
	assert.Equal(t, "handler exploded", r.ErrorMessage)
	assert.Equal(t, "browser/2", r.UserAgent)
	assert.Equal(t, "/issues/1", r.Context["path"])
}

func TestBrowserVariantPersistsToStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	sink, err := ErrorSink(VariantBrowser, st, nil, nil)
	require.NoError(t, err)
	rec := NewRecorder(RecorderConfig{FlushInterval: time.Hour}, sink, nil)
	defer rec.Close()
	s := NewSentry(SentryConfig{Variant: VariantBrowser}, rec, newSession(), nil, nil)

	s.CaptureException(errors.New("boom"), nil)
	rec.Flush()

	got, err := st.Recent(ctx, record.TableErrorReports, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	r := got[0].(record.ErrorReport)
	assert.Equal(t, "boom", r.ErrorMessage)
	assert.NotEmpty(t, r.ErrorStack)
}

func TestBrowserVariantWriteFailureDoesNotPanic(t *testing.T) {
	st, err := store.Open(context.Background(), store.Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, st.Close()) // every write now fails

	logger, logs := testLogger()
	rec := NewRecorder(RecorderConfig{FlushInterval: time.Hour}, NewStoreSink(st), logger)
	defer rec.Close()
	s := NewSentry(SentryConfig{Variant: VariantBrowser}, rec, newSession(), nil, logger)

	assert.NotPanics(t, func() {
		s.CaptureException(errors.New("quota"), nil)
		rec.Flush()
	})
	assert.Contains(t, logs.String(), "failed to persist records")
	assert.Contains(t, logs.String(), "level=ERROR")
}

func TestServerVariantWritesErrorLog(t *testing.T) {
	dir := t.TempDir()
	log, err := errlog.Open(errlog.Options{Dir: dir, Service: "space"})
	require.NoError(t, err)

	sink, err := ErrorSink(VariantServer, nil, log, nil)
	require.NoError(t, err)
	rec := NewRecorder(RecorderConfig{FlushInterval: time.Hour}, sink, nil)
	defer rec.Close()
	s := NewSentry(SentryConfig{Variant: VariantServer, Service: "space", Environment: "production"}, rec, newSession(), nil, nil)

	s.CaptureException(errors.New("db down"), map[string]any{"route": "/x"})
	rec.Flush()

	got, err := log.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "db down", got[0].ErrorMessage)
	assert.Equal(t, "production", got[0].Environment)
	assert.Equal(t, "space-server", got[0].Tags["service"])
	assert.Equal(t, "/x", got[0].Context["route"])
}

func TestEdgeVariantOnlyLogs(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	st, err := store.Open(context.Background(), store.Options{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	logger, logs := testLogger()
	sink, err := ErrorSink(VariantEdge, st, nil, logger)
	require.NoError(t, err)
	rec := NewRecorder(RecorderConfig{FlushInterval: time.Hour}, sink, logger)
	defer rec.Close()
	s := NewSentry(SentryConfig{Variant: VariantEdge, Service: "space"}, rec, newSession(), nil, logger)

	s.CaptureException(errors.New("edge boom"), nil)
	rec.Flush()

	counts, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[record.TableErrorReports])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "edge variant creates no files")

	assert.Contains(t, logs.String(), "edge boom")
	assert.Contains(t, logs.String(), "record captured (console only)")
}
