package capture

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localanalytics/localanalytics/pkg/errlog"
	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
	"github.com/localanalytics/localanalytics/pkg/store"
)

// logBuffer is a goroutine-safe log destination.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type failingSink struct{ err error }

func (failingSink) Name() string                                    { return "failing" }
func (s failingSink) Write(context.Context, []record.Record) error { return s.err }
func (failingSink) Close() error                                    { return nil }

func newMemRecorder(t *testing.T) (*Recorder, *MemorySink) {
	t.Helper()
	mem := NewMemorySink()
	rec := NewRecorder(RecorderConfig{BatchSize: 100, FlushInterval: time.Hour}, mem, slog.New(slog.NewTextHandler(&logBuffer{}, nil)))
	t.Cleanup(func() { rec.Close() })
	return rec, mem
}

func TestRecorderRecordAndFlush(t *testing.T) {
	rec, mem := newMemRecorder(t)

	rec.Record(record.PageAnalytics{ID: "pv-1", Timestamp: record.Now()})
	require.Len(t, rec.Pending(), 1)
	assert.Equal(t, 0, mem.Len(), "nothing written before flush")

	rec.Flush()
	assert.Equal(t, 1, mem.Len())
	assert.Empty(t, rec.Pending())
}

func TestRecorderFlushesOnBatchSize(t *testing.T) {
	mem := NewMemorySink()
	rec := NewRecorder(RecorderConfig{BatchSize: 3, FlushInterval: time.Hour}, mem, nil)
	defer rec.Close()

	for i := 0; i < 3; i++ {
		rec.Record(record.PageAnalytics{ID: record.NewID(), Timestamp: record.Now()})
	}
	assert.Eventually(t, func() bool { return mem.Len() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	mem := NewMemorySink()
	rec := NewRecorder(RecorderConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, mem, nil)
	defer rec.Close()

	rec.Record(record.PageAnalytics{ID: record.NewID(), Timestamp: record.Now()})
	assert.Eventually(t, func() bool { return mem.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	logger, logs := testLogger()
	mem := NewMemorySink()
	rec := NewRecorder(RecorderConfig{BatchSize: 100, FlushInterval: time.Hour, MaxPending: 2}, mem, logger)
	defer rec.Close()

	for i := 0; i < 3; i++ {
		rec.Record(record.PageAnalytics{ID: record.NewID(), Timestamp: record.Now()})
	}
	assert.Len(t, rec.Pending(), 2)
	assert.Contains(t, logs.String(), "queue full")
}

func TestRecorderWriteFailureIsLoggedNotPropagated(t *testing.T) {
	logger, logs := testLogger()
	rec := NewRecorder(RecorderConfig{FlushInterval: time.Hour}, failingSink{err: errors.New("quota exceeded")}, logger)
	defer rec.Close()

	rec.Record(record.PageAnalytics{ID: record.NewID(), Timestamp: record.Now()})
	rec.Flush()

	out := logs.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "quota exceeded")
	assert.Empty(t, rec.Pending(), "failed batch is dropped")
}

func TestRecorderCloseFlushesAndRejects(t *testing.T) {
	logger, logs := testLogger()
	mem := NewMemorySink()
	rec := NewRecorder(RecorderConfig{FlushInterval: time.Hour}, mem, logger)

	rec.Record(record.PageAnalytics{ID: record.NewID(), Timestamp: record.Now()})
	require.NoError(t, rec.Close())
	assert.Equal(t, 1, mem.Len())

	rec.Record(record.PageAnalytics{ID: record.NewID(), Timestamp: record.Now()})
	assert.Equal(t, 1, mem.Len())
	assert.Contains(t, logs.String(), "recorder closed")
	require.NoError(t, rec.Close())
}

func TestParseVariant(t *testing.T) {
	for _, s := range []string{"browser", "server", "edge"} {
		v, err := ParseVariant(s)
		require.NoError(t, err)
		assert.Equal(t, Variant(s), v)
	}
	_, err := ParseVariant("mobile")
	assert.Error(t, err)
}

func TestErrorSinkPerVariant(t *testing.T) {
	st := store.New(store.Options{InMemory: true})
	defer st.Close()
	log, err := errlog.Open(errlog.Options{Dir: t.TempDir(), Service: "svc"})
	require.NoError(t, err)

	s, err := ErrorSink(VariantBrowser, st, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "store", s.Name())

	s, err = ErrorSink(VariantBrowser, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "console", s.Name(), "browser degrades to console without a store")

	s, err = ErrorSink(VariantServer, nil, log, nil)
	require.NoError(t, err)
	assert.Equal(t, "errlog", s.Name())

	_, err = ErrorSink(VariantServer, st, nil, nil)
	assert.Error(t, err)

	s, err = ErrorSink(VariantEdge, st, log, nil)
	require.NoError(t, err)
	assert.Equal(t, "console", s.Name())

	_, err = ErrorSink(Variant("x"), st, log, nil)
	assert.Error(t, err)
}

func TestLogSinkRejectsOtherTables(t *testing.T) {
	log, err := errlog.Open(errlog.Options{Dir: t.TempDir(), Service: "svc"})
	require.NoError(t, err)
	sink := NewLogSink(log)

	err = sink.Write(context.Background(), []record.Record{record.PageAnalytics{ID: "p"}})
	assert.Error(t, err)
}

func TestConsoleSinkLogsRecords(t *testing.T) {
	logger, logs := testLogger()
	sink := NewConsoleSink(logger, slog.LevelError)
	require.NoError(t, sink.Write(context.Background(), []record.Record{
		record.ErrorReport{ID: "e1", ErrorMessage: "edge failure"},
	}))
	out := logs.String()
	assert.Contains(t, out, "[LOCAL ANALYTICS]")
	assert.Contains(t, out, "destination=sentry.io")
	assert.Contains(t, out, "edge failure")
}

func TestRequestEnvironment(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://example.test/api/v1/errors", nil)
	r.Header.Set("User-Agent", "agent/1.0")
	r.Header.Set("Referer", "http://example.test/prev")
	env := RequestEnvironment(r)
	assert.Equal(t, "agent/1.0", env.UserAgent())
	assert.Equal(t, "http://example.test/prev", env.Referrer())
	assert.Equal(t, "http://example.test/api/v1/errors", env.Location())

	r.Header.Set("X-Page-URL", "http://app.test/issues")
	assert.Equal(t, "http://app.test/issues", RequestEnvironment(r).Location())
}

func TestPageEnvironmentNavigate(t *testing.T) {
	env := NewPageEnvironment("ua", "http://a/", "")
	env.Navigate("http://a/b")
	assert.Equal(t, "http://a/b", env.Location())
	assert.Equal(t, "http://a/", env.Referrer())
	assert.Equal(t, "ua", env.UserAgent())
}

func TestNoFilesCreatedByConsoleSink(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	sink := NewConsoleSink(slog.New(slog.NewTextHandler(&logBuffer{}, nil)), slog.LevelError)
	require.NoError(t, sink.Write(context.Background(), []record.Record{record.ErrorReport{ID: "x"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditLineFormat(t *testing.T) {
	logger, logs := testLogger()
	audit(logger, slog.LevelInfo, "PostHog event", record.DestinationPostHog, "event", "x")
	line := logs.String()
	assert.True(t, strings.Contains(line, `msg="[LOCAL ANALYTICS] PostHog event"`), line)
	assert.Contains(t, line, "destination=app.posthog.com")
	assert.Contains(t, line, "event=x")
}

func newSession() *session.Context {
	return session.New()
}
