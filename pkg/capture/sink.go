package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/localanalytics/localanalytics/pkg/errlog"
	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/store"
)

// Sink persists batches of records.
type Sink interface {
	Name() string
	Write(ctx context.Context, recs []record.Record) error
	Close() error
}

// StoreSink writes records to the local store.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink backed by s.
func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Name() string { return "store" }

// Write inserts the batch in one transaction.
func (s *StoreSink) Write(ctx context.Context, recs []record.Record) error {
	if err := s.store.Put(ctx, recs...); err != nil {
		return fmt.Errorf("capture.StoreSink: %w", err)
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (s *StoreSink) Close() error {
	return nil
}

// LogSink appends error reports to a service error log.
type LogSink struct {
	log *errlog.Log
}

// NewLogSink creates a sink backed by l.
func NewLogSink(l *errlog.Log) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) Name() string { return "errlog" }

// Write appends every error report. Other record types are rejected.
func (s *LogSink) Write(_ context.Context, recs []record.Record) error {
	reports := make([]record.ErrorReport, 0, len(recs))
	for _, rec := range recs {
		r, ok := rec.(record.ErrorReport)
		if !ok {
			return fmt.Errorf("capture.LogSink: unsupported record table %s", rec.Table())
		}
		reports = append(reports, r)
	}
	if err := s.log.Append(reports...); err != nil {
		return fmt.Errorf("capture.LogSink: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error {
	return nil
}

// ConsoleSink logs each record as one structured line and persists nothing.
type ConsoleSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewConsoleSink creates a console sink logging at level.
func NewConsoleSink(logger *slog.Logger, level slog.Level) *ConsoleSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleSink{logger: logger, level: level}
}

func (s *ConsoleSink) Name() string { return "console" }

// Write logs every record with its table and original destination.
func (s *ConsoleSink) Write(ctx context.Context, recs []record.Record) error {
	for _, rec := range recs {
		s.logger.Log(ctx, s.level, auditTag+" record captured (console only)",
			"destination", rec.Table().Destination(),
			"table", string(rec.Table()),
			"record", rec,
		)
	}
	return nil
}

// Close is a no-op.
func (s *ConsoleSink) Close() error {
	return nil
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Name() string                                  { return "nop" }
func (NopSink) Write(context.Context, []record.Record) error { return nil }
func (NopSink) Close() error                                  { return nil }

// MemorySink stores records in memory (for testing).
type MemorySink struct {
	mu   sync.Mutex
	recs []record.Record
}

// NewMemorySink creates a memory-backed sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

// Write stores records.
func (s *MemorySink) Write(_ context.Context, recs []record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
	return nil
}

// Close is a no-op.
func (s *MemorySink) Close() error {
	return nil
}

// Records returns all stored records.
func (s *MemorySink) Records() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

// Len returns the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// ErrorSink returns the sink an error-tracking variant persists to. The
// browser variant falls back to the console when no store is available.
func ErrorSink(v Variant, st *store.Store, log *errlog.Log, logger *slog.Logger) (Sink, error) {
	switch v {
	case VariantBrowser:
		if st == nil {
			return NewConsoleSink(logger, slog.LevelError), nil
		}
		return NewStoreSink(st), nil
	case VariantServer:
		if log == nil {
			return nil, fmt.Errorf("capture.ErrorSink: server variant requires an error log")
		}
		return NewLogSink(log), nil
	case VariantEdge:
		return NewConsoleSink(logger, slog.LevelError), nil
	}
	return nil, fmt.Errorf("capture.ErrorSink: unknown variant %q", v)
}
