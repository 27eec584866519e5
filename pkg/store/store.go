// Package store persists captured analytics records in an embedded BadgerDB
// database organized as four logical tables with timestamp indexes and a
// per-table retention cap.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/localanalytics/localanalytics/pkg/metrics"
	"github.com/localanalytics/localanalytics/pkg/record"
)

const (
	// DefaultMaxRecords is the retention cap applied to every table.
	DefaultMaxRecords = 1000
	// DefaultLimit is used by queries called with a non-positive limit.
	DefaultLimit = 100
	// DefaultOpenTimeout bounds how long Open waits for the database.
	DefaultOpenTimeout = 5 * time.Second
)

// Options configures the store.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	SyncWrites bool

	// MaxRecords is the per-table cap. Zero means DefaultMaxRecords.
	MaxRecords int

	// OpenTimeout bounds Open. Zero means DefaultOpenTimeout.
	OpenTimeout time.Duration

	// GCInterval enables periodic value log GC when positive.
	GCInterval     time.Duration
	GCDiscardRatio float64

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxRecords <= 0 {
		o.MaxRecords = DefaultMaxRecords
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.GCDiscardRatio <= 0 || o.GCDiscardRatio >= 1 {
		o.GCDiscardRatio = 0.5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the four-table record store. Safe for concurrent use.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex // guards db, gc, closed
	db     *badger.DB
	gc     *gcRunner
	closed bool

	// writeMu serializes Put, eviction and Reset so cap enforcement sees a
	// consistent table.
	writeMu sync.Mutex
}

// New returns an unopened store. The database is opened lazily by the first
// operation, or explicitly by Init.
func New(opts Options) *Store {
	opts.applyDefaults()
	return &Store{opts: opts, logger: opts.Logger}
}

// Open creates a store and opens its database.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := New(opts)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Init opens the database if it is not open yet. Calling it again is a no-op.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

// handle returns the open database, opening it on first use.
func (s *Store) handle(ctx context.Context) (*badger.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := s.openWithTimeout(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	if s.opts.GCInterval > 0 && !s.opts.InMemory {
		s.gc = startGC(db, s.opts.GCInterval, s.opts.GCDiscardRatio, s.logger)
	}
	s.logger.Info("local store opened", "path", s.opts.Path, "in_memory", s.opts.InMemory, "max_records", s.opts.MaxRecords)
	return db, nil
}

func (s *Store) openWithTimeout(ctx context.Context) (*badger.DB, error) {
	type result struct {
		db  *badger.DB
		err error
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store.Open: %w: %v", ErrStorageUnavailable, err)
	}
	ch := make(chan result, 1)
	go func() {
		db, err := openBadger(s.opts)
		ch <- result{db, err}
	}()

	// A late open is closed so the directory lock is released.
	abandon := func() {
		go func() {
			if r := <-ch; r.db != nil {
				r.db.Close()
			}
		}()
	}

	timer := time.NewTimer(s.opts.OpenTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("store.Open: %w: %v", ErrStorageUnavailable, r.err)
		}
		return r.db, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("store.Open: %w: timed out after %s", ErrStorageUnavailable, s.opts.OpenTimeout)
	case <-ctx.Done():
		abandon()
		return nil, fmt.Errorf("store.Open: %w: %v", ErrStorageUnavailable, ctx.Err())
	}
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.stop()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MaxRecords returns the configured per-table cap.
func (s *Store) MaxRecords() int {
	return s.opts.MaxRecords
}

// Put inserts records in one transaction, then enforces the cap on every table
// touched. A record whose id already exists fails the whole batch with
// ErrDuplicateID.
func (s *Store) Put(ctx context.Context, recs ...record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store.Put: %w: %v", ErrWriteFailure, err)
	}

	touched := make(map[record.Table]int)
	values := make([][]byte, len(recs))
	for i, rec := range recs {
		if _, err := record.ParseTable(string(rec.Table())); err != nil {
			return fmt.Errorf("store.Put: %w: %q", ErrUnknownTable, rec.Table())
		}
		id := rec.RecordID()
		if id == "" || strings.ContainsRune(id, '/') {
			return fmt.Errorf("store.Put: %w: invalid id %q", ErrWriteFailure, id)
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store.Put: %w: marshal %s: %v", ErrWriteFailure, id, err)
		}
		values[i] = val
		touched[rec.Table()]++
	}

	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = db.Update(func(txn *badger.Txn) error {
		for i, rec := range recs {
			keys := allKeys(rec)
			_, err := txn.Get(keys[0])
			if err == nil {
				return fmt.Errorf("%w: %s/%s", ErrDuplicateID, rec.Table(), rec.RecordID())
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(keys[0], values[i]); err != nil {
				return err
			}
			for _, k := range keys[1:] {
				if err := txn.Set(k, nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("write").Inc()
		if errors.Is(err, ErrDuplicateID) {
			return fmt.Errorf("store.Put: %w", err)
		}
		return fmt.Errorf("store.Put: %w: %v", ErrWriteFailure, err)
	}

	for table, n := range touched {
		metrics.StoreWrites.WithLabelValues(string(table)).Add(float64(n))
		if err := s.enforceCap(db, table); err != nil {
			// The insert already committed; retention catches up on the next write.
			s.logger.Error("retention cap enforcement failed", "table", table, "error", err)
		}
	}
	return nil
}

// Recent returns up to limit records of table, newest first.
func (s *Store) Recent(ctx context.Context, table record.Table, limit int) ([]record.Record, error) {
	if _, err := record.ParseTable(string(table)); err != nil {
		return nil, fmt.Errorf("store.Recent: %w: %q", ErrUnknownTable, table)
	}
	return s.scan(ctx, "store.Recent", table, indexPrefix(table, indexTimestamp, ""), limit)
}

// ByEventName returns analytics events with the given name, newest first.
func (s *Store) ByEventName(ctx context.Context, name string, limit int) ([]record.Record, error) {
	t := record.TableAnalyticsEvents
	return s.scan(ctx, "store.ByEventName", t, indexPrefix(t, indexName, name), limit)
}

// ByWorkspace returns records of table tagged with workspaceID, newest first.
// Only analytics_events and error_reports carry a workspace.
func (s *Store) ByWorkspace(ctx context.Context, table record.Table, workspaceID string, limit int) ([]record.Record, error) {
	if table != record.TableAnalyticsEvents && table != record.TableErrorReports {
		return nil, fmt.Errorf("store.ByWorkspace: %w: %q has no workspace index", ErrUnknownTable, table)
	}
	return s.scan(ctx, "store.ByWorkspace", table, indexPrefix(table, indexWorkspace, workspaceID), limit)
}

// ByUser returns records of table attributed to userID, newest first.
// Only analytics_events and error_reports carry a user.
func (s *Store) ByUser(ctx context.Context, table record.Table, userID string, limit int) ([]record.Record, error) {
	if table != record.TableAnalyticsEvents && table != record.TableErrorReports {
		return nil, fmt.Errorf("store.ByUser: %w: %q has no user index", ErrUnknownTable, table)
	}
	return s.scan(ctx, "store.ByUser", table, indexPrefix(table, indexUser, userID), limit)
}

// BySession returns session recordings for sessionID, newest first.
func (s *Store) BySession(ctx context.Context, sessionID string, limit int) ([]record.Record, error) {
	t := record.TableSessionRecordings
	return s.scan(ctx, "store.BySession", t, indexPrefix(t, indexSession, sessionID), limit)
}

// ByPageURL returns page analytics rows for url, newest first.
func (s *Store) ByPageURL(ctx context.Context, url string, limit int) ([]record.Record, error) {
	t := record.TablePageAnalytics
	return s.scan(ctx, "store.ByPageURL", t, indexPrefix(t, indexURL, url), limit)
}

// scan walks an index prefix in reverse key order and loads the referenced
// records. Index keys end in <nanos>/<id>, so reverse order is newest first
// with ties broken by descending id.
func (s *Store) scan(ctx context.Context, op string, table record.Table, prefix []byte, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]record.Record, 0, min(limit, s.opts.MaxRecords))
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := idFromIndexKey(it.Item().Key())
			item, err := txn.Get(recordKey(table, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var rec record.Record
			err = item.Value(func(val []byte) error {
				var derr error
				rec, derr = record.Decode(table, val)
				return derr
			})
			if err != nil {
				s.logger.Warn("skipping corrupt record", "table", table, "id", id, "error", err)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("%s: %w: %v", op, ErrReadFailure, err)
	}
	return out, nil
}

// Count returns the number of records in table.
func (s *Store) Count(ctx context.Context, table record.Table) (int, error) {
	if _, err := record.ParseTable(string(table)); err != nil {
		return 0, fmt.Errorf("store.Count: %w: %q", ErrUnknownTable, table)
	}
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.View(func(txn *badger.Txn) error {
		n = countPrefix(txn, indexPrefix(table, indexTimestamp, ""))
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("read").Inc()
		return 0, fmt.Errorf("store.Count: %w: %v", ErrReadFailure, err)
	}
	return n, nil
}

// Counts returns the record count of every table.
func (s *Store) Counts(ctx context.Context) (map[record.Table]int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[record.Table]int, len(record.Tables))
	err = db.View(func(txn *badger.Txn) error {
		for _, t := range record.Tables {
			counts[t] = countPrefix(txn, indexPrefix(t, indexTimestamp, ""))
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("store.Counts: %w: %v", ErrReadFailure, err)
	}
	return counts, nil
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// Reset removes every record from every table.
func (s *Store) Reset(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := db.DropAll(); err != nil {
		metrics.StoreErrors.WithLabelValues("write").Inc()
		return fmt.Errorf("store.Reset: %w: %v", ErrWriteFailure, err)
	}
	for _, t := range record.Tables {
		metrics.StoreRecords.WithLabelValues(string(t)).Set(0)
	}
	s.logger.Info("local store reset")
	return nil
}
