package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/localanalytics/localanalytics/pkg/metrics"
	"github.com/localanalytics/localanalytics/pkg/record"
)

// RecorderConfig configures batching.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxPending    int           `yaml:"max_pending"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

func (c *RecorderConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Recorder batches records and writes them to a sink off the caller's path.
// Write failures are logged and the batch is dropped.
type Recorder struct {
	cfg    RecorderConfig
	sink   Sink
	logger *slog.Logger

	batch  []record.Record
	closed bool
	mu     sync.Mutex

	// flushMu orders sink writes so Flush returns after everything recorded
	// before it was written.
	flushMu sync.Mutex

	flushCh   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRecorder creates a recorder writing to sink and starts its flush loop.
func NewRecorder(cfg RecorderConfig, sink Sink, logger *slog.Logger) *Recorder {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		batch:   make([]record.Record, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// SinkName returns the name of the underlying sink.
func (r *Recorder) SinkName() string {
	return r.sink.Name()
}

// Record queues rec for writing. Non-blocking.
func (r *Recorder) Record(rec record.Record) {
	metrics.RecordsCaptured.WithLabelValues(string(rec.Table())).Inc()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.RecordsDropped.WithLabelValues("closed").Inc()
		r.logger.Warn(auditTag+" recorder closed, record dropped", "table", rec.Table(), "id", rec.RecordID())
		return
	}
	if len(r.batch) >= r.cfg.MaxPending {
		r.mu.Unlock()
		metrics.RecordsDropped.WithLabelValues("queue_full").Inc()
		r.logger.Warn(auditTag+" recorder queue full, record dropped", "table", rec.Table(), "id", rec.RecordID())
		return
	}
	r.batch = append(r.batch, rec)
	pending := len(r.batch)
	r.mu.Unlock()

	metrics.RecorderPending.Set(float64(pending))
	if pending >= r.cfg.BatchSize {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush writes all queued records before returning.
func (r *Recorder) Flush() {
	r.flush()
}

// Pending returns the queued records (for testing).
func (r *Recorder) Pending() []record.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]record.Record, len(r.batch))
	copy(out, r.batch)
	return out
}

// Close flushes remaining records and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.closeCh)
		r.wg.Wait()
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.flush()
	})
	return r.sink.Close()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			r.flush() // Final flush
			return
		case <-r.flushCh:
			r.flush()
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if len(r.batch) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.batch
	r.batch = make([]record.Record, 0, r.cfg.BatchSize)
	r.mu.Unlock()
	metrics.RecorderPending.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := r.sink.Write(ctx, batch)
	metrics.FlushDuration.WithLabelValues(r.sink.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RecordsDropped.WithLabelValues("write_failure").Add(float64(len(batch)))
		r.logger.Error(auditTag+" failed to persist records", "sink", r.sink.Name(), "count", len(batch), "error", err)
	}
}
