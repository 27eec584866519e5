// Package errlog keeps a bounded, append-only JSON-lines log of error reports
// per service on the local filesystem.
package errlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/localanalytics/localanalytics/pkg/metrics"
	"github.com/localanalytics/localanalytics/pkg/record"
)

const (
	DefaultDir        = "logs/local-analytics"
	DefaultMaxEntries = 1000

	// compactSlack is how far past MaxEntries the file may grow before it is
	// rewritten, so compaction is amortized over many appends.
	compactSlack = 100

	maxLineSize = 4 << 20
)

// Options configures a Log.
type Options struct {
	Dir        string
	Service    string
	MaxEntries int
	Logger     *slog.Logger
}

// Log is one service's error log. Appends within a process are serialized.
// Two processes appending to the same file may race on compaction and lose
// entries.
//
// The file is compacted only once it passes MaxEntries plus a slack of 100
// lines, so on disk it may briefly hold more than MaxEntries entries. Recent
// and Export never return more than MaxEntries.
type Log struct {
	path       string
	service    string
	maxEntries int
	logger     *slog.Logger

	mu    sync.Mutex
	lines int
}

// Path returns the log file path for service under dir.
func Path(dir, service string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, service+"-errors.jsonl")
}

// Open prepares the log directory and counts existing entries.
func Open(opts Options) (*Log, error) {
	if opts.Service == "" {
		return nil, errors.New("errlog.Open: service is required")
	}
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("errlog.Open: %w", err)
	}

	l := &Log{
		path:       Path(opts.Dir, opts.Service),
		service:    opts.Service,
		maxEntries: opts.MaxEntries,
		logger:     opts.Logger,
	}
	lines, err := l.readLines()
	if err != nil {
		return nil, fmt.Errorf("errlog.Open: %w", err)
	}
	l.lines = len(lines)
	return l, nil
}

// FilePath returns the path of the underlying file.
func (l *Log) FilePath() string {
	return l.path
}

// Append writes reports as JSON lines and compacts the file once it holds
// more than MaxEntries plus slack.
func (l *Log) Append(reports ...record.ErrorReport) error {
	if len(reports) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("errlog.Append: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("errlog.Append: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("errlog.Append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("errlog.Append: %w", err)
	}
	l.lines += len(reports)

	if l.lines > l.maxEntries+compactSlack {
		if err := l.compact(); err != nil {
			return fmt.Errorf("errlog.Append: %w", err)
		}
	}
	return nil
}

// compact rewrites the file to its newest maxEntries lines. Callers hold mu.
func (l *Log) compact() error {
	lines, err := l.readLines()
	if err != nil {
		return err
	}
	if len(lines) > l.maxEntries {
		lines = lines[len(lines)-l.maxEntries:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("compact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("compact: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("compact: %w", err)
	}

	l.lines = len(lines)
	metrics.ErrorLogCompactions.WithLabelValues(l.service).Inc()
	l.logger.Debug("error log compacted", "path", l.path, "entries", l.lines)
	return nil
}

// readLines returns the non-empty lines of the file, oldest first. A missing
// file reads as empty.
func (l *Log) readLines() ([][]byte, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}
	return lines, nil
}

// entries decodes every line, oldest first. Corrupt lines are skipped.
func (l *Log) entries() ([]record.ErrorReport, error) {
	l.mu.Lock()
	lines, err := l.readLines()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]record.ErrorReport, 0, len(lines))
	for _, line := range lines {
		var r record.ErrorReport
		if err := json.Unmarshal(line, &r); err != nil {
			l.logger.Warn("skipping corrupt error log line", "path", l.path, "error", err)
			continue
		}
		out = append(out, r)
	}
	// Entries past the cap may exist between compactions.
	if len(out) > l.maxEntries {
		out = out[len(out)-l.maxEntries:]
	}
	return out, nil
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) ([]record.ErrorReport, error) {
	all, err := l.entries()
	if err != nil {
		return nil, fmt.Errorf("errlog.Recent: %w", err)
	}
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]record.ErrorReport, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Export writes every retained entry, oldest first, as an indented JSON array.
func (l *Log) Export(w io.Writer) error {
	all, err := l.entries()
	if err != nil {
		return fmt.Errorf("errlog.Export: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(all); err != nil {
		return fmt.Errorf("errlog.Export: %w", err)
	}
	return nil
}
