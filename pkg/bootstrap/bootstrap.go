// Package bootstrap wires the store, the error log and the capture facades
// from configuration and drives the page lifecycle: one page view on start
// and a page_duration event when the page is left.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/localanalytics/localanalytics/pkg/admin"
	"github.com/localanalytics/localanalytics/pkg/capture"
	"github.com/localanalytics/localanalytics/pkg/config"
	"github.com/localanalytics/localanalytics/pkg/errlog"
	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
	"github.com/localanalytics/localanalytics/pkg/store"
)

// ErrConsoleOnly is reported by HealthCheck when the store could not be
// opened and records are only logged.
var ErrConsoleOnly = errors.New("local store unavailable, console-only mode")

// Provider owns everything Start created.
type Provider struct {
	PostHog   *capture.PostHog
	Sentry    *capture.Sentry
	Clarity   *capture.Clarity
	Plausible *capture.Plausible
	API       *admin.API

	// Page dispatches clicks to Clarity.
	Page *capture.Page

	store       *store.Store // nil in console-only mode
	errorLog    *errlog.Log
	recorder    *capture.Recorder
	errRecorder *capture.Recorder
	env         *capture.PageEnvironment
	sess        *session.Context
	logger      *slog.Logger

	mu        sync.Mutex
	loadedAt  time.Time
	closeOnce sync.Once
	closeErr  error
}

// Start opens the store, builds the facades and records the initial page
// view. A store that cannot be opened within cfg.Store.OpenTimeout is not an
// error: records fall back to the console. A nil env starts on an empty
// location.
func Start(ctx context.Context, cfg *config.Config, env *capture.PageEnvironment, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = capture.NewPageEnvironment("", "", "")
	}
	variant, err := capture.ParseVariant(cfg.Sentry.Variant)
	if err != nil {
		return nil, fmt.Errorf("bootstrap.Start: %w", err)
	}

	p := &Provider{
		env:    env,
		sess:   session.New(),
		Page:   capture.NewPage(),
		logger: logger,
	}

	st, err := store.Open(ctx, store.Options{
		Path:           cfg.Store.Path,
		InMemory:       cfg.Store.InMemory,
		SyncWrites:     cfg.Store.SyncWrites,
		MaxRecords:     cfg.Store.MaxRecords,
		OpenTimeout:    cfg.Store.OpenTimeout,
		GCInterval:     cfg.Store.GCInterval,
		GCDiscardRatio: cfg.Store.GCDiscardRatio,
		Logger:         logger,
	})
	if err != nil {
		logger.Warn("local store unavailable, falling back to console-only logging", "error", err)
	} else {
		p.store = st
	}

	if variant == capture.VariantServer {
		l, err := errlog.Open(errlog.Options{
			Dir:        cfg.ErrorLog.Dir,
			Service:    cfg.Service,
			MaxEntries: cfg.ErrorLog.MaxEntries,
			Logger:     logger,
		})
		if err != nil {
			logger.Warn("error log unavailable, falling back to console-only logging", "error", err)
		} else {
			p.errorLog = l
		}
	}

	recCfg := capture.RecorderConfig{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		MaxPending:    cfg.Recorder.MaxPending,
		WriteTimeout:  cfg.Recorder.WriteTimeout,
	}

	var sink capture.Sink
	if p.store != nil {
		sink = capture.NewStoreSink(p.store)
	} else {
		sink = capture.NewConsoleSink(logger, slog.LevelInfo)
	}
	p.recorder = capture.NewRecorder(recCfg, sink, logger)

	errSink, err := capture.ErrorSink(variant, p.store, p.errorLog, logger)
	if err != nil {
		logger.Warn("error sink unavailable, reporting errors to the console", "variant", variant, "error", err)
		errSink = capture.NewConsoleSink(logger, slog.LevelError)
	}
	p.errRecorder = capture.NewRecorder(recCfg, errSink, logger)

	p.PostHog = capture.NewPostHog(p.recorder, p.sess, logger)
	p.PostHog.Init()

	p.Sentry = capture.NewSentry(capture.SentryConfig{
		Variant:        variant,
		Service:        cfg.Service,
		Environment:    cfg.Sentry.Environment,
		MaxBreadcrumbs: cfg.Sentry.MaxBreadcrumbs,
	}, p.errRecorder, p.sess, env, logger)
	p.Sentry.Init(capture.SentryOptions{
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
	})

	p.Clarity = capture.NewClarity(cfg.SessionRecorder.Enabled, p.PostHog, p.recorder, logger)
	p.Clarity.Init(cfg.SessionRecorder.Key, p.Page)

	p.Plausible = capture.NewPlausible(cfg.Plausible.Domain, p.recorder, p.PostHog, env, logger)
	p.Plausible.OnPageview(p.Clarity.PageView)

	if p.store != nil {
		p.API = admin.New(p.store, admin.Options{LogDir: cfg.ErrorLog.Dir, Logger: logger})
	} else {
		p.API = admin.New(nil, admin.Options{LogDir: cfg.ErrorLog.Dir, Logger: logger})
	}

	p.loadedAt = time.Now()
	p.Plausible.TrackPageview(capture.PageviewOptions{})

	logger.Info("local analytics started",
		"service", cfg.Service,
		"variant", variant,
		"console_only", p.store == nil,
		"sink", p.recorder.SinkName(),
		"error_sink", p.errRecorder.SinkName(),
		"session_recording", p.Clarity.Active())
	return p, nil
}

// Session returns the page session every facade is bound to.
func (p *Provider) Session() *session.Context {
	return p.sess
}

// ConsoleOnly reports whether records are only logged.
func (p *Provider) ConsoleOnly() bool {
	return p.store == nil
}

// HealthCheck fails when the store is unavailable or cannot be read.
func (p *Provider) HealthCheck() error {
	if p.store == nil {
		return ErrConsoleOnly
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.store.Count(ctx, record.TableAnalyticsEvents); err != nil {
		return err
	}
	return nil
}

// Navigate leaves the current page and records a page view for url.
func (p *Provider) Navigate(url string) {
	p.pageDuration()
	p.env.Navigate(url)

	p.mu.Lock()
	p.loadedAt = time.Now()
	p.mu.Unlock()

	p.Plausible.TrackPageview(capture.PageviewOptions{})
}

// Unload records how long the page was open, ends the session recording and
// flushes pending records.
func (p *Provider) Unload() {
	p.pageDuration()
	p.Clarity.EndSession()
	p.Flush()
}

func (p *Provider) pageDuration() {
	p.mu.Lock()
	duration := time.Since(p.loadedAt).Milliseconds()
	p.mu.Unlock()

	p.PostHog.Capture("page_duration", map[string]any{
		"duration": duration,
		"url":      p.env.Location(),
	})
}

// Flush writes every pending record.
func (p *Provider) Flush() {
	p.recorder.Flush()
	p.errRecorder.Flush()
}

// Close flushes and closes the recorders and the store. Safe to call more
// than once.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := p.errRecorder.Close(); err != nil {
			errs = append(errs, err)
		}
		if p.store != nil {
			if err := p.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
