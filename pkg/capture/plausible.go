package capture

import (
	"log/slog"

	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
)

// PageviewOptions overrides the environment for a single page view.
type PageviewOptions struct {
	URL      string `json:"url,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

// Plausible replaces the Plausible tracker. Page views land in
// page_analytics and custom events are forwarded to PostHog.
type Plausible struct {
	rec     *Recorder
	posthog *PostHog
	sess    *session.Context
	env     Environment
	domain  string
	logger  *slog.Logger

	// onPageview observes every recorded page view.
	onPageview func()
}

// NewPlausible creates a page-view facade. domain only annotates audit lines.
func NewPlausible(domain string, rec *Recorder, posthog *PostHog, env Environment, logger *slog.Logger) *Plausible {
	if env == nil {
		env = StaticEnvironment{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plausible{
		rec:     rec,
		posthog: posthog,
		sess:    posthog.Session(),
		env:     env,
		domain:  domain,
		logger:  logger,
	}
}

// WithSession returns a facade bound to sess. The OnPageview hook belongs
// to the original session and is not carried over.
func (p *Plausible) WithSession(sess *session.Context) *Plausible {
	c := *p
	c.sess = sess
	c.posthog = p.posthog.WithSession(sess)
	c.onPageview = nil
	return &c
}

// WithEnvironment returns a facade reading location and referrer from env.
func (p *Plausible) WithEnvironment(env Environment) *Plausible {
	c := *p
	c.env = env
	return &c
}

// OnPageview registers fn to run after every page view.
func (p *Plausible) OnPageview(fn func()) {
	p.onPageview = fn
}

// TrackPageview records a page view for opts.URL, or the current location.
func (p *Plausible) TrackPageview(opts PageviewOptions) {
	url := opts.URL
	if url == "" {
		url = p.env.Location()
	}
	ref := opts.Referrer
	if ref == "" {
		ref = p.env.Referrer()
	}

	p.rec.Record(record.PageAnalytics{
		ID:                  record.NewID(),
		Timestamp:           record.Now(),
		PageURL:             url,
		Referrer:            ref,
		UserAgent:           p.env.UserAgent(),
		SessionID:           p.sess.SessionID(),
		OriginalDestination: record.DestinationPlausible,
	})
	if p.onPageview != nil {
		p.onPageview()
	}
	audit(p.logger, slog.LevelInfo, "Plausible page view", record.DestinationPlausible,
		"url", url, "referrer", ref, "domain", p.domain)
}

// TrackEvent forwards eventName to PostHog as plausible_<eventName>.
func (p *Plausible) TrackEvent(eventName string, props map[string]any) {
	p.posthog.Capture("plausible_"+eventName, props)
	audit(p.logger, slog.LevelInfo, "Plausible event", record.DestinationPlausible,
		"event", eventName, "domain", p.domain)
}
