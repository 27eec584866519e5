package capture

import (
	"net/http"
	"sync"
)

// Environment supplies the client details stamped onto error reports and
// page views.
type Environment interface {
	UserAgent() string
	Location() string
	Referrer() string
}

// StaticEnvironment is a fixed Environment.
type StaticEnvironment struct {
	Agent string
	URL   string
	Ref   string
}

func (e StaticEnvironment) UserAgent() string { return e.Agent }
func (e StaticEnvironment) Location() string  { return e.URL }
func (e StaticEnvironment) Referrer() string  { return e.Ref }

// RequestEnvironment derives an Environment from an ingest request. The page
// URL comes from the X-Page-URL header when set, else the request URL.
func RequestEnvironment(r *http.Request) StaticEnvironment {
	loc := r.Header.Get("X-Page-URL")
	if loc == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		loc = scheme + "://" + r.Host + r.URL.RequestURI()
	}
	return StaticEnvironment{
		Agent: r.UserAgent(),
		URL:   loc,
		Ref:   r.Referer(),
	}
}

// PageEnvironment tracks the current location of a single page session.
type PageEnvironment struct {
	mu       sync.RWMutex
	agent    string
	location string
	referrer string
}

// NewPageEnvironment creates an environment positioned at location.
func NewPageEnvironment(agent, location, referrer string) *PageEnvironment {
	return &PageEnvironment{agent: agent, location: location, referrer: referrer}
}

func (e *PageEnvironment) UserAgent() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agent
}

func (e *PageEnvironment) Location() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.location
}

func (e *PageEnvironment) Referrer() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.referrer
}

// Navigate moves to location; the previous location becomes the referrer.
func (e *PageEnvironment) Navigate(location string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referrer = e.location
	e.location = location
}
