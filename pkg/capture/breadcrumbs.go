package capture

import (
	"sync"
	"time"
)

// DefaultMaxBreadcrumbs bounds the breadcrumb trail attached to reports.
const DefaultMaxBreadcrumbs = 100

// Breadcrumb is one step of the trail leading up to an error.
type Breadcrumb struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Level     string         `json:"level,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// breadcrumbTrail keeps the most recent breadcrumbs in a bounded buffer.
type breadcrumbTrail struct {
	mu      sync.Mutex
	entries []Breadcrumb
	maxSize int
}

func newBreadcrumbTrail(maxSize int) *breadcrumbTrail {
	if maxSize <= 0 {
		maxSize = DefaultMaxBreadcrumbs
	}
	return &breadcrumbTrail{
		entries: make([]Breadcrumb, 0, maxSize),
		maxSize: maxSize,
	}
}

func (t *breadcrumbTrail) add(b Breadcrumb) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, b)
	if len(t.entries) > t.maxSize {
		// Keep the most recent maxSize entries.
		t.entries = t.entries[len(t.entries)-t.maxSize:]
	}
}

// recent returns the last limit entries, oldest first. limit <= 0 returns all.
func (t *breadcrumbTrail) recent(limit int) []Breadcrumb {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.entries) {
		limit = len(t.entries)
	}
	if limit == 0 {
		return nil
	}
	result := make([]Breadcrumb, limit)
	copy(result, t.entries[len(t.entries)-limit:])
	return result
}
