// Package session holds the identity stamped onto captured records: the current
// session id and the optionally identified user.
//
// A Context belongs to one logical session (a browser tab, a request scope, a CLI
// run). It is never shared across sessions, so identities cannot leak between them.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Context is the mutable session/identity state of one logical session.
type Context struct {
	mu        sync.RWMutex
	sessionID string
	userID    string
}

// Snapshot is an immutable copy of a Context taken at capture time.
type Snapshot struct {
	SessionID string
	UserID    string
}

// New creates a Context with a freshly generated session id and no user.
func New() *Context {
	return &Context{sessionID: uuid.NewString()}
}

// Restore creates a Context for a session that already has an id, e.g. one
// reported by a browser. An empty sessionID generates a new one.
func Restore(sessionID, userID string) *Context {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Context{sessionID: sessionID, userID: userID}
}

// SessionID returns the current session id.
func (c *Context) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// UserID returns the identified user, or "" when anonymous.
func (c *Context) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Snapshot returns both ids read under one lock.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{SessionID: c.sessionID, UserID: c.userID}
}

// Identify sets the user id.
func (c *Context) Identify(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// ClearUser forgets the identified user but keeps the session.
func (c *Context) ClearUser() {
	c.Identify("")
}

// Reset starts a new session and clears the user. Used on logout.
// It returns the new session id.
func (c *Context) Reset() string {
	id := uuid.NewString()
	c.mu.Lock()
	c.sessionID = id
	c.userID = ""
	c.mu.Unlock()
	return id
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session carried by ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Context)
	return s, ok && s != nil
}
