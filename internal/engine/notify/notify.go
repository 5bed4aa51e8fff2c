package notify

import (
	"sync"
	"time"
)

const (
	// TransientVisible is how long a transient notification is fully
	// shown.
	TransientVisible = 5 * time.Second

	// TransientFade is the fade-out window appended after the visible
	// period. A transient notification expires once both have elapsed.
	TransientFade = 500 * time.Millisecond
)

// Severity classifies a notification for the UI.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
)

// Notification is one message surfaced to the dashboard.
type Notification struct {
	ID       int64
	Severity Severity
	Message  string
	PostedAt time.Time

	// Persistent notifications stay until cleared explicitly.
	// Transient ones expire after TransientVisible + TransientFade.
	Persistent bool
}

// Expired reports whether a transient notification has finished both
// its visible period and its fade at the given instant.
func (n Notification) Expired(at time.Time) bool {
	if n.Persistent {
		return false
	}
	return at.Sub(n.PostedAt) >= TransientVisible+TransientFade
}

// Fading reports whether a transient notification is inside its fade
// window at the given instant.
func (n Notification) Fading(at time.Time) bool {
	if n.Persistent {
		return false
	}
	age := at.Sub(n.PostedAt)
	return age >= TransientVisible && age < TransientVisible+TransientFade
}

// Center holds the live notification set. Transient entries age out on
// read; persistent entries stay until cleared.
type Center struct {
	mu     sync.Mutex
	nextID int64
	items  []Notification
	now    func() time.Time
}

// NewCenter creates an empty notification center. now overrides the
// clock for tests; nil means time.Now.
func NewCenter(now func() time.Time) *Center {
	if now == nil {
		now = time.Now
	}
	return &Center{now: now}
}

// Transient posts a notification that expires on its own.
func (c *Center) Transient(severity Severity, message string) Notification {
	return c.post(severity, message, false)
}

// Persistent posts a notification that stays until cleared.
func (c *Center) Persistent(severity Severity, message string) Notification {
	return c.post(severity, message, true)
}

func (c *Center) post(severity Severity, message string, persistent bool) Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	c.nextID++
	n := Notification{
		ID:         c.nextID,
		Severity:   severity,
		Message:    message,
		PostedAt:   c.now(),
		Persistent: persistent,
	}
	c.items = append(c.items, n)
	return n
}

// Clear removes one notification by id. Clearing an expired or unknown
// id is a no-op.
func (c *Center) Clear(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// Active returns the notifications still alive right now, in posting
// order, dropping any transient entries that have expired.
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

// pruneLocked drops expired transient entries. Posting prunes too, so
// the set stays bounded even when nothing reads it.
func (c *Center) pruneLocked() {
	at := c.now()
	live := c.items[:0]
	for _, n := range c.items {
		if !n.Expired(at) {
			live = append(live, n)
		}
	}
	c.items = live
}
