package notify

import "sync"

// Connectivity turns network edges into user-facing notifications. Going
// offline posts a persistent warning; coming back online clears that
// warning and announces the recovery with a transient success.
type Connectivity struct {
	center *Center

	mu        sync.Mutex
	warningID int64
}

// NewConnectivity creates the connectivity notifier over a center.
func NewConnectivity(center *Center) *Connectivity {
	return &Connectivity{center: center}
}

// Offline posts the persistent offline warning. Repeated offline edges
// keep a single warning, not one per flap.
func (c *Connectivity) Offline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warningID != 0 {
		c.center.Clear(c.warningID)
	}
	c.warningID = c.center.Persistent(SeverityWarning,
		"You are offline, changes will sync when connection returns").ID
}

// Online clears the offline warning, if one is up, and posts the
// transient recovery notice.
func (c *Connectivity) Online() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warningID != 0 {
		c.center.Clear(c.warningID)
		c.warningID = 0
	}
	c.center.Transient(SeveritySuccess, "Back online, changes synced")
}
