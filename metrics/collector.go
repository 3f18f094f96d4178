// Package metrics provides endpoint metrics collection.
//
// The Collector accumulates counters for one endpoint (frontend or backend).
// It is a leaf package with no internal dependencies; message-path code
// increments counters live and surfaces read them through Snapshot.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Request lifecycle
	RequestsSent      int64
	RequestsCompleted int64
	RequestsTimedOut  int64
	RequestsRetried   int64

	// Notifications
	NotificationsQueued    int64
	NotificationsDelivered int64
	NotificationsDropped   int64

	// Stream position
	PositionPublishes int64
	MissedInterrupts  int64

	// Access control
	PermissionDenials int64

	// Decode
	DecodeErrors int64

	// Dimensions (informational, set at construction)
	Role       string
	DomainName string
}

// Collector accumulates counters for one endpoint.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	requestsSent      int64
	requestsCompleted int64
	requestsTimedOut  int64
	requestsRetried   int64

	notificationsQueued    int64
	notificationsDelivered int64
	notificationsDropped   int64

	positionPublishes int64
	missedInterrupts  int64

	permissionDenials int64
	decodeErrors      int64

	role       string
	domainName string
}

// NewCollector creates a Collector with dimension labels. role is "frontend"
// or "backend"; domainName is the endpoint's registered domain name.
func NewCollector(role, domainName string) *Collector {
	return &Collector{role: role, domainName: domainName}
}

// --- Request lifecycle ---

// IncRequestSent records a request submitted to the command channel.
func (c *Collector) IncRequestSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsSent++
	c.mu.Unlock()
}

// IncRequestCompleted records a request whose reply arrived in time.
func (c *Collector) IncRequestCompleted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsCompleted++
	c.mu.Unlock()
}

// IncRequestTimedOut records a request that expired before its reply.
func (c *Collector) IncRequestTimedOut() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsTimedOut++
	c.mu.Unlock()
}

// IncRequestRetried records a request re-submitted after a full channel.
func (c *Collector) IncRequestRetried() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsRetried++
	c.mu.Unlock()
}

// --- Notifications ---

// IncNotificationQueued records a notification parked for later delivery.
func (c *Collector) IncNotificationQueued() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notificationsQueued++
	c.mu.Unlock()
}

// IncNotificationDelivered records a notification handed to the peer.
func (c *Collector) IncNotificationDelivered() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notificationsDelivered++
	c.mu.Unlock()
}

// IncNotificationDropped records a notification discarded on detach.
func (c *Collector) IncNotificationDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notificationsDropped++
	c.mu.Unlock()
}

// --- Stream position ---

// IncPositionPublish records a period-boundary position publish.
func (c *Collector) IncPositionPublish() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.positionPublishes++
	c.mu.Unlock()
}

// AddMissedInterrupts records position updates observed late in one batch.
func (c *Collector) AddMissedInterrupts(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.missedInterrupts += n
	c.mu.Unlock()
}

// --- Access control / decode ---

// IncPermissionDenial records a cross-domain access rejection.
func (c *Collector) IncPermissionDenial() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.permissionDenials++
	c.mu.Unlock()
}

// IncDecodeError records a malformed message.
func (c *Collector) IncDecodeError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.decodeErrors++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		RequestsSent:      c.requestsSent,
		RequestsCompleted: c.requestsCompleted,
		RequestsTimedOut:  c.requestsTimedOut,
		RequestsRetried:   c.requestsRetried,

		NotificationsQueued:    c.notificationsQueued,
		NotificationsDelivered: c.notificationsDelivered,
		NotificationsDropped:   c.notificationsDropped,

		PositionPublishes: c.positionPublishes,
		MissedInterrupts:  c.missedInterrupts,

		PermissionDenials: c.permissionDenials,
		DecodeErrors:      c.decodeErrors,

		Role:       c.role,
		DomainName: c.domainName,
	}
}
