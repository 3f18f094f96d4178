// Package kctl proxies mixer control access between domains. Every control
// has one owning domain; writes from any other domain are rejected, and
// accepted writes fan out as notifications so every frontend observes the
// change.
package kctl

import (
	"sync"

	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/topology"
	"github.com/pithecene-io/virtsnd/wire"
)

// Control is a backend-side mixer control the proxy can apply values to.
type Control interface {
	// Put applies a new value. The returned flag reports whether the value
	// actually changed, which gates notification fan-out.
	Put(value *wire.KctlValue) (changed bool, err error)
	// Get reads the current value.
	Get(value *wire.KctlValue) error
}

// Notifier delivers a control-change notification to guest domains.
type Notifier interface {
	NotifyKctl(controlID string, value *wire.KctlValue)
}

// Proxy routes control writes through ownership checks to the registered
// backend controls.
type Proxy struct {
	mu       sync.RWMutex
	table    *topology.Table
	controls map[string]Control
	notify   Notifier
}

// NewProxy creates a proxy over the given ownership table. notify may be nil
// when fan-out is not wanted.
func NewProxy(table *topology.Table, notify Notifier) *Proxy {
	return &Proxy{
		table:    table,
		controls: make(map[string]Control),
		notify:   notify,
	}
}

// Register binds a backend control implementation to a control id.
func (p *Proxy) Register(controlID string, c Control) {
	p.mu.Lock()
	p.controls[controlID] = c
	p.mu.Unlock()
}

func (p *Proxy) lookup(controlID string) (Control, error) {
	p.mu.RLock()
	c, ok := p.controls[controlID]
	p.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(status.ErrNotFound, "kctl", controlID)
	}
	return c, nil
}

// Set applies a control write on behalf of a domain. Ownership resolves on
// every call, so topology reloads take effect immediately. A write that
// changes the value fans out to all domains through the notifier.
func (p *Proxy) Set(domainID uint32, controlID string, value *wire.KctlValue) error {
	owner := p.table.KctlOwner(controlID)
	if owner != domainID {
		return status.Errorf(status.ErrPermissionDenied, "kctl_set", controlID)
	}
	c, err := p.lookup(controlID)
	if err != nil {
		return err
	}
	changed, err := c.Put(value)
	if err != nil {
		return status.Wrap(status.ErrInvalidArgument, "kctl_set", controlID, err)
	}
	if changed && p.notify != nil {
		p.notify.NotifyKctl(controlID, value)
	}
	return nil
}

// Get reads a control's current value. Reads are not ownership-gated.
func (p *Proxy) Get(controlID string, value *wire.KctlValue) error {
	c, err := p.lookup(controlID)
	if err != nil {
		return err
	}
	return c.Get(value)
}

// MemControl is a plain in-memory control, used for built-in controls and in
// tests.
type MemControl struct {
	mu  sync.Mutex
	val wire.KctlValue
}

// Put implements Control.
func (m *MemControl) Put(value *wire.KctlValue) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.val == *value {
		return false, nil
	}
	m.val = *value
	return true, nil
}

// Get implements Control.
func (m *MemControl) Get(value *wire.KctlValue) error {
	m.mu.Lock()
	*value = m.val
	m.mu.Unlock()
	return nil
}
