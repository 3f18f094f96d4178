// Package topology holds the backend's ownership tables: which domain owns
// which PCM streams and mixer controls, and which topology blob each domain
// receives. The tables are loaded from configuration at startup; on real
// hardware they come out of the DSP topology image.
package topology

import (
	"sync"

	"github.com/pithecene-io/virtsnd/status"
)

// Domain describes one registered guest domain.
type Domain struct {
	Name string
	ID   uint32
	// TopologyName is the resource name of the topology blob served to this
	// domain over resource transfer.
	TopologyName string
}

// KctlDomain binds one mixer control name to its owning domain.
type KctlDomain struct {
	ControlID string
	DomainID  uint32
}

type pcmKey struct {
	pcmID     string
	direction int32
}

// Table is the ownership table. Lookups resolve on every access so a
// reloaded topology takes effect without invalidation.
type Table struct {
	mu         sync.RWMutex
	domains    []Domain
	pcmOwners  map[pcmKey]uint32
	widgetCtls []KctlDomain
	staticCtls []KctlDomain
}

// New creates an empty table.
func New() *Table {
	return &Table{pcmOwners: make(map[pcmKey]uint32)}
}

// AddDomain registers a domain definition.
func (t *Table) AddDomain(d Domain) {
	t.mu.Lock()
	t.domains = append(t.domains, d)
	t.mu.Unlock()
}

// DomainByName resolves a domain by its registration name.
func (t *Table) DomainByName(name string) (Domain, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.domains {
		if d.Name == name {
			return d, nil
		}
	}
	return Domain{}, status.Errorf(status.ErrNotFound, "domain", name)
}

// DomainByID resolves a domain by its numeric id.
func (t *Table) DomainByID(id uint32) (Domain, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.domains {
		if d.ID == id {
			return d, nil
		}
	}
	return Domain{}, status.Errorf(status.ErrNotFound, "domain", "")
}

// SetPCMOwner binds a (pcm id, direction) stream to its owning domain.
func (t *Table) SetPCMOwner(pcmID string, direction int32, domainID uint32) {
	t.mu.Lock()
	t.pcmOwners[pcmKey{pcmID, direction}] = domainID
	t.mu.Unlock()
}

// PCMOwner resolves the owning domain of a stream. Streams absent from the
// table are unowned and fail with NotFound.
func (t *Table) PCMOwner(pcmID string, direction int32) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.pcmOwners[pcmKey{pcmID, direction}]
	if !ok {
		return 0, status.Errorf(status.ErrNotFound, "pcm_owner", pcmID)
	}
	return id, nil
}

// AddWidgetKctl appends a widget-bound control ownership entry.
func (t *Table) AddWidgetKctl(e KctlDomain) {
	t.mu.Lock()
	t.widgetCtls = append(t.widgetCtls, e)
	t.mu.Unlock()
}

// AddStaticKctl appends a built-in control ownership entry. The static table
// serves controls needed before any topology is loaded; entries match in
// insertion order, first match wins.
func (t *Table) AddStaticKctl(e KctlDomain) {
	t.mu.Lock()
	t.staticCtls = append(t.staticCtls, e)
	t.mu.Unlock()
}

// KctlOwner resolves the owning domain of a mixer control. Widget-bound
// entries take precedence; controls without a widget fall back to the static
// table. Controls in neither table resolve to domain 0 (backend-owned).
func (t *Table) KctlOwner(controlID string) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.widgetCtls {
		if e.ControlID == controlID {
			return e.DomainID
		}
	}
	for _, e := range t.staticCtls {
		if e.ControlID == controlID {
			return e.DomainID
		}
	}
	return 0
}
