// Package audio declares the collaborator interfaces the protocol core
// consumes: the host audio stack's substream operations and the
// guest-physical address translation service.
//
// The core never owns a device; it drives (backend) or is driven by
// (frontend) implementations of these interfaces.
package audio

import "github.com/pithecene-io/virtsnd/wire"

// Substream is one direction of one PCM device as exposed by the host audio
// stack. The backend calls these on protocol state transitions.
type Substream interface {
	Open() error
	Close() error
	HwParams(p *wire.HwParams) error
	Prepare() error
	Trigger(cmd int32) error
	// Pointer returns the current hardware frame position within the buffer.
	Pointer() (uint64, error)
}

// Device resolves substreams by (pcm id, direction). The backend consults it
// on every PCM open.
type Device interface {
	// Lookup returns the substream for the given pcm id and direction, or
	// false if the device exposes no such stream.
	Lookup(pcmID string, direction int32) (Substream, bool)
}

// DMAView exposes a stream's scatter-table page addresses for pass-through
// remapping. The backend saves the native entries on prepare and restores
// them on close.
type DMAView interface {
	// PageAddrs returns the current physical address of each buffer page.
	PageAddrs() []uint64
	// SetPageAddrs replaces the buffer page addresses.
	SetPageAddrs(addrs []uint64)
}

// Translator converts frontend guest-physical addresses into backend-usable
// ones and maps guest regions into the backend's address space.
type Translator interface {
	GuestToHost(domainID uint32, gpa uint64) (uint64, error)
	MapRegion(domainID uint32, gpa uint64, size uint64) ([]byte, error)
	UnmapRegion(domainID uint32, gpa uint64) error
}

// Allocator hands out guest regions addressable by the backend's Translator.
// The frontend allocates DMA buffers, position records, and resource
// destinations through it.
type Allocator interface {
	// Alloc returns a region of at least size bytes and the guest-physical
	// address the backend can resolve it by.
	Alloc(size uint64) (gpa uint64, region []byte, err error)
	Free(gpa uint64) error
}
