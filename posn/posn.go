// Package posn implements the shared-memory position descriptor through
// which the backend publishes hardware pointer progress to the frontend.
//
// The record is a single-writer/single-reader monotonic-counter protocol:
// the backend stores the new hardware pointer, then increments be_irq_cnt;
// the frontend observes the counter before reading the pointer. Ordering
// rests entirely on atomic operations — no lock spans the two domains.
//
// Layout (16 bytes, little-endian, 8-byte aligned):
//
//	offset  size  field
//	0       8     hw_ptr      current hardware frame position
//	8       4     be_irq_cnt  incremented by the backend per update
//	12      4     fe_irq_cnt  last counter observed by the frontend
//
// Invariant: fe_irq_cnt trails be_irq_cnt; a gap greater than one means the
// frontend missed at least one wake signal.
package posn

import (
	"sync/atomic"
	"unsafe"

	"github.com/pithecene-io/virtsnd/status"
)

// DescriptorSize is the fixed byte size of the shared record.
const DescriptorSize = 16

// Descriptor is a view over one shared position record. The backend and
// frontend each hold a Descriptor over the same region, mapped into their
// respective address spaces.
type Descriptor struct {
	hw *uint64
	be *uint32
	fe *uint32
}

// New creates a descriptor over a shared region. The region must hold
// DescriptorSize bytes and be 8-byte aligned, or InvalidAddress is returned.
func New(region []byte) (*Descriptor, error) {
	if len(region) < DescriptorSize {
		return nil, status.Errorf(status.ErrInvalidAddress, "posn", "region too small")
	}
	base := unsafe.Pointer(&region[0])
	if uintptr(base)%8 != 0 {
		return nil, status.Errorf(status.ErrInvalidAddress, "posn", "region misaligned")
	}
	return &Descriptor{
		hw: (*uint64)(base),
		be: (*uint32)(unsafe.Pointer(uintptr(base) + 8)),
		fe: (*uint32)(unsafe.Pointer(uintptr(base) + 12)),
	}, nil
}

// NewLocal allocates a descriptor over a private region, for sessions whose
// two endpoints share one address space.
func NewLocal() *Descriptor {
	d, err := New(make([]byte, DescriptorSize))
	if err != nil {
		// A fresh allocation satisfies size and alignment.
		panic(err)
	}
	return d
}

// Publish stores the hardware pointer and then increments be_irq_cnt.
// Backend side only. The counter increment is the release point: a reader
// that observes the new counter value also observes the new pointer.
func (d *Descriptor) Publish(hwPtr uint64) {
	atomic.StoreUint64(d.hw, hwPtr)
	atomic.AddUint32(d.be, 1)
}

// HwPtr reads the current hardware pointer.
func (d *Descriptor) HwPtr() uint64 {
	return atomic.LoadUint64(d.hw)
}

// Pending reports whether the backend has published updates the frontend has
// not yet consumed.
func (d *Descriptor) Pending() bool {
	return atomic.LoadUint32(d.be) != atomic.LoadUint32(d.fe)
}

// Consume advances fe_irq_cnt to the backend's counter and returns the gap
// that was outstanding. Frontend side only. A gap greater than one means
// wake signals were missed; the caller logs it and proceeds with the latest
// position.
func (d *Descriptor) Consume() uint32 {
	be := atomic.LoadUint32(d.be)
	fe := atomic.LoadUint32(d.fe)
	atomic.StoreUint32(d.fe, be)
	return be - fe
}

// Counters returns a snapshot of (be_irq_cnt, fe_irq_cnt).
func (d *Descriptor) Counters() (uint32, uint32) {
	return atomic.LoadUint32(d.be), atomic.LoadUint32(d.fe)
}

// Reset zeroes the record. Called when the session's buffer is prepared.
func (d *Descriptor) Reset() {
	atomic.StoreUint64(d.hw, 0)
	atomic.StoreUint32(d.be, 0)
	atomic.StoreUint32(d.fe, 0)
}
