package audio

import (
	"sync"

	"github.com/pithecene-io/virtsnd/shmem"
	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/wire"
)

// FakeSubstream is an in-memory Substream for tests and the demo command.
// It records the call sequence and serves a programmable pointer.
type FakeSubstream struct {
	mu       sync.Mutex
	calls    []string
	pointer  uint64
	pages    []uint64
	params   wire.HwParams
	running  bool
	failOpen error
}

// NewFakeSubstream creates a fake substream with the given number of DMA
// buffer pages.
func NewFakeSubstream(pages int) *FakeSubstream {
	addrs := make([]uint64, pages)
	for i := range addrs {
		addrs[i] = 0x1000_0000 + uint64(i)*0x1000
	}
	return &FakeSubstream{pages: addrs}
}

// FailOpen makes the next Open return err.
func (f *FakeSubstream) FailOpen(err error) {
	f.mu.Lock()
	f.failOpen = err
	f.mu.Unlock()
}

func (f *FakeSubstream) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *FakeSubstream) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open")
	return f.failOpen
}

func (f *FakeSubstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.running = false
	return nil
}

func (f *FakeSubstream) HwParams(p *wire.HwParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("hw_params")
	f.params = *p
	return nil
}

func (f *FakeSubstream) Prepare() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("prepare")
	f.pointer = 0
	return nil
}

func (f *FakeSubstream) Trigger(cmd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("trigger")
	f.running = wire.TriggerRunning(cmd)
	return nil
}

func (f *FakeSubstream) Pointer() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pointer, nil
}

// Advance moves the fake hardware pointer forward by frames, wrapping at the
// negotiated buffer size.
func (f *FakeSubstream) Advance(frames uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pointer += frames
	if f.params.BufferSize > 0 {
		f.pointer %= uint64(f.params.BufferSize)
	}
	return f.pointer
}

// Calls returns the recorded call sequence.
func (f *FakeSubstream) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Running reports the state set by the last trigger.
func (f *FakeSubstream) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// PageAddrs implements DMAView.
func (f *FakeSubstream) PageAddrs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.pages))
	copy(out, f.pages)
	return out
}

// SetPageAddrs implements DMAView.
func (f *FakeSubstream) SetPageAddrs(addrs []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = make([]uint64, len(addrs))
	copy(f.pages, addrs)
}

// FakeDevice is a Device backed by a static substream table.
type FakeDevice struct {
	mu      sync.Mutex
	streams map[streamKey]*FakeSubstream
}

type streamKey struct {
	pcmID     string
	direction int32
}

// NewFakeDevice creates an empty fake device.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{streams: make(map[streamKey]*FakeSubstream)}
}

// Add registers a substream for (pcmID, direction) and returns it.
func (d *FakeDevice) Add(pcmID string, direction int32, pages int) *FakeSubstream {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := NewFakeSubstream(pages)
	d.streams[streamKey{pcmID, direction}] = s
	return s
}

// Lookup implements Device.
func (d *FakeDevice) Lookup(pcmID string, direction int32) (Substream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[streamKey{pcmID, direction}]
	return s, ok
}

// MemTranslator is a Translator over registered in-memory guest regions.
// Guest-physical addresses translate one-to-one to host-physical ones. It
// doubles as the frontend's Allocator when both domains share one process.
type MemTranslator struct {
	mu      sync.Mutex
	regions map[uint64]memRegion
	nextGPA uint64
}

type memRegion struct {
	b   []byte
	shm *shmem.Region
}

// NewMemTranslator creates an empty translator.
func NewMemTranslator() *MemTranslator {
	return &MemTranslator{regions: make(map[uint64]memRegion), nextGPA: 0x4000_0000}
}

// Alloc implements Allocator with a bump allocator over fresh shared
// regions. Regions are page-granular in address assignment.
func (t *MemTranslator) Alloc(size uint64) (uint64, []byte, error) {
	shm, err := shmem.NewAnon(int(size))
	if err != nil {
		return 0, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	gpa := t.nextGPA
	t.nextGPA += (size + 0xfff) &^ 0xfff
	t.regions[gpa] = memRegion{b: shm.Bytes(), shm: shm}
	return gpa, shm.Bytes(), nil
}

// Free implements Allocator.
func (t *MemTranslator) Free(gpa uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.regions[gpa]
	if !ok {
		return status.Errorf(status.ErrInvalidAddress, "free_guest", "")
	}
	delete(t.regions, gpa)
	if r.shm != nil {
		return r.shm.Close()
	}
	return nil
}

// Register makes a guest region available at the given guest-physical
// address.
func (t *MemTranslator) Register(gpa uint64, region []byte) {
	t.mu.Lock()
	t.regions[gpa] = memRegion{b: region}
	t.mu.Unlock()
}

// GuestToHost implements Translator. Addresses inside a registered region
// translate identically; anything else fails.
func (t *MemTranslator) GuestToHost(_ uint32, gpa uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for base, region := range t.regions {
		if gpa >= base && gpa < base+uint64(len(region.b)) {
			return gpa, nil
		}
	}
	return 0, status.Errorf(status.ErrInvalidAddress, "gpa2hpa", "")
}

// MapRegion implements Translator.
func (t *MemTranslator) MapRegion(_ uint32, gpa uint64, size uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	region, ok := t.regions[gpa]
	if !ok || uint64(len(region.b)) < size {
		return nil, status.Errorf(status.ErrInvalidAddress, "map_guest", "")
	}
	return region.b[:size], nil
}

// UnmapRegion implements Translator.
func (t *MemTranslator) UnmapRegion(_ uint32, gpa uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.regions[gpa]; !ok {
		return status.Errorf(status.ErrInvalidAddress, "unmap_guest", "")
	}
	return nil
}
