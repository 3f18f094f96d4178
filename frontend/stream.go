package frontend

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/virtsnd/posn"
	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/transport"
	"github.com/pithecene-io/virtsnd/wire"
)

// StreamState is the frontend's per-stream lifecycle state.
type StreamState int

const (
	StateClosed StreamState = iota
	StateOpened
	StateConfigured
	StatePrepared
	StateRunning
)

func (s StreamState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateConfigured:
		return "configured"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// StreamConfig sizes a stream's shared DMA buffer at open time.
type StreamConfig struct {
	PCMID     string
	Direction int32
	// BufferBytes is the DMA buffer allocation, made before parameter
	// negotiation and therefore sized for the largest supported format.
	BufferBytes uint64
	Pages       uint32
}

// PeriodHandler observes period-boundary position updates. hwPtr is the
// cumulative frame count since prepare.
type PeriodHandler func(hwPtr uint64)

// Stream is one open substream session with the backend. All protocol
// operations are serialized per stream; position wakes that find the stream
// busy retry on the device scheduler instead of blocking the scan.
type Stream struct {
	dev *Device
	cfg StreamConfig

	mu    sync.Mutex
	state StreamState

	bufGPA uint64
	buf    []byte
	posGPA uint64
	pos    *posn.Descriptor

	params wire.HwParams

	// Cumulative position reconstruction: the shared record carries the
	// in-buffer pointer, so wraps are counted locally.
	lastPtr uint64
	wraps   uint64

	onPeriod PeriodHandler
	wakeItem *transport.WorkItem
}

// OpenStream opens a substream session. The DMA buffer and position record
// are allocated here; their guest addresses ride the prepare request, which
// is where the backend binds them. A timed-out open is compensated with a
// synthetic close once its reply surfaces; the stream stays closed either
// way.
func (d *Device) OpenStream(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	if !wire.ValidPCMID(cfg.PCMID) {
		return nil, status.Errorf(status.ErrInvalidArgument, "pcm_open", cfg.PCMID)
	}
	key := streamKey{cfg.PCMID, cfg.Direction}
	d.mu.Lock()
	if _, exists := d.streams[key]; exists {
		d.mu.Unlock()
		return nil, status.Errorf(status.ErrBusy, "pcm_open", cfg.PCMID)
	}
	d.mu.Unlock()

	st := &Stream{dev: d, cfg: cfg}
	st.wakeItem = d.sched.NewItem(func() {
		// Request completions drain on the same scheduler goroutine, and
		// the request path holds st.mu for a full round trip; blocking
		// here would starve every in-flight request. Back off and retry.
		if !st.mu.TryLock() {
			time.AfterFunc(time.Millisecond, func() { st.wakeItem.Schedule() })
			return
		}
		st.handleWakeLocked()
		st.mu.Unlock()
	})

	var err error
	st.bufGPA, st.buf, err = d.alloc.Alloc(cfg.BufferBytes)
	if err != nil {
		return nil, status.Wrap(status.ErrInvalidAddress, "pcm_open", cfg.PCMID, err)
	}
	var posRegion []byte
	st.posGPA, posRegion, err = d.alloc.Alloc(posn.DescriptorSize)
	if err == nil {
		st.pos, err = posn.New(posRegion)
	}
	if err != nil {
		st.freeRegions()
		return nil, status.Wrap(status.ErrInvalidAddress, "pcm_open", cfg.PCMID, err)
	}

	hdr := wire.PCMHeader(wire.CmdPCMOpen, cfg.PCMID, cfg.Direction)
	if err := d.pcmCall(ctx, hdr, nil, d.opts.RequestTimeout); err != nil {
		st.freeRegions()
		return nil, err
	}

	st.state = StateOpened
	d.mu.Lock()
	d.streams[key] = st
	d.mu.Unlock()
	return st, nil
}

func (st *Stream) freeRegions() {
	if st.buf != nil {
		_ = st.dev.alloc.Free(st.bufGPA)
		st.buf = nil
	}
	if st.pos != nil {
		_ = st.dev.alloc.Free(st.posGPA)
		st.pos = nil
	}
}

// State returns the stream's lifecycle state.
func (st *Stream) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Buffer returns the stream's shared DMA buffer.
func (st *Stream) Buffer() []byte {
	return st.buf
}

// OnPeriod installs the period-boundary callback.
func (st *Stream) OnPeriod(fn PeriodHandler) {
	st.mu.Lock()
	st.onPeriod = fn
	st.mu.Unlock()
}

func (st *Stream) requireState(op string, allowed ...StreamState) error {
	for _, s := range allowed {
		if st.state == s {
			return nil
		}
	}
	if st.state == StateClosed {
		return status.Errorf(status.ErrNoSuchStream, op, st.cfg.PCMID)
	}
	return status.Errorf(status.ErrInvalidArgument, op, st.cfg.PCMID)
}

// HwParams negotiates the stream's hardware parameters. Valid from opened or
// configured; reconfiguration before prepare is allowed.
func (st *Stream) HwParams(ctx context.Context, p *wire.HwParams) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.requireState("pcm_hw_params", StateOpened, StateConfigured); err != nil {
		return err
	}
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	hdr := wire.PCMHeader(wire.CmdPCMHwParams, st.cfg.PCMID, st.cfg.Direction)
	if err := st.dev.pcmCall(ctx, hdr, payload, st.dev.opts.RequestTimeout); err != nil {
		return err
	}
	st.params = *p
	st.state = StateConfigured
	return nil
}

// Prepare readies the stream and zeroes the position reconstruction.
// Re-preparing a prepared stream is allowed.
func (st *Stream) Prepare(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.requireState("pcm_prepare", StateConfigured, StatePrepared); err != nil {
		return err
	}
	// Prepare carries the guest binding: the backend remaps its scatter
	// table onto the buffer and maps the position record here, so a
	// re-prepare can rebind a fresh buffer.
	dma := wire.DMAConfig{
		Addr:          st.bufGPA,
		Size:          st.cfg.BufferBytes,
		Pages:         st.cfg.Pages,
		StreamPosAddr: st.posGPA,
		StreamPosSize: posn.DescriptorSize,
	}
	payload, _ := dma.MarshalBinary()
	hdr := wire.PCMHeader(wire.CmdPCMPrepare, st.cfg.PCMID, st.cfg.Direction)
	if err := st.dev.pcmCall(ctx, hdr, payload, st.dev.opts.RequestTimeout); err != nil {
		return err
	}
	st.lastPtr = 0
	st.wraps = 0
	st.state = StatePrepared
	return nil
}

// Trigger starts, stops, pauses, or resumes the stream. Start-class commands
// require a prepared or paused stream; stop-class commands require a running
// one.
func (st *Stream) Trigger(ctx context.Context, cmd int32) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if wire.TriggerRunning(cmd) {
		if err := st.requireState("pcm_trigger", StatePrepared); err != nil {
			return err
		}
	} else {
		if err := st.requireState("pcm_trigger", StateRunning); err != nil {
			return err
		}
	}

	t := wire.Trigger{Cmd: cmd}
	payload, _ := t.MarshalBinary()
	hdr := wire.PCMHeader(wire.CmdPCMTrigger, st.cfg.PCMID, st.cfg.Direction)
	if err := st.dev.pcmCall(ctx, hdr, payload, st.dev.opts.TriggerTimeout); err != nil {
		return err
	}
	if wire.TriggerRunning(cmd) {
		st.state = StateRunning
	} else {
		st.state = StatePrepared
	}
	return nil
}

// Recover restarts a stream that overran its buffer: stop, then prepare.
// Position bookkeeping resets with the prepare; the caller refills the
// buffer and triggers a fresh start.
func (st *Stream) Recover(ctx context.Context) error {
	if err := st.Trigger(ctx, wire.TriggerStop); err != nil {
		return err
	}
	return st.Prepare(ctx)
}

// Close releases the stream session. Closing an already closed stream fails
// NoSuchStream. The shared regions are freed whether or not the backend
// acknowledged in time; its compensation path handles the rest.
func (st *Stream) Close(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StateClosed {
		return status.Errorf(status.ErrNoSuchStream, "pcm_close", st.cfg.PCMID)
	}

	hdr := wire.PCMHeader(wire.CmdPCMClose, st.cfg.PCMID, st.cfg.Direction)
	err := st.dev.pcmCall(ctx, hdr, nil, st.dev.opts.RequestTimeout)

	st.state = StateClosed
	st.freeRegions()

	key := streamKey{st.cfg.PCMID, st.cfg.Direction}
	st.dev.mu.Lock()
	delete(st.dev.streams, key)
	st.dev.mu.Unlock()
	return err
}

// handleWakeLocked consumes one position update batch. Called with the
// stream lock held, from the interrupt scan or the retry work item.
func (st *Stream) handleWakeLocked() {
	if st.pos == nil || !st.pos.Pending() {
		return
	}
	gap := st.pos.Consume()
	if gap > 1 {
		st.dev.met.AddMissedInterrupts(int64(gap - 1))
		st.dev.log.Warn("missed interrupts", map[string]any{
			"pcm_id": st.cfg.PCMID, "missed": gap - 1,
		})
	}

	ptr := st.pos.HwPtr()
	if ptr < st.lastPtr {
		st.wraps++
	}
	st.lastPtr = ptr

	if st.onPeriod != nil {
		st.onPeriod(st.framesLocked())
	}
}

func (st *Stream) framesLocked() uint64 {
	return st.wraps*uint64(st.params.BufferSize) + st.lastPtr
}

// Pointer returns the current in-buffer hardware position in frames.
func (st *Stream) Pointer() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pos != nil && st.pos.Pending() {
		st.handleWakeLocked()
	}
	return st.lastPtr
}

// Frames returns the cumulative hardware position since prepare,
// reconstructed from the in-buffer pointer and the locally counted wraps.
func (st *Stream) Frames() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pos != nil && st.pos.Pending() {
		st.handleWakeLocked()
	}
	return st.framesLocked()
}

// CheckXRun compares the application's cumulative frame position against the
// hardware's. Hardware running more than one buffer ahead means the
// application lost the race.
func (st *Stream) CheckXRun(appFrames uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != StateRunning || st.params.BufferSize == 0 {
		return nil
	}
	hw := st.framesLocked()
	if hw > appFrames && hw-appFrames > uint64(st.params.BufferSize) {
		return status.Errorf(status.ErrXRun, "pcm", st.cfg.PCMID)
	}
	return nil
}
