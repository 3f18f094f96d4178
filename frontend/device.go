// Package frontend implements the driver-side protocol core: it issues PCM,
// mixer-control, and configuration requests over the shared channels, posts
// inbox buffers for unsolicited notifications, and consumes published
// stream positions.
package frontend

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/virtsnd/audio"
	"github.com/pithecene-io/virtsnd/log"
	"github.com/pithecene-io/virtsnd/metrics"
	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/transport"
	"github.com/pithecene-io/virtsnd/wire"
)

// Options configures a frontend Device.
type Options struct {
	Log        *log.Logger
	Metrics    *metrics.Collector
	DomainName string
	Alloc      audio.Allocator

	// RequestTimeout bounds every command round trip.
	RequestTimeout time.Duration
	// TriggerTimeout bounds trigger commands; shorter than RequestTimeout
	// because triggers run on the audio path.
	TriggerTimeout time.Duration
	// RetryInterval paces idempotent configuration requests that find the
	// channel full or expire unanswered.
	RetryInterval time.Duration
	// RetryAttempts caps those retries; zero means unlimited.
	RetryAttempts int
	// InboxBuffers is how many notification buffers stay posted.
	InboxBuffers int
}

// KctlChangeHandler observes control-change notifications from the backend.
type KctlChangeHandler func(controlID string, value *wire.KctlValue)

// Device is the frontend protocol core: one attached channel set, one
// registered domain identity.
type Device struct {
	log   *log.Logger
	met   *metrics.Collector
	alloc audio.Allocator
	opts  Options

	ch    *transport.Channels
	reqs  *caller
	dsp   *caller
	sched *transport.Scheduler

	reqDrainItem *transport.WorkItem
	dspDrainItem *transport.WorkItem
	posItem      *transport.WorkItem
	inboxItem    *transport.WorkItem

	mu         sync.Mutex
	domainID   uint32
	registered bool
	streams    map[streamKey]*Stream
	inboxBufs  map[uint64][]byte
	onKctl     KctlChangeHandler
}

type streamKey struct {
	pcmID     string
	direction int32
}

// New creates a frontend device and wires it to a channel set. Interrupt
// callbacks only schedule work; draining runs on the device's scheduler
// goroutine.
func New(ch *transport.Channels, opts Options) *Device {
	if opts.Log == nil {
		opts.Log = log.Nop()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = time.Second
	}
	if opts.TriggerTimeout == 0 {
		opts.TriggerTimeout = 500 * time.Millisecond
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.InboxBuffers == 0 {
		opts.InboxBuffers = 16
	}

	d := &Device{
		log:       opts.Log,
		met:       opts.Metrics,
		alloc:     opts.Alloc,
		opts:      opts,
		ch:        ch,
		reqs:      newCaller(ch.NotTx, opts.Metrics),
		dsp:       newCaller(ch.CmdTx, opts.Metrics),
		sched:     transport.NewScheduler(),
		streams:   make(map[streamKey]*Stream),
		inboxBufs: make(map[uint64][]byte),
	}

	d.reqDrainItem = d.sched.NewItem(func() { d.reqs.drain(d.compensate) })
	d.dspDrainItem = d.sched.NewItem(func() { d.dsp.drain(nil) })
	d.posItem = d.sched.NewItem(d.scanPositions)
	d.inboxItem = d.sched.NewItem(d.drainInbox)

	ch.NotTx.OnInterrupt(func() { d.reqDrainItem.Schedule() })
	ch.CmdTx.OnInterrupt(func() { d.dspDrainItem.Schedule() })
	ch.CmdRx.OnInterrupt(func() { d.posItem.Schedule() })
	ch.NotRx.OnInterrupt(func() { d.inboxItem.Schedule() })

	d.postInbox()
	return d
}

// Stop halts the device's scheduler goroutine.
func (d *Device) Stop() {
	d.sched.Stop()
}

// DomainID returns the id assigned at registration.
func (d *Device) DomainID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.domainID
}

// identify stamps the device's domain identity into an envelope.
func (d *Device) identify(hdr *wire.Header) {
	d.mu.Lock()
	hdr.DomainID = d.domainID
	hdr.DomainName = d.opts.DomainName
	d.mu.Unlock()
}

// call runs one identified round trip on the request channel.
func (d *Device) call(ctx context.Context, hdr wire.Header, payload []byte, replyLen int, timeout time.Duration) ([]byte, error) {
	d.identify(&hdr)
	return d.reqs.call(ctx, hdr, payload, replyLen, timeout)
}

// pcmCall runs a PCM round trip and lifts the peer's status reply into an
// error.
func (d *Device) pcmCall(ctx context.Context, hdr wire.Header, payload []byte, timeout time.Duration) error {
	rx, err := d.call(ctx, hdr, payload, wire.PCMResultSize, timeout)
	if err != nil {
		return err
	}
	var res wire.PCMResult
	if err := res.UnmarshalBinary(rx); err != nil {
		return err
	}
	if rerr := status.FromCode(res.Ret); rerr != nil {
		return status.Errorf(rerr, "pcm", hdr.PCM.PCMID)
	}
	return nil
}

// compensate undoes peer-side effects of requests whose reply arrived after
// the deadline. An expired open leaves the backend holding a session the
// requester never saw, so a synthetic close follows it.
func (d *Device) compensate(hdr wire.Header) {
	d.log.Warn("request expired before reply", map[string]any{
		"cmd": hdr.Cmd, "pcm_id": hdr.PCM.PCMID,
	})
	if hdr.Cmd != wire.CmdPCMOpen {
		return
	}
	closeHdr := wire.PCMHeader(wire.CmdPCMClose, hdr.PCM.PCMID, hdr.PCM.Direction)
	d.identify(&closeHdr)
	if err := d.reqs.post(closeHdr, nil, wire.PCMResultSize); err != nil {
		d.log.Error("compensating close not sent", map[string]any{
			"pcm_id": hdr.PCM.PCMID, "error": err.Error(),
		})
	}
}

// cfgCall runs one idempotent configuration round trip. A full channel or
// an expired request backs off and retries a bounded number of times;
// classified failures surface immediately.
func (d *Device) cfgCall(ctx context.Context, hdr wire.Header, payload []byte, replyLen int) ([]byte, error) {
	attempt := 0
	for {
		attempt++
		rx, err := d.call(ctx, hdr, payload, replyLen, d.opts.RequestTimeout)
		if err == nil {
			return rx, nil
		}
		code := status.Code(err)
		if code != status.CodeChannelFull && code != status.CodeDeadlineExceeded {
			return nil, err
		}
		if d.opts.RetryAttempts > 0 && attempt >= d.opts.RetryAttempts {
			return nil, err
		}
		d.met.IncRequestRetried()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.opts.RetryInterval):
		}
	}
}

// Register announces the domain to the backend and adopts the assigned id.
func (d *Device) Register(ctx context.Context) error {
	hdr := wire.Header{Cmd: wire.CmdCfgDomain}
	rx, err := d.cfgCall(ctx, hdr, nil, wire.DomainInfoSize)
	if err != nil {
		return err
	}
	var info wire.DomainInfo
	if err := info.UnmarshalBinary(rx); err != nil {
		return err
	}
	if rerr := status.FromCode(info.Ret); rerr != nil {
		return status.Errorf(rerr, "register", d.opts.DomainName)
	}
	d.mu.Lock()
	d.domainID = info.DomainID
	d.registered = true
	d.mu.Unlock()
	d.log.Info("registered with backend", map[string]any{
		"domain_id": info.DomainID,
	})
	return nil
}

// KctlSet writes a mixer-control value through the backend proxy.
func (d *Device) KctlSet(ctx context.Context, controlID string, value *wire.KctlValue) error {
	payload, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	hdr := wire.KctlHeader(wire.CmdKctlSet, controlID)
	rx, err := d.call(ctx, hdr, payload, wire.KctlResultSize, d.opts.RequestTimeout)
	if err != nil {
		return err
	}
	var res wire.KctlResult
	if err := res.UnmarshalBinary(rx); err != nil {
		return err
	}
	if rerr := status.FromCode(res.Ret); rerr != nil {
		return status.Errorf(rerr, "kctl_set", controlID)
	}
	return nil
}

// OnKctlChange installs the handler for backend control-change
// notifications.
func (d *Device) OnKctlChange(fn KctlChangeHandler) {
	d.mu.Lock()
	d.onKctl = fn
	d.mu.Unlock()
}

// QueryHDA fetches the backend's controller capability block.
func (d *Device) QueryHDA(ctx context.Context) (wire.HDAConfig, error) {
	hdr := wire.Header{Cmd: wire.CmdCfgHDA}
	rx, err := d.cfgCall(ctx, hdr, nil, wire.HDAConfigSize)
	if err != nil {
		return wire.HDAConfig{}, err
	}
	var cfg wire.HDAConfig
	if err := cfg.UnmarshalBinary(rx); err != nil {
		return wire.HDAConfig{}, err
	}
	return cfg, nil
}

// SendDSP forwards one opaque firmware command and returns the reply bytes.
func (d *Device) SendDSP(ctx context.Context, req []byte, replyLen int) ([]byte, error) {
	return d.dsp.call(ctx, wire.Header{Cmd: wire.MsgTypeCfg}, req, replyLen, d.opts.RequestTimeout)
}

// postInbox fills the inbox channel with empty notification buffers.
func (d *Device) postInbox() {
	d.mu.Lock()
	defer d.mu.Unlock()
	posted := false
	for len(d.inboxBufs) < d.opts.InboxBuffers {
		buf := make([]byte, wire.InboxSize)
		token, err := d.ch.NotRx.Submit(nil, [][]byte{buf})
		if err != nil {
			break
		}
		d.inboxBufs[token] = buf
		posted = true
	}
	if posted {
		d.ch.NotRx.Kick()
	}
}

// drainInbox consumes filled notification buffers, dispatches them, and
// re-posts each buffer so the backend never starves.
func (d *Device) drainInbox() {
	for {
		comp, ok := d.ch.NotRx.Poll()
		if !ok {
			break
		}
		d.mu.Lock()
		buf, tracked := d.inboxBufs[comp.Token]
		delete(d.inboxBufs, comp.Token)
		handler := d.onKctl
		d.mu.Unlock()
		if !tracked {
			continue
		}
		if comp.Written > 0 {
			d.dispatchInbox(buf[:comp.Written], handler)
		}
	}
	d.postInbox()
}

func (d *Device) dispatchInbox(buf []byte, handler KctlChangeHandler) {
	kind, err := wire.InboxMsgType(buf)
	if err != nil {
		d.met.IncDecodeError()
		return
	}
	switch kind {
	case wire.CmdKctlNotify:
		var n wire.KctlNotify
		if err := n.UnmarshalBinary(buf); err != nil {
			d.met.IncDecodeError()
			d.log.Warn("malformed notification dropped", map[string]any{"error": err.Error()})
			return
		}
		d.met.IncNotificationDelivered()
		if handler != nil {
			handler(n.ControlID, &n.Value)
		}
	default:
		d.met.IncDecodeError()
		d.log.Warn("unknown notification kind", map[string]any{"kind": kind})
	}
}

// scanPositions visits every open stream after a position interrupt. A
// stream whose lock is contended is not handled inline; its own work item
// retries so the scan never blocks behind a slow stream.
func (d *Device) scanPositions() {
	d.mu.Lock()
	streams := make([]*Stream, 0, len(d.streams))
	for _, st := range d.streams {
		streams = append(streams, st)
	}
	d.mu.Unlock()

	for _, st := range streams {
		if !st.mu.TryLock() {
			st.wakeItem.Schedule()
			continue
		}
		st.handleWakeLocked()
		st.mu.Unlock()
	}
}
