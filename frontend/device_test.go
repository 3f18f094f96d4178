package frontend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/virtsnd/audio"
	"github.com/pithecene-io/virtsnd/backend"
	"github.com/pithecene-io/virtsnd/kctl"
	"github.com/pithecene-io/virtsnd/metrics"
	"github.com/pithecene-io/virtsnd/resource"
	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/topology"
	"github.com/pithecene-io/virtsnd/transport"
	"github.com/pithecene-io/virtsnd/wire"
)

// pair is an in-process frontend/backend endpoint pair over one channel set.
type pair struct {
	be    *backend.Service
	fe    *Device
	sub   *audio.FakeSubstream
	tr    *audio.MemTranslator
	feMet *metrics.Collector
	beMet *metrics.Collector
}

func newPair(t *testing.T, domainName string) *pair {
	t.Helper()

	table := topology.New()
	table.AddDomain(topology.Domain{Name: "guest-audio", ID: 1, TopologyName: "guest-audio.tplg"})
	table.AddDomain(topology.Domain{Name: "guest-media", ID: 2, TopologyName: "guest-media.tplg"})
	table.SetPCMOwner("Speaker", wire.DirPlayback, 1)
	table.AddStaticKctl(topology.KctlDomain{ControlID: "Master Playback Volume", DomainID: 1})

	tr := audio.NewMemTranslator()
	dev := audio.NewFakeDevice()
	sub := dev.Add("Speaker", wire.DirPlayback, 4)

	res := resource.NewStore()
	res.Put(wire.ResTopology, "guest-audio.tplg", []byte("fat chunk of topology"))

	beMet := metrics.NewCollector("backend", "host")
	be := backend.New(backend.Options{
		Metrics: beMet,
		Table:   table,
		Device:  dev,
		Xlate:   tr,
		Res:     res,
		HDA:     wire.HDAConfig{CpStreams: 4, PbStreams: 4},
	})
	t.Cleanup(be.Stop)
	be.Kctls().Register("Master Playback Volume", &kctl.MemControl{})

	ch := transport.NewChannels(16)
	be.Attach(ch)

	feMet := metrics.NewCollector("frontend", domainName)
	fe := New(ch, Options{
		Metrics:    feMet,
		DomainName: domainName,
		Alloc:      tr,
	})
	t.Cleanup(fe.Stop)

	return &pair{be: be, fe: fe, sub: sub, tr: tr, feMet: feMet, beMet: beMet}
}

func (p *pair) openRunning(t *testing.T, ctx context.Context) *Stream {
	t.Helper()
	st, err := p.fe.OpenStream(ctx, StreamConfig{
		PCMID:       "Speaker",
		Direction:   wire.DirPlayback,
		BufferBytes: 4 * 4096,
		Pages:       4,
	})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	params := wire.HwParams{Rate: 48000, Channels: 2, BufferSize: 4096, PeriodSize: 512}
	if err := st.HwParams(ctx, &params); err != nil {
		t.Fatalf("HwParams: %v", err)
	}
	if err := st.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := st.Trigger(ctx, wire.TriggerStart); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	return st
}

func TestRegister_AdoptsAssignedID(t *testing.T) {
	p := newPair(t, "guest-audio")

	if err := p.fe.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := p.fe.DomainID(); got != 1 {
		t.Errorf("DomainID = %d, want 1", got)
	}
}

func TestRegister_UnknownDomainRejected(t *testing.T) {
	p := newPair(t, "stranger")

	err := p.fe.Register(context.Background())
	if !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("Register = %v, want ErrNotFound", err)
	}
}

func TestRegister_RetriesOnTimeoutThenGivesUp(t *testing.T) {
	// No backend attached: every attempt expires.
	ch := transport.NewChannels(4)
	met := metrics.NewCollector("frontend", "guest-audio")
	fe := New(ch, Options{
		Metrics:          met,
		DomainName:       "guest-audio",
		RequestTimeout:   20 * time.Millisecond,
		RetryInterval:    5 * time.Millisecond,
		RetryAttempts:    3,
	})
	defer fe.Stop()

	err := fe.Register(context.Background())
	if !errors.Is(err, status.ErrDeadlineExceeded) {
		t.Fatalf("Register = %v, want ErrDeadlineExceeded", err)
	}
	s := met.Snapshot()
	if s.RequestsRetried != 2 {
		t.Errorf("RequestsRetried = %d, want 2", s.RequestsRetried)
	}
	if s.RequestsTimedOut != 3 {
		t.Errorf("RequestsTimedOut = %d, want 3", s.RequestsTimedOut)
	}
}

func TestStreamLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}

	st := p.openRunning(t, ctx)
	if st.State() != StateRunning {
		t.Fatalf("state = %v, want running", st.State())
	}
	if !p.sub.Running() {
		t.Error("host substream should be running")
	}

	periods := make(chan uint64, 16)
	st.OnPeriod(func(frames uint64) { periods <- frames })

	var want uint64
	for i := 0; i < 3; i++ {
		p.sub.Advance(512)
		p.be.NotifyStreamUpdate("Speaker", wire.DirPlayback)
		want += 512
		select {
		case got := <-periods:
			if got != want {
				t.Errorf("period %d frames = %d, want %d", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("period %d never observed", i)
		}
	}
	if got := st.Frames(); got != want {
		t.Errorf("Frames = %d, want %d", got, want)
	}
	if got := st.Pointer(); got != want%4096 {
		t.Errorf("Pointer = %d, want %d", got, want%4096)
	}

	if err := st.Trigger(ctx, wire.TriggerStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State() != StatePrepared {
		t.Errorf("state after stop = %v, want prepared", st.State())
	}
	if err := st.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st.State() != StateClosed {
		t.Errorf("state after close = %v, want closed", st.State())
	}
}

func TestStream_CumulativeFramesAcrossWrap(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}
	st := p.openRunning(t, ctx)
	defer st.Close(ctx)

	periods := make(chan uint64, 16)
	st.OnPeriod(func(frames uint64) { periods <- frames })

	// Three half-buffer advances: the in-buffer pointer wraps to zero on the
	// second one, and the cumulative count keeps climbing.
	for i := 1; i <= 3; i++ {
		p.sub.Advance(2048)
		p.be.NotifyStreamUpdate("Speaker", wire.DirPlayback)
		select {
		case got := <-periods:
			if want := uint64(i) * 2048; got != want {
				t.Errorf("advance %d frames = %d, want %d", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("advance %d never observed", i)
		}
	}
}

func TestStream_CheckXRun(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}
	st := p.openRunning(t, ctx)
	defer st.Close(ctx)

	periods := make(chan uint64, 16)
	st.OnPeriod(func(frames uint64) { periods <- frames })

	for i := 0; i < 3; i++ {
		p.sub.Advance(2048)
		p.be.NotifyStreamUpdate("Speaker", wire.DirPlayback)
		select {
		case <-periods:
		case <-time.After(time.Second):
			t.Fatal("period never observed")
		}
	}

	// Hardware at 6144 cumulative frames. An application still at zero is a
	// full buffer behind; one at 4096 is within bounds.
	if err := st.CheckXRun(0); !errors.Is(err, status.ErrXRun) {
		t.Errorf("CheckXRun(0) = %v, want ErrXRun", err)
	}
	if err := st.CheckXRun(4096); err != nil {
		t.Errorf("CheckXRun(4096) = %v, want nil", err)
	}
}

func TestStream_Recover(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}
	st := p.openRunning(t, ctx)
	defer st.Close(ctx)

	periods := make(chan uint64, 16)
	st.OnPeriod(func(frames uint64) { periods <- frames })
	p.sub.Advance(512)
	p.be.NotifyStreamUpdate("Speaker", wire.DirPlayback)
	select {
	case <-periods:
	case <-time.After(time.Second):
		t.Fatal("period never observed")
	}

	if err := st.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if st.State() != StatePrepared {
		t.Errorf("state = %v, want prepared", st.State())
	}
	if got := st.Frames(); got != 0 {
		t.Errorf("Frames after recover = %d, want 0", got)
	}
	if err := st.Trigger(ctx, wire.TriggerStart); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestStream_StateMachineRejections(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}

	st, err := p.fe.OpenStream(ctx, StreamConfig{
		PCMID: "Speaker", Direction: wire.DirPlayback, BufferBytes: 4096, Pages: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Opened but not configured: prepare and trigger are invalid.
	if err := st.Prepare(ctx); !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("Prepare from opened = %v, want ErrInvalidArgument", err)
	}
	if err := st.Trigger(ctx, wire.TriggerStart); !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("Trigger from opened = %v, want ErrInvalidArgument", err)
	}

	params := wire.HwParams{BufferSize: 1024, PeriodSize: 256}
	if err := st.HwParams(ctx, &params); err != nil {
		t.Fatal(err)
	}
	// Stop without start.
	if err := st.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.Trigger(ctx, wire.TriggerStop); !errors.Is(err, status.ErrInvalidArgument) {
		t.Errorf("stop while prepared = %v, want ErrInvalidArgument", err)
	}

	if err := st.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(ctx); !errors.Is(err, status.ErrNoSuchStream) {
		t.Errorf("double close = %v, want ErrNoSuchStream", err)
	}
	if err := st.Prepare(ctx); !errors.Is(err, status.ErrNoSuchStream) {
		t.Errorf("Prepare after close = %v, want ErrNoSuchStream", err)
	}
}

func TestOpenStream_LocalBusy(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}

	cfg := StreamConfig{PCMID: "Speaker", Direction: wire.DirPlayback, BufferBytes: 4096, Pages: 1}
	st, err := p.fe.OpenStream(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close(ctx)

	if _, err := p.fe.OpenStream(ctx, cfg); !errors.Is(err, status.ErrBusy) {
		t.Errorf("second open = %v, want ErrBusy", err)
	}
}

func TestOpenStream_ForeignDomainDenied(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-media")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := p.fe.OpenStream(ctx, StreamConfig{
		PCMID: "Speaker", Direction: wire.DirPlayback, BufferBytes: 4096, Pages: 1,
	})
	if !errors.Is(err, status.ErrPermissionDenied) {
		t.Fatalf("OpenStream = %v, want ErrPermissionDenied", err)
	}
}

func TestKctl_SetAndNotify(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}

	type change struct {
		id  string
		val byte
	}
	changes := make(chan change, 4)
	p.fe.OnKctlChange(func(id string, v *wire.KctlValue) {
		changes <- change{id, v.Value[0]}
	})

	var v wire.KctlValue
	v.Value[0] = 70
	if err := p.fe.KctlSet(ctx, "Master Playback Volume", &v); err != nil {
		t.Fatalf("KctlSet: %v", err)
	}

	select {
	case c := <-changes:
		if c.id != "Master Playback Volume" || c.val != 70 {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
	if p.feMet.Snapshot().NotificationsDelivered != 1 {
		t.Errorf("NotificationsDelivered = %d, want 1", p.feMet.Snapshot().NotificationsDelivered)
	}
}

func TestKctl_ForeignDomainDenied(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-media")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}

	var v wire.KctlValue
	err := p.fe.KctlSet(ctx, "Master Playback Volume", &v)
	if !errors.Is(err, status.ErrPermissionDenied) {
		t.Fatalf("KctlSet = %v, want ErrPermissionDenied", err)
	}
}

func TestQueryHDA(t *testing.T) {
	p := newPair(t, "guest-audio")

	cfg, err := p.fe.QueryHDA(context.Background())
	if err != nil {
		t.Fatalf("QueryHDA: %v", err)
	}
	if cfg.CpStreams != 4 || cfg.PbStreams != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestFetchTopology(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, "guest-audio")
	if err := p.fe.Register(ctx); err != nil {
		t.Fatal(err)
	}

	blob, err := p.fe.FetchTopology(ctx, "guest-audio.tplg")
	if err != nil {
		t.Fatalf("FetchTopology: %v", err)
	}
	if string(blob) != "fat chunk of topology" {
		t.Errorf("blob = %q", blob)
	}

	if _, err := p.fe.FetchTopology(ctx, "missing.tplg"); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("missing topology = %v, want ErrNotFound", err)
	}
}

// servePeer answers protocol requests the way a backend would, replying OK
// to every PCM command. gate, when non-nil, runs before each reply and may
// block to model a slow peer.
func servePeer(t *testing.T, ch *transport.Channels, gate func(hdr wire.Header)) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			c, ok := ch.NotTx.Next()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			var hdr wire.Header
			if err := hdr.UnmarshalBinary(c.Out[0]); err != nil {
				ch.NotTx.Release(c, 0)
				continue
			}
			if gate != nil {
				gate(hdr)
			}
			var reply []byte
			switch hdr.Cmd {
			case wire.CmdCfgResInfo:
				var req wire.ResourceInfo
				_ = req.UnmarshalBinary(c.Out[1])
				req.Ret = status.CodeOK
				req.Size = 96
				reply, _ = req.MarshalBinary()
			default:
				res := wire.PCMResult{Ret: status.CodeOK}
				reply, _ = res.MarshalBinary()
			}
			n := copy(c.In[0], reply)
			ch.NotTx.Release(c, n)
			ch.NotTx.Interrupt()
		}
	}()
	return func() { close(done) }
}

func TestTrigger_UnblockedByPositionInterrupt(t *testing.T) {
	ch := transport.NewChannels(8)
	met := metrics.NewCollector("frontend", "guest-audio")
	fe := New(ch, Options{
		Metrics:        met,
		DomainName:     "guest-audio",
		Alloc:          audio.NewMemTranslator(),
		RequestTimeout: 2 * time.Second,
		TriggerTimeout: 2 * time.Second,
	})
	defer fe.Stop()

	var holdStops atomic.Bool
	held := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	stop := servePeer(t, ch, func(hdr wire.Header) {
		if hdr.Cmd == wire.CmdPCMTrigger && holdStops.Load() {
			once.Do(func() { close(held) })
			<-release
		}
	})
	defer stop()

	ctx := context.Background()
	st, err := fe.OpenStream(ctx, StreamConfig{
		PCMID: "pcm0", Direction: wire.DirPlayback, BufferBytes: 4096, Pages: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	params := wire.HwParams{BufferSize: 1024, PeriodSize: 256}
	if err := st.HwParams(ctx, &params); err != nil {
		t.Fatal(err)
	}
	if err := st.Prepare(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.Trigger(ctx, wire.TriggerStart); err != nil {
		t.Fatal(err)
	}

	holdStops.Store(true)
	errc := make(chan error, 1)
	go func() { errc <- st.Trigger(ctx, wire.TriggerStop) }()
	<-held

	// A period interrupt while the stop holds the stream lock must not
	// park the scheduler: the drain that completes the stop runs on the
	// same goroutine.
	ch.CmdRx.Interrupt()
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	close(release)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("stop = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stop never completed")
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Errorf("stop took %v after the reply was released", waited)
	}
}

func TestResourceInfo_RetriesAfterExpiredRequest(t *testing.T) {
	ch := transport.NewChannels(8)
	met := metrics.NewCollector("frontend", "guest-audio")
	fe := New(ch, Options{
		Metrics:        met,
		DomainName:     "guest-audio",
		Alloc:          audio.NewMemTranslator(),
		RequestTimeout: 40 * time.Millisecond,
		RetryInterval:  5 * time.Millisecond,
		RetryAttempts:  5,
	})
	defer fe.Stop()

	// The first info request sits unanswered past the deadline; the
	// bounded retry resends until an attempt lands in time.
	var first atomic.Bool
	first.Store(true)
	stop := servePeer(t, ch, func(hdr wire.Header) {
		if hdr.Cmd == wire.CmdCfgResInfo && first.CompareAndSwap(true, false) {
			time.Sleep(120 * time.Millisecond)
		}
	})
	defer stop()

	size, err := fe.ResourceInfo(context.Background(), wire.ResTopology, "guest-audio.tplg")
	if err != nil {
		t.Fatalf("ResourceInfo = %v", err)
	}
	if size != 96 {
		t.Errorf("size = %d, want 96", size)
	}
	s := met.Snapshot()
	if s.RequestsRetried < 1 {
		t.Errorf("RequestsRetried = %d, want >= 1", s.RequestsRetried)
	}
	if s.RequestsTimedOut < 1 {
		t.Errorf("RequestsTimedOut = %d, want >= 1", s.RequestsTimedOut)
	}
}

// nextChain polls the device side of a queue until a chain shows up.
func nextChain(t *testing.T, q *transport.Queue) *transport.Chain {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c, ok := q.Next(); ok {
			return c
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no chain arrived")
	return nil
}

func TestOpenStream_TimeoutCompensatesWithClose(t *testing.T) {
	ch := transport.NewChannels(8)
	met := metrics.NewCollector("frontend", "guest-audio")
	fe := New(ch, Options{
		Metrics:        met,
		DomainName:     "guest-audio",
		Alloc:          audio.NewMemTranslator(),
		RequestTimeout: 50 * time.Millisecond,
	})
	defer fe.Stop()

	// Nobody serves the channel: the open expires at the requester.
	_, err := fe.OpenStream(context.Background(), StreamConfig{
		PCMID: "Speaker", Direction: wire.DirPlayback, BufferBytes: 4096, Pages: 1,
	})
	if !errors.Is(err, status.ErrDeadlineExceeded) {
		t.Fatalf("OpenStream = %v, want ErrDeadlineExceeded", err)
	}
	if met.Snapshot().RequestsTimedOut != 1 {
		t.Errorf("RequestsTimedOut = %d, want 1", met.Snapshot().RequestsTimedOut)
	}

	// A slow peer answers the open after the deadline. The requester never
	// sees the session, so it must follow up with a close.
	open := nextChain(t, ch.NotTx)
	var hdr wire.Header
	if err := hdr.UnmarshalBinary(open.Out[0]); err != nil {
		t.Fatal(err)
	}
	if hdr.Cmd != wire.CmdPCMOpen {
		t.Fatalf("cmd = %#x, want open", hdr.Cmd)
	}
	res := wire.PCMResult{Ret: status.CodeOK}
	reply, _ := res.MarshalBinary()
	copy(open.In[0], reply)
	ch.NotTx.Release(open, wire.PCMResultSize)
	ch.NotTx.Interrupt()

	closeChain := nextChain(t, ch.NotTx)
	if err := hdr.UnmarshalBinary(closeChain.Out[0]); err != nil {
		t.Fatal(err)
	}
	if hdr.Cmd != wire.CmdPCMClose {
		t.Fatalf("cmd = %#x, want close", hdr.Cmd)
	}
	if hdr.PCM.PCMID != "Speaker" || hdr.PCM.Direction != wire.DirPlayback {
		t.Errorf("close targets %q/%d", hdr.PCM.PCMID, hdr.PCM.Direction)
	}
}

func TestSendDSP_Echo(t *testing.T) {
	p := newPair(t, "guest-audio")

	reply, err := p.fe.SendDSP(context.Background(), []byte("fw ipc"), 32)
	if err != nil {
		t.Fatalf("SendDSP: %v", err)
	}
	if string(reply) != "fw ipc" {
		t.Errorf("reply = %q", reply)
	}
}
