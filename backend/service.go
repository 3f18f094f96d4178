// Package backend implements the device-side protocol core: it serves PCM,
// mixer-control, and configuration requests from attached frontend domains,
// drives the host audio stack, and publishes stream positions into shared
// memory.
package backend

import (
	"sync"

	"github.com/pithecene-io/virtsnd/audio"
	"github.com/pithecene-io/virtsnd/kctl"
	"github.com/pithecene-io/virtsnd/log"
	"github.com/pithecene-io/virtsnd/metrics"
	"github.com/pithecene-io/virtsnd/posn"
	"github.com/pithecene-io/virtsnd/resource"
	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/topology"
	"github.com/pithecene-io/virtsnd/trace"
	"github.com/pithecene-io/virtsnd/transport"
	"github.com/pithecene-io/virtsnd/wire"
)

// DSP consumes opaque firmware command traffic forwarded from frontends.
// The request bytes pass through untouched; the reply is written into resp.
type DSP interface {
	Do(req []byte, resp []byte) (int, error)
}

// EchoDSP is a loopback DSP for tests and the demo command: the reply is the
// request.
type EchoDSP struct{}

// Do implements DSP.
func (EchoDSP) Do(req []byte, resp []byte) (int, error) {
	return copy(resp, req), nil
}

// Options configures a backend Service.
type Options struct {
	Log     *log.Logger
	Metrics *metrics.Collector
	Table   *topology.Table
	Device  audio.Device
	Xlate   audio.Translator
	Res     *resource.Store
	DSP     DSP
	HDA     wire.HDAConfig
	// Trace, when set, records every decoded request.
	Trace *trace.Writer
}

type sessionKey struct {
	pcmID     string
	direction int32
}

// session is the backend's per-open-stream state.
type session struct {
	key      sessionKey
	domainID uint32
	sub      audio.Substream
	dma      wire.DMAConfig
	// posMu orders position publishing against unbind: a publisher inside
	// Publish holds it, so the mapping is never released under a writer.
	posMu sync.Mutex
	pos   *posn.Descriptor
	// nativePages holds the stream's original scatter-table entries,
	// restored on unbind.
	nativePages []uint64
	running     bool
}

// Client is one attached frontend connection.
type Client struct {
	ch       *transport.Channels
	pending  transport.Pending
	domainID uint32
	// registered flips once the frontend completes domain registration.
	registered bool

	protoItem *transport.WorkItem
	dspItem   *transport.WorkItem
	drainItem *transport.WorkItem
}

// Service is the backend protocol core. One Service serves any number of
// frontend domains concurrently; sessions bind to the domain that opened
// them.
type Service struct {
	log   *log.Logger
	met   *metrics.Collector
	table *topology.Table
	dev   audio.Device
	xlate audio.Translator
	res   *resource.Store
	dsp   DSP
	hda   wire.HDAConfig
	kctls *kctl.Proxy
	tr    *trace.Writer

	sched *transport.Scheduler

	mu       sync.Mutex
	clients  []*Client
	sessions map[sessionKey]*session
}

// New creates a backend service. The kcontrol proxy is created here so that
// accepted control writes fan out to every attached frontend.
func New(opts Options) *Service {
	s := &Service{
		log:      opts.Log,
		met:      opts.Metrics,
		table:    opts.Table,
		dev:      opts.Device,
		xlate:    opts.Xlate,
		res:      opts.Res,
		dsp:      opts.DSP,
		hda:      opts.HDA,
		tr:       opts.Trace,
		sched:    transport.NewScheduler(),
		sessions: make(map[sessionKey]*session),
	}
	if s.log == nil {
		s.log = log.Nop()
	}
	if s.dsp == nil {
		s.dsp = EchoDSP{}
	}
	s.kctls = kctl.NewProxy(opts.Table, s)
	return s
}

// Kctls returns the service's control proxy for registering backend
// controls.
func (s *Service) Kctls() *kctl.Proxy {
	return s.kctls
}

// Attach connects a frontend's channel set. Kick callbacks only schedule
// work; all request handling runs on the service's scheduler goroutine.
func (s *Service) Attach(ch *transport.Channels) *Client {
	c := &Client{ch: ch}
	c.protoItem = s.sched.NewItem(func() { s.serveRequests(c) })
	c.dspItem = s.sched.NewItem(func() { s.serveDSP(c) })
	c.drainItem = s.sched.NewItem(func() { s.drainPending(c) })

	ch.NotTx.OnKick(func() { c.protoItem.Schedule() })
	ch.CmdTx.OnKick(func() { c.dspItem.Schedule() })
	ch.NotRx.OnKick(func() { c.drainItem.Schedule() })

	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return c
}

// Detach disconnects a frontend. Every session the domain still holds is
// force-closed and its queued notifications are dropped.
func (s *Service) Detach(c *Client) {
	s.mu.Lock()
	var stale []*session
	if c.registered {
		for _, sess := range s.sessions {
			if sess.domainID == c.domainID {
				stale = append(stale, sess)
			}
		}
	}
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		if err := s.closeSession(sess); err != nil {
			s.log.Warn("session close on detach failed", map[string]any{
				"pcm_id": sess.key.pcmID, "error": err.Error(),
			})
		}
		s.log.Info("session closed on detach", map[string]any{
			"pcm_id": sess.key.pcmID, "domain_id": sess.domainID,
		})
	}

	c.pending.Drain(func([]byte) bool {
		s.met.IncNotificationDropped()
		return true
	})
}

// Stop halts the request scheduler.
func (s *Service) Stop() {
	s.sched.Stop()
}

// serveRequests drains the protocol request channel for one client.
func (s *Service) serveRequests(c *Client) {
	for {
		chain, ok := c.ch.NotTx.Next()
		if !ok {
			break
		}
		n := s.handleRequest(c, chain)
		c.ch.NotTx.Release(chain, n)
	}
	c.ch.NotTx.Interrupt()
}

// serveDSP drains the opaque firmware command channel for one client.
func (s *Service) serveDSP(c *Client) {
	for {
		chain, ok := c.ch.CmdTx.Next()
		if !ok {
			break
		}
		n := 0
		if len(chain.Out) > 0 && len(chain.In) > 0 {
			written, err := s.dsp.Do(chain.Out[0], chain.In[0])
			if err != nil {
				s.log.Warn("dsp command failed", map[string]any{"error": err.Error()})
			} else {
				n = written
			}
		}
		c.ch.CmdTx.Release(chain, n)
	}
	c.ch.CmdTx.Interrupt()
}

// handleRequest decodes one request chain and routes it by type class.
// Returns the number of reply bytes written. A chain whose envelope does not
// decode is dropped; the channel keeps running.
func (s *Service) handleRequest(c *Client, chain *transport.Chain) int {
	if len(chain.Out) == 0 {
		s.met.IncDecodeError()
		return 0
	}
	var hdr wire.Header
	if err := hdr.UnmarshalBinary(chain.Out[0]); err != nil {
		s.met.IncDecodeError()
		s.log.Warn("malformed envelope, message dropped", map[string]any{
			"size": len(chain.Out[0]), "error": err.Error(),
		})
		return 0
	}

	var payload []byte
	if len(chain.Out) > 1 {
		payload = chain.Out[1]
	}
	var reply []byte
	if len(chain.In) > 0 {
		reply = chain.In[0]
	}

	var n int
	switch hdr.Type() {
	case wire.MsgTypePCM:
		n = s.handlePCM(&hdr, payload, reply)
	case wire.MsgTypeKctl:
		n = s.handleKctl(&hdr, payload, reply)
	case wire.MsgTypeCfg:
		n = s.handleCfg(c, &hdr, payload, reply)
	default:
		s.met.IncDecodeError()
		return 0
	}
	s.traceRequest(&hdr, len(payload), reply[:n])
	return n
}

// traceRequest records one handled request with the status it replied.
func (s *Service) traceRequest(hdr *wire.Header, size int, reply []byte) {
	if s.tr == nil {
		return
	}
	code := status.CodeOK
	if hdr.Type() != wire.MsgTypeCfg && len(reply) >= 4 {
		var res wire.PCMResult
		if err := res.UnmarshalBinary(reply[:wire.PCMResultSize]); err == nil {
			code = res.Ret
		}
	}
	if err := s.tr.Write(trace.NewRecord(trace.DirRequest, hdr, size, code)); err != nil {
		s.log.Warn("trace write failed", map[string]any{"error": err.Error()})
	}
}

// NotifyKctl implements kctl.Notifier: an accepted control change fans out
// to every registered frontend through its inbox.
func (s *Service) NotifyKctl(controlID string, value *wire.KctlValue) {
	n := wire.KctlNotify{MsgType: wire.CmdKctlNotify, ControlID: controlID, Value: *value}
	msg, err := n.MarshalBinary()
	if err != nil {
		return
	}

	s.mu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.registered {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		before := c.pending.Len()
		c.pending.SendOrQueue(msg, func(b []byte) bool { return s.deliverInbox(c, b) })
		if c.pending.Len() > before {
			s.met.IncNotificationQueued()
		} else {
			s.met.IncNotificationDelivered()
		}
	}
}

// deliverInbox copies one notification into a posted inbox buffer. Fails
// when the frontend has no buffer posted; the caller queues and retries on
// the next inbox kick.
func (s *Service) deliverInbox(c *Client, msg []byte) bool {
	chain, ok := c.ch.NotRx.Next()
	if !ok {
		return false
	}
	n := 0
	if len(chain.In) > 0 {
		n = copy(chain.In[0], msg)
	}
	c.ch.NotRx.Release(chain, n)
	c.ch.NotRx.Interrupt()
	return true
}

// drainPending retries queued notifications after the frontend re-posts
// inbox buffers.
func (s *Service) drainPending(c *Client) {
	c.pending.Drain(func(b []byte) bool {
		if !s.deliverInbox(c, b) {
			return false
		}
		s.met.IncNotificationDelivered()
		return true
	})
}

// clientByDomain resolves the attached client registered for a domain.
func (s *Service) clientByDomain(domainID uint32) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.registered && c.domainID == domainID {
			return c
		}
	}
	return nil
}
