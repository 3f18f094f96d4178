package frontend

import (
	"context"
	"time"

	"sync"

	"github.com/pithecene-io/virtsnd/metrics"
	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/transport"
	"github.com/pithecene-io/virtsnd/wire"
)

type requestState int

const (
	statePending requestState = iota
	stateCompleted
	stateTimedOut
)

// inflight is one request awaiting its reply. The transmit buffers are
// private copies: the channel may still reference them after the requester
// gives up, so the requester's own buffers are never handed over.
type inflight struct {
	hdr     wire.Header
	rx      []byte
	written int
	state   requestState
	done    chan struct{}
}

// caller runs the blocking request/reply discipline over one channel.
// Replies correlate by the channel's completion token; a request whose
// deadline passes is marked expired and reaped when its completion finally
// surfaces.
type caller struct {
	q   *transport.Queue
	met *metrics.Collector

	mu       sync.Mutex
	inflight map[uint64]*inflight
}

func newCaller(q *transport.Queue, met *metrics.Collector) *caller {
	return &caller{q: q, met: met, inflight: make(map[uint64]*inflight)}
}

// submit registers an in-flight request and kicks the channel. The payload
// is copied before submission.
func (c *caller) submit(hdr wire.Header, payload []byte, replyLen int) (*inflight, error) {
	h, err := hdr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	tx := [][]byte{h}
	if payload != nil {
		p := make([]byte, len(payload))
		copy(p, payload)
		tx = append(tx, p)
	}
	rx := make([]byte, replyLen)

	inf := &inflight{hdr: hdr, rx: rx, done: make(chan struct{})}
	c.mu.Lock()
	token, err := c.q.Submit(tx, [][]byte{rx})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.inflight[token] = inf
	c.mu.Unlock()

	c.q.Kick()
	c.met.IncRequestSent()
	return inf, nil
}

// post submits a message nobody waits on. Its completion is consumed and
// discarded by drain.
func (c *caller) post(hdr wire.Header, payload []byte, replyLen int) error {
	h, err := hdr.MarshalBinary()
	if err != nil {
		return err
	}
	tx := [][]byte{h}
	if payload != nil {
		p := make([]byte, len(payload))
		copy(p, payload)
		tx = append(tx, p)
	}
	if _, err := c.q.Submit(tx, [][]byte{make([]byte, replyLen)}); err != nil {
		return err
	}
	c.q.Kick()
	c.met.IncRequestSent()
	return nil
}

// call runs one blocking round trip, bounded by timeout and ctx.
func (c *caller) call(ctx context.Context, hdr wire.Header, payload []byte, replyLen int, timeout time.Duration) ([]byte, error) {
	inf, err := c.submit(hdr, payload, replyLen)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-inf.done:
		return inf.rx[:inf.written], nil
	case <-ctx.Done():
		if !c.expire(inf) {
			return inf.rx[:inf.written], nil
		}
		return nil, status.Wrap(status.ErrDeadlineExceeded, "request", hdr.PCM.PCMID, ctx.Err())
	case <-timer.C:
		if !c.expire(inf) {
			// Completed while the timer fired.
			return inf.rx[:inf.written], nil
		}
		c.met.IncRequestTimedOut()
		return nil, status.Errorf(status.ErrDeadlineExceeded, "request", hdr.PCM.PCMID)
	}
}

// expire marks an in-flight request abandoned. Reports false if the reply
// arrived first, in which case the result is valid after all.
func (c *caller) expire(inf *inflight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inf.state == stateCompleted {
		return false
	}
	inf.state = stateTimedOut
	return true
}

// drain consumes channel completions. Live requests are completed and their
// waiters woken; expired ones are reaped through onExpired so the caller can
// compensate for effects the peer applied after the deadline.
func (c *caller) drain(onExpired func(hdr wire.Header)) {
	for {
		comp, ok := c.q.Poll()
		if !ok {
			return
		}
		c.mu.Lock()
		inf, tracked := c.inflight[comp.Token]
		if tracked {
			delete(c.inflight, comp.Token)
		}
		if !tracked {
			c.mu.Unlock()
			continue
		}
		expired := inf.state == stateTimedOut
		if !expired {
			inf.written = comp.Written
			inf.state = stateCompleted
			close(inf.done)
		}
		c.mu.Unlock()

		if expired {
			if onExpired != nil {
				onExpired(inf.hdr)
			}
		} else {
			c.met.IncRequestCompleted()
		}
	}
}
