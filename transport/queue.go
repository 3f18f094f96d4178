// Package transport implements the shared descriptor queues that carry
// envelopes and payload buffers between the frontend and backend domains.
//
// A Queue is one direction-paired channel: the driver side submits chains of
// buffers and polls for their completion; the device side takes submitted
// chains, fills the writable buffers, and releases them. Buffers cross the
// boundary by reference — the queue moves descriptors, never payload bytes.
//
// Kick and interrupt callbacks run on the signalling goroutine and must only
// schedule work (see Scheduler); all real processing happens on a background
// task.
package transport

import (
	"sync"

	"github.com/pithecene-io/virtsnd/status"
)

// Chain is one submitted descriptor chain. Out buffers are readable by the
// device; In buffers are writable by the device and carry the reply.
type Chain struct {
	Token uint64
	Out   [][]byte
	In    [][]byte
}

// Completion reports one finished chain back to the driver side.
type Completion struct {
	Token uint64
	// Written is the number of bytes the device wrote into the In buffers.
	Written int
}

// Queue is a fixed-capacity descriptor queue pair.
type Queue struct {
	mu          sync.Mutex
	capacity    int
	avail       []*Chain
	used        []Completion
	outstanding int
	nextToken   uint64

	kickFn      func()
	interruptFn func()
}

// NewQueue creates a queue with a fixed number of descriptor slots.
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// OnKick registers the device-side callback invoked when the driver kicks.
func (q *Queue) OnKick(fn func()) {
	q.mu.Lock()
	q.kickFn = fn
	q.mu.Unlock()
}

// OnInterrupt registers the driver-side callback invoked when the device
// signals completions.
func (q *Queue) OnInterrupt(fn func()) {
	q.mu.Lock()
	q.interruptFn = fn
	q.mu.Unlock()
}

// Submit places a chain on the queue. It fails with ErrChannelFull when no
// descriptor slot is free; the caller owns the retry policy.
func (q *Queue) Submit(out, in [][]byte) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outstanding >= q.capacity {
		return 0, status.ErrChannelFull
	}
	q.nextToken++
	c := &Chain{Token: q.nextToken, Out: out, In: in}
	q.avail = append(q.avail, c)
	q.outstanding++
	return c.Token, nil
}

// HasCapacity reports whether a Submit would currently succeed.
func (q *Queue) HasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding < q.capacity
}

// Poll returns the next completion in the order the device released chains.
func (q *Queue) Poll() (Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.used) == 0 {
		return Completion{}, false
	}
	c := q.used[0]
	q.used = q.used[1:]
	q.outstanding--
	return c, true
}

// Kick signals the device side that new chains are available.
func (q *Queue) Kick() {
	q.mu.Lock()
	fn := q.kickFn
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Next takes the oldest submitted chain, or reports none pending.
// Device side only.
func (q *Queue) Next() (*Chain, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.avail) == 0 {
		return nil, false
	}
	c := q.avail[0]
	q.avail = q.avail[1:]
	return c, true
}

// HasPending reports whether any submitted chain awaits the device.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.avail) > 0
}

// Release completes a chain taken with Next, recording how many bytes were
// written into its In buffers. Completions surface to the driver in release
// order.
func (q *Queue) Release(c *Chain, written int) {
	q.mu.Lock()
	q.used = append(q.used, Completion{Token: c.Token, Written: written})
	q.mu.Unlock()
}

// Interrupt signals the driver side that completions are ready.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	fn := q.interruptFn
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Channels bundles the queue set one frontend shares with the backend:
// the command pair and the notification pair.
type Channels struct {
	// CmdTx carries opaque DSP command traffic, frontend to backend,
	// request and reply correlated as one chain.
	CmdTx *Queue
	// CmdRx is the interrupt path: the backend signals it after publishing
	// position updates; it carries no payload.
	CmdRx *Queue
	// NotTx carries protocol requests (PCM, kcontrol, configuration) with
	// deferred replies.
	NotTx *Queue
	// NotRx is the inbox path: the frontend posts empty buffers, the backend
	// fills them with unsolicited notifications.
	NotRx *Queue
}

// NewChannels creates the four queues with one shared slot capacity.
func NewChannels(capacity int) *Channels {
	return &Channels{
		CmdTx: NewQueue(capacity),
		CmdRx: NewQueue(capacity),
		NotTx: NewQueue(capacity),
		NotRx: NewQueue(capacity),
	}
}
