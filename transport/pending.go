package transport

import "sync"

// Pending is the FIFO retry queue for outbound notifications that found no
// free descriptor slot. Delivery order is preserved across retries: once any
// message is queued, later messages queue behind it even if a slot frees in
// between.
type Pending struct {
	mu   sync.Mutex
	msgs [][]byte
}

// SendOrQueue attempts immediate delivery through try and queues a copy of
// msg on failure. From the caller's perspective the send always succeeds.
func (p *Pending) SendOrQueue(msg []byte, try func([]byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.msgs) == 0 && try(msg) {
		return
	}
	saved := make([]byte, len(msg))
	copy(saved, msg)
	p.msgs = append(p.msgs, saved)
}

// Drain re-attempts delivery head-first, stopping at the first failure so
// the remaining entries wait for the next channel-ready signal.
func (p *Pending) Drain(try func([]byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.msgs) > 0 {
		if !try(p.msgs[0]) {
			return
		}
		p.msgs = p.msgs[1:]
	}
}

// Len returns the number of queued messages.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}
