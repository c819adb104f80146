package mcp

import "sync"

// pendingCalls tracks requests awaiting a response, keyed by JSON-RPC
// ID. Each transport owns one instance; the read pump resolves entries
// as responses arrive, in whatever order the server produces them.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[int64]chan *Response
	dead  error // set once the transport has failed; nil while healthy
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[int64]chan *Response)}
}

// register creates a pending slot for the given ID. Returns the
// channel the response will be delivered on, or the terminal error if
// the transport has already failed.
func (p *pendingCalls) register(id int64) (chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return nil, p.dead
	}

	ch := make(chan *Response, 1)
	p.calls[id] = ch
	return ch, nil
}

// resolve delivers a response to the call waiting on its ID. Returns
// false if no call is waiting (timed-out caller already gave up, or
// the server sent an ID we never issued).
func (p *pendingCalls) resolve(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

// remove abandons a pending call (caller timed out or was cancelled).
// A response arriving later finds no waiter and is dropped.
func (p *pendingCalls) remove(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// failAll marks the transport dead and wakes every pending caller by
// closing its channel. Callers observe the closed channel and report
// err. Subsequent register calls fail immediately with err.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return
	}
	p.dead = err

	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

// terminal returns the error the transport died with, or nil while it
// is healthy.
func (p *pendingCalls) terminal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// size returns the number of in-flight calls.
func (p *pendingCalls) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
