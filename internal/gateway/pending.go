package gateway

import (
	"sync"

	"github.com/cuongceg/stockbot/internal/protocol"
)

type result struct {
	resp *protocol.Response
	err  error
}

// call is a single-use completion. done has room for exactly one result so
// the resolver never blocks.
type call struct {
	done chan result
}

// pendingCalls maps correlation ids to outstanding calls. take removes the
// entry in the same critical section that finds it, so a call is resolved
// at most once.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*call
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: map[string]*call{}}
}

// add registers id. It reports false if id is already outstanding.
func (p *pendingCalls) add(id string) (*call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.calls[id]; dup {
		return nil, false
	}
	c := &call{done: make(chan result, 1)}
	p.calls[id] = c
	return c, true
}

func (p *pendingCalls) take(id string) (*call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	return c, ok
}

func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// drain removes and returns every outstanding call.
func (p *pendingCalls) drain() []*call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*call, 0, len(p.calls))
	for id, c := range p.calls {
		out = append(out, c)
		delete(p.calls, id)
	}
	return out
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
