package worker

import (
	"sort"
	"sync"
)

// Pool keeps exactly one Supervisor per window handle.
type Pool struct {
	mu          sync.Mutex
	opts        []Option
	supervisors map[int64]*Supervisor
}

// NewPool creates a pool whose supervisors are built with opts.
func NewPool(opts ...Option) *Pool {
	return &Pool{opts: opts, supervisors: make(map[int64]*Supervisor)}
}

// Acquire returns the supervisor bound to hwnd, creating it on first use.
// The second result reports whether the supervisor was created by this call.
func (p *Pool) Acquire(hwnd int64) (*Supervisor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.supervisors[hwnd]; ok {
		return s, false
	}
	s := NewSupervisor(hwnd, p.opts...)
	p.supervisors[hwnd] = s
	return s, true
}

// Get returns the supervisor bound to hwnd, if any.
func (p *Pool) Get(hwnd int64) (*Supervisor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.supervisors[hwnd]
	return s, ok
}

// Release destroys the supervisor bound to hwnd and forgets it.
func (p *Pool) Release(hwnd int64) {
	p.mu.Lock()
	s, ok := p.supervisors[hwnd]
	delete(p.supervisors, hwnd)
	p.mu.Unlock()
	if ok {
		s.Destroy()
	}
}

// Handles returns the window handles that currently have a supervisor.
func (p *Pool) Handles() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.supervisors))
	for hwnd := range p.supervisors {
		out = append(out, hwnd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DestroyAll destroys every supervisor.
func (p *Pool) DestroyAll() {
	for _, hwnd := range p.Handles() {
		p.Release(hwnd)
	}
}
