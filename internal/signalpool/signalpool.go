// Package signalpool implements the one stop/reconfigure broadcast that
// every daemon worker loop selects on (spec.md §3 SignalPool, §9
// "Stop/reconfigure as one signal"). Folding shutdown and live
// reconfigure into a single signal type means a receiver can never miss
// one in favor of the other.
package signalpool

import "sync"

// Kind distinguishes the two signal variants.
type Kind int

const (
	// Stop asks every worker to exit.
	Stop Kind = iota
	// Reconfigure asks every worker to exit so the daemon can restart
	// them with a new configuration.
	Reconfigure
)

// Signal is the broadcast payload. Config is non-nil only for Kind ==
// Reconfigure; its concrete type is whatever the caller's config package
// uses.
type Signal struct {
	Kind   Kind
	Config any
}

// Pool fans a single sent Signal out to every live receiver exactly
// once.
type Pool struct {
	mu   sync.Mutex
	subs []chan Signal
}

// New returns an empty signal pool.
func New() *Pool {
	return &Pool{}
}

// Subscribe registers a new receiver and returns its channel. Each
// subscriber must only be read by one goroutine.
func (p *Pool) Subscribe() <-chan Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Signal, 1)
	p.subs = append(p.subs, ch)
	return ch
}

// Send delivers sig to every current subscriber exactly once, blocking
// until each subscriber's buffer accepts it. Intended to be called once
// per generation (spec.md §5 "Cancellation").
func (p *Pool) Send(sig Signal) {
	p.mu.Lock()
	subs := make([]chan Signal, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, ch := range subs {
		ch <- sig
	}
}
