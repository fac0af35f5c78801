// Package events provides a multi-bit status word that goroutines can wait
// on.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Wait when the condition is not met in time.
var ErrTimeout = errors.New("events: wait timed out")

// Bits is a set of event flags.
type Bits uint32

// Group is a status word. The zero value is ready to use.
type Group struct {
	mu      sync.Mutex
	bits    Bits
	changed chan struct{}
}

// notify wakes all waiters. Callers hold g.mu.
func (g *Group) notify() {
	if g.changed != nil {
		close(g.changed)
		g.changed = nil
	}
}

// Set raises the given bits and returns the new value.
func (g *Group) Set(bits Bits) Bits {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bits|bits != g.bits {
		g.bits |= bits
		g.notify()
	}
	return g.bits
}

// Clear lowers the given bits and returns the new value.
func (g *Group) Clear(bits Bits) Bits {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bits&bits != 0 {
		g.bits &^= bits
		g.notify()
	}
	return g.bits
}

// Assign sets or clears bits depending on on.
func (g *Group) Assign(bits Bits, on bool) Bits {
	if on {
		return g.Set(bits)
	}
	return g.Clear(bits)
}

// Get returns the current value.
func (g *Group) Get() Bits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bits
}

// Wait blocks until any (all == false) or every (all == true) bit of mask is
// set, the timeout expires, or ctx is done. It returns the value observed
// when the condition was met.
func (g *Group) Wait(ctx context.Context, mask Bits, all bool, timeout time.Duration) (Bits, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		g.mu.Lock()
		bits := g.bits
		if satisfied(bits, mask, all) {
			g.mu.Unlock()
			return bits, nil
		}
		if g.changed == nil {
			g.changed = make(chan struct{})
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return g.Get(), ErrTimeout
		case <-ctx.Done():
			return g.Get(), ctx.Err()
		}
	}
}

func satisfied(bits, mask Bits, all bool) bool {
	if all {
		return bits&mask == mask
	}
	return bits&mask != 0
}
