package session

import "sync/atomic"

// Guard signals that a completion request is in flight. Controllers that are
// handed the same Guard refuse to send while another one holds it.
type Guard struct {
	inFlight atomic.Bool
}

// InFlight reports whether the guard is held.
func (g *Guard) InFlight() bool {
	return g.inFlight.Load()
}

func (g *Guard) tryAcquire() bool {
	return g.inFlight.CompareAndSwap(false, true)
}

func (g *Guard) release() {
	g.inFlight.Store(false)
}
