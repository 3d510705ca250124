// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package gate provides admission control for requests entering the virtual
// device. It counts outstanding requests and lets the teardown wait until the
// count drops to zero once no more requests can get in.
package gate

import (
	"sync/atomic"
)

// The draining flag and the outstanding count share one word, so checking the
// flag and incrementing the count is a single compare-and-swap.
const (
	drainingBit = int64(1) << 62
	countMask   = drainingBit - 1
)

// Gate is open after New. Requests Enter and Leave it. Drain closes it for
// good and waits for all requests which got in.
type Gate struct {
	word atomic.Int64

	// Closed exactly once, by whoever observes the count at zero with the
	// draining flag set.
	drained chan struct{}
}

func New() *Gate {
	return &Gate{drained: make(chan struct{})}
}

// Enter admits one request. It returns false if the gate is draining, in
// which case the count is left untouched and Leave must not be called.
func (g *Gate) Enter() bool {
	for {
		w := g.word.Load()
		if w&drainingBit != 0 {
			return false
		}

		if g.word.CompareAndSwap(w, w+1) {
			return true
		}
	}
}

// Leave releases one admission. The release which brings the count to zero
// while draining wakes the waiter in Drain.
func (g *Gate) Leave() {
	w := g.word.Add(-1)

	if w&countMask == countMask {
		panic("gate: Leave without matching Enter")
	}

	if w == drainingBit {
		close(g.drained)
	}
}

// Drain stops all further admissions and blocks until every admitted request
// has left. There is no timeout, it relies on the requests eventually
// finishing. Calling Drain again just waits.
func (g *Gate) Drain() {
	for {
		w := g.word.Load()
		if w&drainingBit != 0 {
			break
		}

		if g.word.CompareAndSwap(w, w|drainingBit) {
			if w == 0 {
				close(g.drained)
			}
			break
		}
	}

	<-g.drained
}

// Draining reports whether Drain was called.
func (g *Gate) Draining() bool {
	return g.word.Load()&drainingBit != 0
}

// Outstanding returns the number of admitted requests which have not left yet.
func (g *Gate) Outstanding() int64 {
	return g.word.Load() & countMask
}
