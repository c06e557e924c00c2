// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"errors"
	"sync/atomic"
)

// ErrClosed is returned by overlay operations attempted after Close
// has begun.
var ErrClosed = errors.New("overlay is closed")

const (
	gateClosedBit = uint64(1) << 63
	gateCountMask = gateClosedBit - 1
)

// ioGate tracks in-flight synchronous overlay operations and the
// closed flag in a single atomic word: the in-flight count in the low
// 63 bits, the closed flag in bit 63. Packing both lets close
// linearize against concurrent operations without a lock around every
// operation: once the closed bit is set, no new acquisition can
// succeed, and the release that drops the count to zero wakes the
// closer.
type ioGate struct {
	state atomic.Uint64

	// drained receives one value when the count hits zero while the
	// gate is closed. Buffered so the releasing goroutine never
	// blocks.
	drained chan struct{}
}

func newIOGate() *ioGate {
	return &ioGate{drained: make(chan struct{}, 1)}
}

// tryAcquire registers one in-flight operation. It fails once the
// gate is closed; the operation must then refuse to proceed.
func (g *ioGate) tryAcquire() bool {
	current := g.state.Load()
	for current&gateClosedBit == 0 {
		if g.state.CompareAndSwap(current, current+1) {
			return true
		}
		current = g.state.Load()
	}
	return false
}

// release unregisters one in-flight operation, waking the drain
// waiter if this was the last one while the gate is closed.
func (g *ioGate) release() {
	updated := g.state.Add(^uint64(0))
	if (updated+1)&gateCountMask == 0 {
		panic("overlay: ioGate released more than acquired")
	}
	if updated&gateClosedBit != 0 && updated&gateCountMask == 0 {
		select {
		case g.drained <- struct{}{}:
		default:
		}
	}
}

// closeAndWait sets the closed bit and blocks until every in-flight
// operation has released. Safe to call when already closed.
func (g *ioGate) closeAndWait() {
	previous := g.state.Or(gateClosedBit)
	if previous&gateCountMask != 0 {
		<-g.drained
	}
}

// isClosed reports whether the closed bit is set.
func (g *ioGate) isClosed() bool {
	return g.state.Load()&gateClosedBit != 0
}
