// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package flowtable

import (
	"sync/atomic"
)

// TimeoutMsg reports a flow's final counters when the timer wheel
// expires it. SessionIndex attributes the stats to a session.
type TimeoutMsg struct {
	SessionIndex uint32
	FlowID       uint64
	InitPkts     uint64
	RespPkts     uint64
	InitBytes    uint64
	RespBytes    uint64
}

// Ring is a single-producer single-consumer message ring between one
// worker and the control process. Push never blocks; a full ring drops
// the message.
type Ring struct {
	buf  []TimeoutMsg
	mask uint64
	head atomic.Uint64 // consumer position
	tail atomic.Uint64 // producer position
}

// NewRing creates a ring with the given power-of-two capacity.
func NewRing(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("flowtable: ring size must be a power of two")
	}
	return &Ring{
		buf:  make([]TimeoutMsg, size),
		mask: uint64(size - 1),
	}
}

// Push enqueues a message from the owning worker. Reports false when
// the ring is full.
func (r *Ring) Push(m TimeoutMsg) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() > r.mask {
		return false
	}
	r.buf[tail&r.mask] = m
	r.tail.Store(tail + 1)
	return true
}

// Pop dequeues a message from the control process side.
func (r *Ring) Pop() (TimeoutMsg, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return TimeoutMsg{}, false
	}
	m := r.buf[head&r.mask]
	r.head.Store(head + 1)
	return m, true
}

// Len reports the number of queued messages.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}
