// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package flowtable provides the per-worker bidirectional flow cache:
// a chained hash table over canonical 5-tuple signatures, a timer
// wheel driving flow expiry, and the TCP state machine that picks each
// flow's lifetime. Entries live in a global arena with stable indices;
// workers draw from it through per-worker caches so the fast path
// takes no lock.
package flowtable

import (
	"sync"
	"sync/atomic"

	"github.com/emflex/upf/internal/errors"
)

const (
	// TimerMaxLifetime is the timer wheel size in one-second slots.
	// Every state lifetime must stay below it.
	TimerMaxLifetime = 600

	// TimerMaxExpire bounds how many flows one pass may expire.
	TimerMaxExpire = 10

	// ringSize is the per-worker timeout message ring capacity.
	ringSize = 1 << 10

	nilIdx = int32(-1)
)

// globalFlowID numbers flows in creation order across all workers.
var globalFlowID atomic.Uint64

// Stats counts one direction of a flow.
type Stats struct {
	Pkts  uint64
	Bytes uint64
}

// Entry is one live flow. It resides in exactly one timer-wheel slot
// and exactly one hash collision list for its whole life.
type Entry struct {
	FlowID   uint64
	Sig      Signature
	SigHash  uint64
	TCPState TCPState
	Lifetime uint32
	ExpireAt uint64

	// Stats[0] counts the initiator direction, Stats[1] the responder.
	Stats        [2]Stats
	InitiatorRev bool // first packet observed was reverse of canonical
	InitiatorPDR uint16
	ResponderPDR uint16

	// AppIndex is the DPI binding; NoApp until the first successful
	// classification and immutable afterwards.
	AppIndex uint32

	// SessionIndex+1 of the owning session; 0 when unattached.
	ctxID uint32

	self      uint32
	live      bool
	timerSlot int32
	timerPrev int32
	timerNext int32
	hashPrev  int32
	hashNext  int32
}

// noApp mirrors adf.NoApp without importing the registry.
const noApp = ^uint32(0)

// Attach binds the flow's expiry statistics to a session index.
func (e *Entry) Attach(sessionIndex uint32) {
	e.ctxID = sessionIndex + 1
}

// Direction returns the stats slot for a packet given its is-reverse
// bit: the initiator slot when the packet runs the same way as the
// first packet of the flow.
func (e *Entry) Direction(isReverse bool) int {
	if isReverse == e.InitiatorRev {
		return 0
	}
	return 1
}

// Main is the flow arena shared by all workers. Allocation happens in
// cache-sized batches under the lock; the per-packet path never takes
// it.
type Main struct {
	mu        sync.Mutex
	arena     []Entry
	free      []uint32
	flowsMax  int
	cacheSize int

	defaultLifetime atomic.Uint32
}

// NewMain preallocates the arena.
func NewMain(maxFlows, cacheSize int, defaultLifetime uint32) *Main {
	m := &Main{
		arena:     make([]Entry, maxFlows),
		free:      make([]uint32, 0, maxFlows),
		flowsMax:  maxFlows,
		cacheSize: cacheSize,
	}
	for i := maxFlows - 1; i >= 0; i-- {
		m.arena[i].self = uint32(i)
		m.free = append(m.free, uint32(i))
	}
	m.defaultLifetime.Store(defaultLifetime)
	return m
}

// DefaultLifetime returns the lifetime for new flows, in seconds.
func (m *Main) DefaultLifetime() uint32 {
	return m.defaultLifetime.Load()
}

// SetDefaultLifetime updates the default flow lifetime.
func (m *Main) SetDefaultLifetime(seconds uint32) error {
	if seconds == 0 || seconds >= TimerMaxLifetime {
		return errors.Errorf(errors.KindInvalidArgument,
			"flow timeout %d out of range (1..%d)", seconds, TimerMaxLifetime-1)
	}
	m.defaultLifetime.Store(seconds)
	return nil
}

func (m *Main) refill(cache []uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(cache) < m.cacheSize && len(m.free) > 0 {
		n := len(m.free)
		cache = append(cache, m.free[n-1])
		m.free = m.free[:n-1]
	}
	return cache
}

func (m *Main) release(indices []uint32) {
	m.mu.Lock()
	m.free = append(m.free, indices...)
	m.mu.Unlock()
}

type slot struct {
	head, tail int32
}

// Worker is one worker's flow table. Only the owning worker touches it.
type Worker struct {
	main *Main
	id   int

	ht    map[uint64]int32
	wheel [TimerMaxLifetime]slot
	cache []uint32

	timeIndex int32

	ring *Ring

	// Counters for metrics and introspection.
	Created  uint64
	Expired  uint64
	Recycled uint64
	Live     int
}

// NewWorker creates worker id's table over the shared arena.
func NewWorker(main *Main, id int) *Worker {
	w := &Worker{
		main:      main,
		id:        id,
		ht:        make(map[uint64]int32),
		timeIndex: nilIdx,
		ring:      NewRing(ringSize),
	}
	for i := range w.wheel {
		w.wheel[i] = slot{head: nilIdx, tail: nilIdx}
	}
	w.cache = main.refill(nil)
	return w
}

// Ring returns the worker's timeout message ring for the consumer side.
func (w *Worker) Ring() *Ring {
	return w.ring
}

func (w *Worker) entry(idx int32) *Entry {
	return &w.main.arena[idx]
}

// --- timer wheel -----------------------------------------------------

// wheelInsert appends at the tail so the slot head is always the
// oldest parked flow.
func (w *Worker) wheelInsert(e *Entry, slotIdx int32) {
	s := &w.wheel[slotIdx]
	e.timerSlot = slotIdx
	e.timerNext = nilIdx
	e.timerPrev = s.tail
	if s.tail != nilIdx {
		w.entry(s.tail).timerNext = int32(e.self)
	} else {
		s.head = int32(e.self)
	}
	s.tail = int32(e.self)
}

func (w *Worker) wheelRemove(e *Entry) {
	s := &w.wheel[e.timerSlot]
	if e.timerPrev != nilIdx {
		w.entry(e.timerPrev).timerNext = e.timerNext
	} else {
		s.head = e.timerNext
	}
	if e.timerNext != nilIdx {
		w.entry(e.timerNext).timerPrev = e.timerPrev
	} else {
		s.tail = e.timerPrev
	}
	e.timerSlot = nilIdx
	e.timerPrev, e.timerNext = nilIdx, nilIdx
}

// spliceForward prepends slot from's list onto slot to's list, leaving
// from empty. Used when the clock crosses a slot boundary so no expiry
// is skipped.
func (w *Worker) spliceForward(from, to int32) {
	src := &w.wheel[from]
	if src.head == nilIdx {
		return
	}
	dst := &w.wheel[to]

	for idx := src.head; idx != nilIdx; idx = w.entry(idx).timerNext {
		w.entry(idx).timerSlot = to
	}

	if dst.head == nilIdx {
		dst.head, dst.tail = src.head, src.tail
	} else {
		w.entry(src.tail).timerNext = dst.head
		w.entry(dst.head).timerPrev = src.tail
		dst.head = src.head
	}
	src.head, src.tail = nilIdx, nilIdx
}

// parkSlot computes the wheel slot for a lifetime from the current
// index.
func (w *Worker) parkSlot(lifetime uint32) int32 {
	base := w.timeIndex
	if base == nilIdx {
		base = 0
	}
	return (base + int32(lifetime)) % TimerMaxLifetime
}

// Advance moves the wheel to now (unix seconds) and expires up to
// TimerMaxExpire due flows. Returns how many were expired.
func (w *Worker) Advance(now uint64) int {
	newIndex := int32(now % TimerMaxLifetime)

	if w.timeIndex == nilIdx {
		w.timeIndex = newIndex
		return 0
	}

	for w.timeIndex != newIndex {
		next := (w.timeIndex + 1) % TimerMaxLifetime
		w.spliceForward(w.timeIndex, next)
		w.timeIndex = next
	}

	expired := 0
	s := &w.wheel[w.timeIndex]
	for s.head != nilIdx && expired < TimerMaxExpire {
		e := w.entry(s.head)
		w.expireFlow(e)
		expired++
	}
	return expired
}

// expireFlow queues the timeout message and frees the entry.
func (w *Worker) expireFlow(e *Entry) {
	if e.ctxID != 0 {
		w.ring.Push(TimeoutMsg{
			SessionIndex: e.ctxID - 1,
			FlowID:       e.FlowID,
			InitPkts:     e.Stats[0].Pkts,
			RespPkts:     e.Stats[1].Pkts,
			InitBytes:    e.Stats[0].Bytes,
			RespBytes:    e.Stats[1].Bytes,
		})
	}

	w.wheelRemove(e)
	w.hashRemove(e)
	w.freeEntry(e)
	w.Expired++
	w.Live--
}

// recycle force-expires the oldest parked flow to satisfy an
// allocation when the pool is exhausted.
func (w *Worker) recycle() bool {
	base := w.timeIndex
	if base == nilIdx {
		base = 0
	}
	for off := int32(1); off <= TimerMaxLifetime; off++ {
		idx := (base + off) % TimerMaxLifetime
		if w.wheel[idx].head != nilIdx {
			w.expireFlow(w.entry(w.wheel[idx].head))
			w.Recycled++
			return true
		}
	}
	return false
}

// --- hash table ------------------------------------------------------

func (w *Worker) hashInsert(e *Entry) {
	head, ok := w.ht[e.SigHash]
	e.hashPrev = nilIdx
	if ok {
		e.hashNext = head
		w.entry(head).hashPrev = int32(e.self)
	} else {
		e.hashNext = nilIdx
	}
	w.ht[e.SigHash] = int32(e.self)
}

func (w *Worker) hashRemove(e *Entry) {
	if e.hashPrev != nilIdx {
		w.entry(e.hashPrev).hashNext = e.hashNext
	} else if e.hashNext != nilIdx {
		w.ht[e.SigHash] = e.hashNext
	} else {
		// Collision list became empty: drop the key.
		delete(w.ht, e.SigHash)
	}
	if e.hashNext != nilIdx {
		w.entry(e.hashNext).hashPrev = e.hashPrev
	}
	e.hashPrev, e.hashNext = nilIdx, nilIdx
}

// --- allocation ------------------------------------------------------

func (w *Worker) alloc() (*Entry, bool) {
	if len(w.cache) == 0 {
		w.cache = w.main.refill(w.cache)
	}
	if len(w.cache) == 0 {
		return nil, false
	}
	n := len(w.cache)
	idx := w.cache[n-1]
	w.cache = w.cache[:n-1]
	return &w.main.arena[idx], true
}

func (w *Worker) freeEntry(e *Entry) {
	e.live = false
	e.ctxID = 0
	w.cache = append(w.cache, e.self)
	if len(w.cache) > 2*w.main.cacheSize {
		keep := w.main.cacheSize
		w.main.release(w.cache[keep:])
		w.cache = w.cache[:keep]
	}
}

// LookupOrCreate finds the flow for a canonical signature, creating it
// when absent. A pool exhausted with no parked flow to recycle yields
// a resource-exhausted error.
func (w *Worker) LookupOrCreate(sig Signature, sigHash uint64, now uint64) (*Entry, bool, error) {
	if idx, ok := w.ht[sigHash]; ok {
		for idx != nilIdx {
			e := w.entry(idx)
			if e.Sig == sig {
				return e, false, nil
			}
			idx = e.hashNext
		}
	}

	e, ok := w.alloc()
	if !ok {
		if !w.recycle() {
			return nil, false, errors.New(errors.KindResourceExhausted, "flow pool exhausted and timer wheel empty")
		}
		if e, ok = w.alloc(); !ok {
			return nil, false, errors.New(errors.KindResourceExhausted, "flow pool exhausted after recycle")
		}
	}

	lifetime := w.main.DefaultLifetime()
	self := e.self
	*e = Entry{
		FlowID:   globalFlowID.Add(1),
		Sig:      sig,
		SigHash:  sigHash,
		TCPState: StateClosed,
		Lifetime: lifetime,
		ExpireAt: now + uint64(lifetime),
		AppIndex: noApp,
		self:     self,
		live:     true,
	}
	e.timerSlot, e.timerPrev, e.timerNext = nilIdx, nilIdx, nilIdx
	e.hashPrev, e.hashNext = nilIdx, nilIdx

	w.wheelInsert(e, w.parkSlot(lifetime))
	w.hashInsert(e)
	w.Created++
	w.Live++

	return e, true, nil
}

// UpdateTCP runs the state machine for a packet's TCP flags and, on a
// state change, re-parks the flow with the new state's lifetime.
func (w *Worker) UpdateTCP(e *Entry, flags uint8, now uint64) bool {
	oldState := e.TCPState
	newState := tcpTrans[oldState][eventOf(flags)]
	if newState == oldState {
		return false
	}

	e.TCPState = newState
	e.Lifetime = tcpLifetime[newState]
	e.ExpireAt = now + uint64(e.Lifetime)
	w.wheelRemove(e)
	w.wheelInsert(e, w.parkSlot(e.Lifetime))
	return true
}

// Each visits every live flow owned by this worker.
func (w *Worker) Each(fn func(*Entry)) {
	for _, head := range w.ht {
		for idx := head; idx != nilIdx; {
			e := w.entry(idx)
			idx = e.hashNext
			fn(e)
		}
	}
}

// Contains reports whether a hash key is present, for tests.
func (w *Worker) Contains(sigHash uint64) bool {
	_, ok := w.ht[sigHash]
	return ok
}
