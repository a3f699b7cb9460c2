// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package flowtable

import (
	"net/netip"
	"testing"

	"github.com/emflex/upf/internal/errors"
)

func sigPair(t *testing.T) (Signature, Signature, bool, bool) {
	t.Helper()
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("192.168.1.5")

	fwd, fwdRev := MakeSignature(6, a, b, 40000, 80)
	rev, revRev := MakeSignature(6, b, a, 80, 40000)
	return fwd, rev, fwdRev, revRev
}

func TestSignatureCanonical(t *testing.T) {
	fwd, rev, fwdRev, revRev := sigPair(t)

	if fwd != rev {
		t.Fatalf("two half-duplex observations disagree: %+v vs %+v", fwd, rev)
	}
	if fwdRev == revRev {
		t.Errorf("is_reverse must differ between directions, both %v", fwdRev)
	}
	if fwd.Hash() != rev.Hash() {
		t.Errorf("hash differs for same canonical signature")
	}
}

func TestSignatureSameAddressPortTiebreak(t *testing.T) {
	a := netip.MustParseAddr("127.0.0.1")

	fwd, fwdRev := MakeSignature(6, a, a, 50000, 80)
	rev, revRev := MakeSignature(6, a, a, 80, 50000)

	if fwd != rev {
		t.Fatalf("loopback flow signatures disagree")
	}
	if fwdRev == revRev {
		t.Errorf("is_reverse must differ on the port tiebreak")
	}
}

func newWorker(t *testing.T, maxFlows int) *Worker {
	t.Helper()
	main := NewMain(maxFlows, 4, 60)
	return NewWorker(main, 0)
}

func TestLookupOrCreate(t *testing.T) {
	w := newWorker(t, 64)
	w.Advance(1000)

	sig, _, _, _ := sigPair(t)
	h := sig.Hash()

	e1, created, err := w.LookupOrCreate(sig, h, 1000)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if !created {
		t.Fatal("first lookup must create")
	}

	e2, created, err := w.LookupOrCreate(sig, h, 1001)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if created {
		t.Fatal("second lookup must not create")
	}
	if e1 != e2 {
		t.Fatal("lookup returned a different entry")
	}
	if w.Live != 1 {
		t.Errorf("expected 1 live flow, got %d", w.Live)
	}
}

func TestFlowIDMonotonic(t *testing.T) {
	w := newWorker(t, 64)
	w.Advance(0)

	var last uint64
	for i := 0; i < 10; i++ {
		src := netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
		dst := netip.MustParseAddr("192.168.1.1")
		sig, _ := MakeSignature(17, src, dst, uint16(1000+i), 53)
		e, created, err := w.LookupOrCreate(sig, sig.Hash(), 0)
		if err != nil || !created {
			t.Fatalf("create %d: created=%v err=%v", i, created, err)
		}
		if e.FlowID <= last {
			t.Fatalf("flow id not strictly increasing: %d after %d", e.FlowID, last)
		}
		last = e.FlowID
	}
}

func TestTCPStateAgeing(t *testing.T) {
	w := newWorker(t, 64)
	now := uint64(5000)
	w.Advance(now)

	sig, _, _, _ := sigPair(t)
	e, _, err := w.LookupOrCreate(sig, sig.Hash(), now)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	e.Attach(7)

	// SYN, then SYN+ACK: established.
	w.UpdateTCP(e, tcpSyn, now)
	if e.TCPState != StateSynSeen {
		t.Fatalf("after SYN expected syn-seen, got %v", e.TCPState)
	}
	w.UpdateTCP(e, tcpSyn|tcpAck, now)
	if e.TCPState != StateEstablished {
		t.Fatalf("after SYN+ACK expected established, got %v", e.TCPState)
	}
	if e.Lifetime != LifetimeOf(StateEstablished) {
		t.Fatalf("lifetime %d does not follow state", e.Lifetime)
	}

	// Advance past the established lifetime: the flow must expire,
	// queue its timeout message, and vacate the hash table.
	h := sig.Hash()
	deadline := now + uint64(LifetimeOf(StateEstablished)) + 1
	for tick := now + 1; tick <= deadline; tick++ {
		w.Advance(tick)
	}

	if w.Contains(h) {
		t.Error("hash key still present after expiry")
	}
	if w.Live != 0 {
		t.Errorf("expected 0 live flows, got %d", w.Live)
	}

	msg, ok := w.Ring().Pop()
	if !ok {
		t.Fatal("expected a timeout message")
	}
	if msg.SessionIndex != 7 {
		t.Errorf("timeout message session = %d, want 7", msg.SessionIndex)
	}
}

func TestRecycleOldest(t *testing.T) {
	const maxFlows = 8
	w := newWorker(t, maxFlows)
	w.Advance(100)

	dst := netip.MustParseAddr("10.255.0.1")
	var lastID uint64
	for i := 0; i < maxFlows; i++ {
		src := netip.AddrFrom4([4]byte{172, 16, 0, byte(i + 1)})
		sig, _ := MakeSignature(17, src, dst, uint16(2000+i), 53)
		e, _, err := w.LookupOrCreate(sig, sig.Hash(), 100)
		if err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		lastID = e.FlowID
	}

	// Pool is exhausted; the next insertion must force-expire the
	// oldest flow instead of failing.
	src := netip.MustParseAddr("172.16.1.99")
	sig, _ := MakeSignature(17, src, dst, 9999, 53)
	e, created, err := w.LookupOrCreate(sig, sig.Hash(), 100)
	if err != nil {
		t.Fatalf("expected recycle, got %v", err)
	}
	if !created {
		t.Fatal("expected creation after recycle")
	}
	if e.FlowID <= lastID {
		t.Errorf("recycled flow id %d not greater than %d", e.FlowID, lastID)
	}
	if w.Recycled != 1 {
		t.Errorf("expected 1 recycle, got %d", w.Recycled)
	}
	if w.Live != maxFlows {
		t.Errorf("expected %d live flows, got %d", maxFlows, w.Live)
	}
}

func TestExhaustedWithEmptyWheel(t *testing.T) {
	// A cache size equal to the pool lets this worker draw every entry
	// at once, so the global pool is left empty.
	main := NewMain(2, 2, 60)
	w := NewWorker(main, 0)
	w.Advance(0)

	dst := netip.MustParseAddr("10.0.0.254")
	for i := 0; i < 2; i++ {
		src := netip.AddrFrom4([4]byte{10, 9, 0, byte(i + 1)})
		sig, _ := MakeSignature(17, src, dst, uint16(100+i), 53)
		if _, _, err := w.LookupOrCreate(sig, sig.Hash(), 0); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}

	// Tear the flows out of the wheel by hand to model "no timers
	// pending" while the pool stays full.
	var entries []*Entry
	w.Each(func(e *Entry) { entries = append(entries, e) })
	for _, e := range entries {
		w.wheelRemove(e)
	}

	src := netip.MustParseAddr("10.9.1.1")
	sig, _ := MakeSignature(17, src, dst, 555, 53)
	_, _, err := w.LookupOrCreate(sig, sig.Hash(), 0)
	if err == nil {
		t.Fatal("expected resource exhaustion")
	}
	if errors.GetKind(err) != errors.KindResourceExhausted {
		t.Errorf("expected KindResourceExhausted, got %v", errors.GetKind(err))
	}
}

func TestSingleResidency(t *testing.T) {
	w := newWorker(t, 32)
	w.Advance(50)

	sig, _, _, _ := sigPair(t)
	e, _, err := w.LookupOrCreate(sig, sig.Hash(), 50)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	count := func() int {
		n := 0
		for slotIdx := range w.wheel {
			for idx := w.wheel[slotIdx].head; idx != nilIdx; idx = w.entry(idx).timerNext {
				if w.entry(idx) == e {
					n++
				}
			}
		}
		return n
	}

	if got := count(); got != 1 {
		t.Fatalf("entry occupies %d wheel slots, want 1", got)
	}

	// A state change re-parks the flow; residency must stay single.
	w.UpdateTCP(e, tcpSyn, 50)
	if got := count(); got != 1 {
		t.Fatalf("after reschedule entry occupies %d wheel slots, want 1", got)
	}
}

func TestSpliceAcrossSlots(t *testing.T) {
	w := newWorker(t, 32)
	w.Advance(10)

	sig, _, _, _ := sigPair(t)
	e, _, err := w.LookupOrCreate(sig, sig.Hash(), 10)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	// Jump the clock far past the flow's slot in one call. The splice
	// must carry it forward rather than skip it; with the expiry
	// budget it still drains within one pass here.
	w.Advance(10 + uint64(e.Lifetime) + 37)

	if w.Live != 0 {
		t.Errorf("flow survived a clock jump across its slot")
	}
}

func TestDefaultLifetime(t *testing.T) {
	main := NewMain(16, 4, 60)

	if err := main.SetDefaultLifetime(0); err == nil {
		t.Error("expected error for zero timeout")
	}
	if err := main.SetDefaultLifetime(TimerMaxLifetime); err == nil {
		t.Error("expected error for timeout >= wheel size")
	}
	if err := main.SetDefaultLifetime(120); err != nil {
		t.Fatalf("SetDefaultLifetime: %v", err)
	}
	if got := main.DefaultLifetime(); got != 120 {
		t.Errorf("DefaultLifetime = %d, want 120", got)
	}

	w := NewWorker(main, 0)
	w.Advance(0)
	sig, _, _, _ := sigPair(t)
	e, _, err := w.LookupOrCreate(sig, sig.Hash(), 0)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if e.Lifetime != 120 {
		t.Errorf("new flow lifetime = %d, want 120", e.Lifetime)
	}
}

func TestRing(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		if !r.Push(TimeoutMsg{FlowID: uint64(i)}) {
			t.Fatalf("push %d failed", i)
		}
	}
	if r.Push(TimeoutMsg{FlowID: 99}) {
		t.Error("push into full ring must fail")
	}
	for i := 0; i < 4; i++ {
		m, ok := r.Pop()
		if !ok || m.FlowID != uint64(i) {
			t.Fatalf("pop %d: ok=%v flow=%d", i, ok, m.FlowID)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Error("pop from empty ring must fail")
	}
}
