// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package classify implements the per-packet data-plane engine: PDR
// selection against the session's active rule set, outer header
// removal, flow-table upkeep, first-packet DPI, forwarding action
// selection and URR accounting.
package classify

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/clock"
	"github.com/emflex/upf/internal/dpi"
	"github.com/emflex/upf/internal/flowtable"
	"github.com/emflex/upf/internal/logging"
	"github.com/emflex/upf/internal/metrics"
	"github.com/emflex/upf/internal/rcu"
	"github.com/emflex/upf/internal/session"
)

// RedirectServer hands out HTTP-redirect connections for FARs carrying
// redirect information. The implementation lives outside this core.
type RedirectServer interface {
	Session(fibIndex uint32, isIP4 bool) uint32
}

// FIB resolves a FAR's egress interface to a FIB table index.
type FIB interface {
	TableForSwIf(swIfIndex uint32, isIP4 bool) uint32
}

// identityFIB maps every interface to itself; stands in when the
// daemon runs without a routing layer.
type identityFIB struct{}

func (identityFIB) TableForSwIf(swIfIndex uint32, _ bool) uint32 { return swIfIndex }

// Classifier is the shared, read-mostly state every worker classifies
// against.
type Classifier struct {
	sessions *session.Registry
	domain   *rcu.Domain
	flowMain *flowtable.Main
	metrics  *metrics.Metrics
	redirect RedirectServer
	fib      FIB
	clock    clock.Clock
	logger   *logging.Logger

	urrEvents chan uint32
	tracing   atomic.Bool
}

// Option adjusts a Classifier at construction.
type Option func(*Classifier)

// WithRedirectServer wires the external HTTP-redirect service.
func WithRedirectServer(r RedirectServer) Option {
	return func(c *Classifier) { c.redirect = r }
}

// WithFIB wires the routing layer.
func WithFIB(f FIB) Option {
	return func(c *Classifier) { c.fib = f }
}

// WithClock substitutes the time source, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Classifier) { c.clock = clk }
}

// New creates a Classifier.
func New(sessions *session.Registry, domain *rcu.Domain, flowMain *flowtable.Main, m *metrics.Metrics, opts ...Option) *Classifier {
	c := &Classifier{
		sessions:  sessions,
		domain:    domain,
		flowMain:  flowMain,
		metrics:   m,
		fib:       identityFIB{},
		clock:     clock.New(),
		logger:    logging.WithComponent("classify"),
		urrEvents: make(chan uint32, 256),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// URREvents delivers session indices whose URRs crossed a threshold or
// quota. The control process consumes them.
func (c *Classifier) URREvents() <-chan uint32 {
	return c.urrEvents
}

// SetTracing toggles per-packet trace records.
func (c *Classifier) SetTracing(on bool) {
	c.tracing.Store(on)
}

// Worker is one data-plane worker. Everything it owns is touched only
// from its goroutine.
type Worker struct {
	id      int
	c       *Classifier
	Flows   *flowtable.Worker
	scratch *dpi.Scratch
	dec     *decoder

	// Flow-table counter values already exported to Prometheus.
	expiredSeen  uint64
	recycledSeen uint64
}

// NewWorker creates worker id and brings it online in the RCU domain.
func (c *Classifier) NewWorker(id int) *Worker {
	c.domain.Online(id)
	return &Worker{
		id:      id,
		c:       c,
		Flows:   flowtable.NewWorker(c.flowMain, id),
		scratch: dpi.NewScratch(),
		dec:     newDecoder(),
	}
}

// Close takes the worker offline.
func (w *Worker) Close() {
	w.c.domain.Offline(w.id)
	w.scratch.Free()
}

// Quiesce marks the end-of-batch quiescent point. Idle workers call it
// on their tick so control-plane synchronization never stalls.
func (w *Worker) Quiesce() {
	w.c.domain.Quiesce(w.id)
}

// ProcessBatch classifies a batch of packets. Within the batch every
// rule-set handle read stays valid: the quiescent point is only
// crossed after the last packet.
func (w *Worker) ProcessBatch(pkts []*Packet, now time.Time) []Result {
	nowSec := uint64(now.Unix())
	w.Flows.Advance(nowSec)

	results := make([]Result, len(pkts))
	for i, pkt := range pkts {
		results[i] = w.process(pkt, nowSec)
		next := results[i].Next
		if next == NextDrop && results[i].Cause != "" {
			w.c.metrics.ClassifyErrors.WithLabelValues(results[i].Cause).Inc()
		}
		w.c.metrics.ClassifiedPackets.WithLabelValues(next.String()).Inc()
	}

	w.c.metrics.FlowsActive.WithLabelValues(strconv.Itoa(w.id)).Set(float64(w.Flows.Live))
	if d := w.Flows.Expired - w.expiredSeen; d > 0 {
		w.c.metrics.FlowsExpired.Add(float64(d))
		w.expiredSeen = w.Flows.Expired
	}
	if d := w.Flows.Recycled - w.recycledSeen; d > 0 {
		w.c.metrics.FlowRecycles.Add(float64(d))
		w.recycledSeen = w.Flows.Recycled
	}
	w.Quiesce()
	return results
}

func (w *Worker) process(pkt *Packet, now uint64) Result {
	sess, ok := w.c.sessions.At(pkt.SessionIdx)
	if !ok {
		return Result{Next: NextDrop, Cause: CauseNoSession}
	}
	active := sess.Active()
	srcIntf := session.Intf(pkt.SrcIntf)
	dir := session.DirectionOf(srcIntf)

	pkt.Meta.SessionIndex = sess.Index
	pkt.Meta.TEID = pkt.TEID

	if pkt.DataOffset > len(pkt.Data) {
		return Result{Next: NextDrop, Cause: CauseMalformed}
	}
	info, err := w.dec.decode(pkt.Data[pkt.DataOffset:], pkt.IsIP4)
	if err != nil {
		return Result{Next: NextDrop, Cause: CauseMalformed}
	}

	pdr := w.selectPDR(active, dir, srcIntf, pkt, &info)
	if pdr == nil {
		return Result{Next: NextDrop, Cause: CauseNoPDR}
	}

	var far *session.FAR
	if pdr.HasFAR {
		far = active.FARByID(pdr.FARID)
	}
	if far == nil {
		return Result{Next: NextDrop, Cause: CauseNoFAR}
	}

	// Outer header removal: the recorded shape must match what the
	// PDR expects; a mismatch drops before any state is touched.
	if cause, ok := w.removeOuterHeader(pdr, pkt); !ok {
		return Result{Next: NextDrop, Cause: cause}
	}

	flow := w.updateFlow(sess, pdr, pkt, &info, now)

	if flow != nil && pdr.AppIndex != adf.NoApp && flow.AppIndex == adf.NoApp && pkt.IsIP4 && info.IsTCP {
		pathDB, hostDB := pdr.DBs()
		if pathDB != nil && hostDB != nil {
			if app, hit := dpi.ParseHTTPGet(info.Payload, pathDB, hostDB, w.scratch); hit {
				flow.AppIndex = uint32(app)
				w.c.metrics.DPIBindings.Inc()
			}
		}
	}

	res := w.applyFAR(active, far, pkt)

	isDL := pdr.SrcIntf == session.IntfCore || far.Forward.DstIntf == session.IntfAccess
	isUL := pdr.SrcIntf == session.IntfAccess || far.Forward.DstIntf == session.IntfCore
	w.processURRs(sess, active, pdr, len(pkt.Data)-pkt.Meta.DataOffset, isDL, isUL)

	if w.c.tracing.Load() {
		res.Trace = makeTrace(sess, pdr, far, pkt)
	}
	return res
}

// selectPDR resolves the PDR for a packet: the direction's ACL context
// first, the wildcard TEID map as fallback, lowest precedence winning
// when both produce a candidate.
func (w *Worker) selectPDR(active *session.RuleSet, dir session.Direction, srcIntf session.Intf, pkt *Packet, info *Info) *session.PDR {
	var aclPDR, teidPDR *session.PDR
	var aclIdx uint32

	if acl := active.SDF[dir]; acl.Len() > 0 {
		if res := acl.Classify(info.Proto, info.Src, info.Dst, info.SrcPort, info.DstPort, pkt.TEID); res != 0 {
			aclPDR = active.PDRAt(res - 1)
			aclIdx = res - 1
		}
	}
	if id, ok := active.WildcardTEID[session.TunnelKey{SrcIntf: srcIntf, TEID: pkt.TEID}]; ok {
		teidPDR = active.PDRByID(id)
	}

	switch {
	case aclPDR != nil && (teidPDR == nil || aclPDR.Precedence <= teidPDR.Precedence):
		pkt.Meta.PDRIdx = aclIdx
		return aclPDR
	case teidPDR != nil:
		for i, p := range active.PDRs {
			if p == teidPDR {
				pkt.Meta.PDRIdx = uint32(i)
				break
			}
		}
		return teidPDR
	default:
		return nil
	}
}

// removeOuterHeader validates the recorded header shape against the
// PDR and advances the metadata offset past the outer headers.
func (w *Worker) removeOuterHeader(pdr *session.PDR, pkt *Packet) (string, bool) {
	const (
		ip4UDP = 20 + 8
		ip6UDP = 40 + 8
	)

	switch pdr.OuterHeaderRemoval {
	case session.RemoveGTPUDPIPv4:
		if pkt.Shape != ShapeGTPUDPIP4 {
			return CauseOuterHeaderShape, false
		}
		pkt.Meta.DataOffset = pkt.DataOffset
	case session.RemoveGTPUDPIPv6:
		if pkt.Shape != ShapeGTPUDPIP6 {
			return CauseOuterHeaderShape, false
		}
		pkt.Meta.DataOffset = pkt.DataOffset
	case session.RemoveUDPIPv4:
		if pkt.Shape != ShapeUDPIP4 {
			return CauseOuterHeaderShape, false
		}
		pkt.Meta.DataOffset = ip4UDP
	case session.RemoveUDPIPv6:
		if pkt.Shape != ShapeUDPIP6 {
			return CauseOuterHeaderShape, false
		}
		pkt.Meta.DataOffset = ip6UDP
	case session.RemoveNone:
		pkt.Meta.DataOffset = pkt.DataOffset
	default:
		return CauseOuterHeaderShape, false
	}
	return "", true
}

// updateFlow maintains the flow entry for the packet. A nil return
// means the pool was exhausted with nothing to recycle; the packet is
// still forwarded.
func (w *Worker) updateFlow(sess *session.Session, pdr *session.PDR, pkt *Packet, info *Info, now uint64) *flowtable.Entry {
	sig, rev := flowtable.MakeSignature(info.Proto, info.Src, info.Dst, info.SrcPort, info.DstPort)
	entry, created, err := w.Flows.LookupOrCreate(sig, sig.Hash(), now)
	if err != nil {
		w.c.logger.Warn("flow allocation failed", "err", err)
		return nil
	}

	entry.Attach(sess.Index)
	if created {
		entry.InitiatorRev = rev
		entry.InitiatorPDR = pdr.ID
		w.c.metrics.FlowsCreated.Inc()
	} else if entry.Direction(rev) == 1 && entry.ResponderPDR == 0 {
		entry.ResponderPDR = pdr.ID
	}

	if info.IsTCP {
		w.Flows.UpdateTCP(entry, info.TCPFlags, now)
	}

	d := entry.Direction(rev)
	entry.Stats[d].Pkts++
	entry.Stats[d].Bytes += uint64(len(pkt.Data) - pkt.Meta.DataOffset)
	return entry
}

// applyFAR picks the next hop from the forwarding action.
func (w *Worker) applyFAR(active *session.RuleSet, far *session.FAR, pkt *Packet) Result {
	if far.ApplyAction&session.ActionForward != 0 {
		fwd := &far.Forward

		if ohc := fwd.OuterHeaderCreation; ohc != nil {
			switch {
			case ohc.Description&session.CreateGTPIPv4 != 0:
				return Result{Next: NextGTPIP4Encap}
			case ohc.Description&session.CreateGTPIPv6 != 0:
				return Result{Next: NextGTPIP6Encap}
			default:
				return Result{Next: NextDrop, Cause: CauseUnsupportedAction}
			}
		}

		if fwd.Redirect != nil {
			fibIndex := w.c.fib.TableForSwIf(fwd.DstSwIfIndex, pkt.IsIP4)
			pkt.Meta.TxSwIfIndex = fwd.DstSwIfIndex
			pkt.Meta.FARIndex = farIndex(active, far) | RedirectBit
			if w.c.redirect != nil {
				pkt.Meta.ConnectionIndex = w.c.redirect.Session(fibIndex, pkt.IsIP4)
			}
			return Result{Next: NextIPLocal}
		}

		pkt.Meta.TxSwIfIndex = w.c.fib.TableForSwIf(fwd.DstSwIfIndex, pkt.IsIP4)
		return Result{Next: NextIPInput}
	}

	if far.ApplyAction&session.ActionBuffer != 0 {
		// Buffering is stubbed in this core.
		return Result{Next: NextDrop, Cause: CauseBuffered}
	}
	return Result{Next: NextDrop, Cause: CauseUnsupportedAction}
}

func farIndex(active *session.RuleSet, far *session.FAR) uint32 {
	for i := range active.FARs {
		if &active.FARs[i] == far {
			return uint32(i)
		}
	}
	return 0
}

// processURRs charges the packet to every URR the PDR references and
// raises a control event when a threshold or quota trips.
func (w *Worker) processURRs(sess *session.Session, active *session.RuleSet, pdr *session.PDR, pktLen int, isDL, isUL bool) {
	if pktLen < 0 {
		pktLen = 0
	}
	n := uint64(pktLen)
	fired := false

	for _, id := range pdr.URRIDs {
		urr := active.URRByID(id)
		if urr == nil {
			continue
		}

		if isUL {
			atomic.AddUint64(&urr.Measure.Bytes.UL, n)
			atomic.AddUint64(&urr.Measure.Consumed.UL, n)
		}
		if isDL {
			atomic.AddUint64(&urr.Measure.Bytes.DL, n)
			atomic.AddUint64(&urr.Measure.Consumed.DL, n)
		}
		atomic.AddUint64(&urr.Measure.Bytes.Total, n)
		atomic.AddUint64(&urr.Measure.Consumed.Total, n)

		if checkURR(urr) {
			fired = true
		}
	}

	if fired {
		select {
		case w.c.urrEvents <- sess.Index:
		default:
			// A pending event for the session is already queued;
			// counters accumulate either way.
		}
	}
}

func checkURR(urr *session.URR) bool {
	fired := false
	axes := []struct {
		bytes, consumed *uint64
		threshold       uint64
		quota           uint64
	}{
		{&urr.Measure.Bytes.UL, &urr.Measure.Consumed.UL, urr.Threshold.UL, urr.Quota.UL},
		{&urr.Measure.Bytes.DL, &urr.Measure.Consumed.DL, urr.Threshold.DL, urr.Quota.DL},
		{&urr.Measure.Bytes.Total, &urr.Measure.Consumed.Total, urr.Threshold.Total, urr.Quota.Total},
	}

	for _, ax := range axes {
		if ax.quota != 0 && atomic.LoadUint64(ax.consumed) >= ax.quota {
			setTrigger(urr, session.TriggerVolumeQuota)
			fired = true
		}
		if ax.threshold != 0 && atomic.LoadUint64(ax.bytes) > ax.threshold {
			setTrigger(urr, session.TriggerVolumeThreshold)
			fired = true
		}
	}
	return fired
}

// setTrigger sets a trigger bit with a CAS loop; workers on different
// cores may race on the same URR.
func setTrigger(urr *session.URR, bit uint32) {
	for {
		old := atomic.LoadUint32(&urr.Triggers)
		if old&bit != 0 || atomic.CompareAndSwapUint32(&urr.Triggers, old, old|bit) {
			return
		}
	}
}

func makeTrace(sess *session.Session, pdr *session.PDR, far *session.FAR, pkt *Packet) *TraceRecord {
	tr := &TraceRecord{
		SessionIndex: sess.Index,
		CPSEID:       sess.CPSEID,
		PDRID:        pdr.ID,
		FARID:        far.ID,
	}
	copy(tr.PacketData[:], pkt.Data[pkt.Meta.DataOffset:])
	return tr
}
