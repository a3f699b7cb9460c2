// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package classify

// NextHop names the nodes a classified packet can be handed to.
type NextHop uint8

const (
	NextDrop NextHop = iota
	NextGTPIP4Encap
	NextGTPIP6Encap
	NextIPInput
	NextIPLocal
)

func (n NextHop) String() string {
	switch n {
	case NextDrop:
		return "drop"
	case NextGTPIP4Encap:
		return "gtp-ip4-encap"
	case NextGTPIP6Encap:
		return "gtp-ip6-encap"
	case NextIPInput:
		return "ip-input"
	case NextIPLocal:
		return "ip-local"
	default:
		return "invalid"
	}
}

// Drop causes, attributed to per-node error counters.
const (
	CauseNoPDR             = "no_pdr"
	CauseNoFAR             = "no_far"
	CauseOuterHeaderShape  = "outer_header_mismatch"
	CauseMalformed         = "malformed_packet"
	CauseNoSession         = "no_session"
	CauseUnsupportedAction = "unsupported_action"
	CauseBuffered          = "buffer_stub"
)

// Recorded outer-header shapes set by the GTP-U decap node.
const (
	ShapeGTPUDPIP4 uint8 = iota + 1
	ShapeGTPUDPIP6
	ShapeUDPIP4
	ShapeUDPIP6
)

// RedirectBit marks FARIndex values that carry redirect state.
const RedirectBit = uint32(0x80000000)

// Meta is the buffer metadata written for downstream nodes.
type Meta struct {
	SessionIndex    uint32
	PDRIdx          uint32
	TEID            uint32
	DataOffset      int
	TxSwIfIndex     uint32
	FARIndex        uint32
	ConnectionIndex uint32
}

// Packet is one decapsulated buffer entering the classifier. Data is
// the full buffer; DataOffset is where the inner IP header begins, as
// recorded by the decap node together with the header Shape.
type Packet struct {
	Data       []byte
	IsIP4      bool
	Shape      uint8
	SrcIntf    uint8 // session.Intf value
	TEID       uint32
	SessionIdx uint32
	DataOffset int

	Meta Meta
}

// TraceRecord mirrors the packet-tracer record the original node emits.
type TraceRecord struct {
	SessionIndex uint32
	CPSEID       uint64
	PDRID        uint16
	FARID        uint32
	PacketData   [60]byte
}

// Result is the classifier's verdict for one packet.
type Result struct {
	Next  NextHop
	Cause string // set when Next is NextDrop
	Trace *TraceRecord
}
