// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package session holds the per-session rule model: PDRs, FARs, URRs,
// and the two rule-set versions (active and pending) workers and the
// control process share through RCU-style publication.
package session

import (
	"net/netip"
	"sort"
	"sync/atomic"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/dpi"
	"github.com/emflex/upf/internal/sdf"
)

// Interface values follow the PFCP source/destination interface encoding.
type Intf uint8

const (
	IntfAccess Intf = iota
	IntfCore
	IntfSGiLAN
	IntfCPFunction
)

// Direction indexes the per-direction SDF contexts.
type Direction int

const (
	Uplink Direction = iota
	Downlink
)

// DirectionOf maps a packet's source interface to its direction.
func DirectionOf(src Intf) Direction {
	if src == IntfAccess {
		return Uplink
	}
	return Downlink
}

// Outer header removal descriptions, in the PFCP encoding.
type OuterHeaderRemoval uint8

const (
	RemoveGTPUDPIPv4 OuterHeaderRemoval = iota
	RemoveGTPUDPIPv6
	RemoveUDPIPv4
	RemoveUDPIPv6
	RemoveNone OuterHeaderRemoval = 0xff
)

// Outer header creation description bits, in the PFCP wire encoding.
const (
	CreateGTPIPv4 uint16 = 0x0100
	CreateGTPIPv6 uint16 = 0x0200
	CreateUDPIPv4 uint16 = 0x0400
	CreateUDPIPv6 uint16 = 0x0800
)

// Apply action bits, matching the PFCP Apply Action IE.
type ApplyAction uint8

const (
	ActionDrop    ApplyAction = 1 << 0
	ActionForward ApplyAction = 1 << 1
	ActionBuffer  ApplyAction = 1 << 2
)

// OuterHeaderCreation describes the encap the FAR requests.
type OuterHeaderCreation struct {
	Description uint16
	TEID        uint32
	Address     netip.Addr
	Port        uint16
}

// RedirectInfo carries HTTP redirect parameters.
type RedirectInfo struct {
	Type    uint8
	Address string
}

// Forwarding is the FAR forward branch.
type Forwarding struct {
	DstIntf             Intf
	DstSwIfIndex        uint32
	OuterHeaderCreation *OuterHeaderCreation
	Redirect            *RedirectInfo
}

// FAR is a Forwarding Action Rule.
type FAR struct {
	ID          uint32
	ApplyAction ApplyAction
	Forward     Forwarding
}

// Volumes carries one value per measurement axis.
type Volumes struct {
	UL, DL, Total uint64
}

// VolumeMeasure is a URR's running counters.
type VolumeMeasure struct {
	Bytes    Volumes
	Consumed Volumes
}

// Usage report trigger bits.
const (
	TriggerVolumeThreshold uint32 = 1 << 0
	TriggerVolumeQuota     uint32 = 1 << 1
	TriggerTimeout         uint32 = 1 << 2
)

// URR is a Usage Reporting Rule.
type URR struct {
	ID        uint32
	Threshold Volumes
	Quota     Volumes
	Measure   VolumeMeasure

	// Triggers accumulates fired trigger bits until reported.
	Triggers uint32
	// SeqNum counts emitted usage reports for this URR.
	SeqNum uint32
}

// PDR is a Packet Detection Rule. The compiled database handles are
// caches owned by the adf registry; the registry rewrites them on every
// rebuild, concurrently with worker reads, hence the atomics.
type PDR struct {
	ID                 uint16
	Precedence         uint32
	SrcIntf            Intf
	OuterHeaderRemoval OuterHeaderRemoval
	AppIndex           uint32 // adf.NoApp when unbound
	FARID              uint32
	HasFAR             bool
	URRIDs             []uint32

	// Detection information: an SDF flow description and/or the local
	// F-TEID. A PDR without a flow description matches by TEID alone
	// through the wildcard map.
	FlowDesc string
	TEID     uint32
	HasTEID  bool

	pathDB atomic.Pointer[dpi.Handle]
	hostDB atomic.Pointer[dpi.Handle]
}

// DBs returns the cached compiled database handles.
func (p *PDR) DBs() (path, host *dpi.Handle) {
	return p.pathDB.Load(), p.hostDB.Load()
}

// SetDBs replaces the cached handles. nil clears them.
func (p *PDR) SetDBs(path, host *dpi.Handle) {
	p.pathDB.Store(path)
	p.hostDB.Store(host)
}

// TunnelKey keys the wildcard TEID map.
type TunnelKey struct {
	SrcIntf Intf
	TEID    uint32
}

// RuleSet is one version of a session's installed rules.
type RuleSet struct {
	PDRs []*PDR
	FARs []FAR
	URRs []URR

	// SDF holds the per-direction ACL contexts; nil means fall back
	// to the wildcard TEID map.
	SDF [2]*sdf.Context

	WildcardTEID map[TunnelKey]uint16
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{WildcardTEID: make(map[TunnelKey]uint16)}
}

// SortPDRs orders PDRs by precedence, insertion order breaking ties.
func (rs *RuleSet) SortPDRs() {
	sort.SliceStable(rs.PDRs, func(i, j int) bool {
		return rs.PDRs[i].Precedence < rs.PDRs[j].Precedence
	})
}

// PDRByID finds a PDR by rule id.
func (rs *RuleSet) PDRByID(id uint16) *PDR {
	for _, p := range rs.PDRs {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PDRAt returns the PDR at a 0-based vector index, as reported by the
// ACL engine (its results are 1-based; the caller subtracts one).
func (rs *RuleSet) PDRAt(idx uint32) *PDR {
	if int(idx) >= len(rs.PDRs) {
		return nil
	}
	return rs.PDRs[idx]
}

// FARByID finds a FAR by rule id.
func (rs *RuleSet) FARByID(id uint32) *FAR {
	for i := range rs.FARs {
		if rs.FARs[i].ID == id {
			return &rs.FARs[i]
		}
	}
	return nil
}

// URRByID finds a URR by rule id.
func (rs *RuleSet) URRByID(id uint32) *URR {
	for i := range rs.URRs {
		if rs.URRs[i].ID == id {
			return &rs.URRs[i]
		}
	}
	return nil
}

// HighestDPIPDR returns the minimum-precedence PDR for the direction
// that carries an application binding.
func (rs *RuleSet) HighestDPIPDR(d Direction) *PDR {
	var best *PDR
	for _, p := range rs.PDRs {
		if p.AppIndex == adf.NoApp || DirectionOf(p.SrcIntf) != d {
			continue
		}
		if best == nil || p.Precedence < best.Precedence {
			best = p
		}
	}
	return best
}

// DPIPDRByApp returns the first PDR for the direction bound to the
// given application.
func (rs *RuleSet) DPIPDRByApp(d Direction, appIndex uint32) *PDR {
	for _, p := range rs.PDRs {
		if p.AppIndex == appIndex && DirectionOf(p.SrcIntf) == d {
			return p
		}
	}
	return nil
}

// Finalize orders the PDRs by precedence and rebuilds the derived
// match structures: the per-direction ACL contexts from SDF flow
// descriptions and the wildcard TEID map for PDRs matching by tunnel
// alone. Call before publishing the rule set.
func (rs *RuleSet) Finalize() error {
	rs.SortPDRs()
	rs.WildcardTEID = make(map[TunnelKey]uint16)

	var rules [2][]sdf.Rule
	for i, p := range rs.PDRs {
		d := DirectionOf(p.SrcIntf)

		if p.FlowDesc != "" {
			rule, err := sdf.ParseFlowDescription(p.FlowDesc)
			if err != nil {
				return err
			}
			if p.HasTEID {
				rule.AnyTEID = false
				rule.TEID = p.TEID
			}
			rule.Result = uint32(i) + 1
			rules[d] = append(rules[d], rule)
			continue
		}

		if p.HasTEID {
			key := TunnelKey{SrcIntf: p.SrcIntf, TEID: p.TEID}
			if _, dup := rs.WildcardTEID[key]; !dup {
				rs.WildcardTEID[key] = p.ID
			}
		}
	}

	for d := range rules {
		if len(rules[d]) > 0 {
			rs.SDF[d] = sdf.New(rules[d])
		} else {
			rs.SDF[d] = nil
		}
	}
	return nil
}

// Clone deep-copies the rule set for pending mutation. PDRs are fresh
// values so in-place edits never reach the published version; the
// cached DB handles carry over.
func (rs *RuleSet) Clone() *RuleSet {
	out := NewRuleSet()
	out.PDRs = make([]*PDR, len(rs.PDRs))
	for i, p := range rs.PDRs {
		np := &PDR{
			ID:                 p.ID,
			Precedence:         p.Precedence,
			SrcIntf:            p.SrcIntf,
			OuterHeaderRemoval: p.OuterHeaderRemoval,
			AppIndex:           p.AppIndex,
			FARID:              p.FARID,
			HasFAR:             p.HasFAR,
			URRIDs:             append([]uint32(nil), p.URRIDs...),
			FlowDesc:           p.FlowDesc,
			TEID:               p.TEID,
			HasTEID:            p.HasTEID,
		}
		path, host := p.DBs()
		np.SetDBs(path, host)
		out.PDRs[i] = np
	}
	out.FARs = append([]FAR(nil), rs.FARs...)
	out.URRs = append([]URR(nil), rs.URRs...)
	out.SDF = rs.SDF
	for k, v := range rs.WildcardTEID {
		out.WildcardTEID[k] = v
	}
	return out
}
