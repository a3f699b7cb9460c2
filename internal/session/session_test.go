// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package session

import (
	"context"
	"net/netip"
	"testing"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/errors"
	"github.com/emflex/upf/internal/rcu"
)

func newTestRegistry() *Registry {
	return NewRegistry(rcu.New(1))
}

var (
	cpAddr = netip.MustParseAddr("10.100.0.1")
	upAddr = netip.MustParseAddr("10.100.0.2")
)

func TestCreateLookupDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	s, err := r.Create(0xdead, cpAddr, upAddr, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.UPSEID == 0 {
		t.Error("up-seid must be allocated")
	}
	if s.Active() == nil {
		t.Error("new session must have an empty active rule set")
	}

	if _, err := r.Create(0xdead, cpAddr, upAddr, 0); errors.GetKind(err) != errors.KindAlreadyExists {
		t.Errorf("duplicate cp-seid: expected KindAlreadyExists, got %v", err)
	}

	if got, ok := r.ByCPSEID(0xdead); !ok || got != s {
		t.Error("ByCPSEID miss")
	}
	if got, ok := r.ByUPSEID(s.UPSEID); !ok || got != s {
		t.Error("ByUPSEID miss")
	}
	if got, ok := r.At(s.Index); !ok || got != s {
		t.Error("At miss")
	}

	if _, err := r.Delete(ctx, s.UPSEID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Delete(ctx, s.UPSEID); errors.GetKind(err) != errors.KindNotFound {
		t.Errorf("second delete: expected KindNotFound, got %v", err)
	}
	if _, ok := r.ByCPSEID(0xdead); ok {
		t.Error("deleted session still reachable")
	}
}

func TestUPSEIDsAreUnique(t *testing.T) {
	r := newTestRegistry()
	seen := make(map[uint64]bool)
	for i := 0; i < 16; i++ {
		s, err := r.Create(uint64(i+1), cpAddr, upAddr, 0)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		if seen[s.UPSEID] {
			t.Fatalf("up-seid %d allocated twice", s.UPSEID)
		}
		seen[s.UPSEID] = true
	}
}

func TestPendingCommit(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	s, _ := r.Create(1, cpAddr, upAddr, 0)

	old := s.Active()

	pending := s.Pending()
	pending.FARs = append(pending.FARs, FAR{ID: 1, ApplyAction: ActionForward})
	pending.PDRs = append(pending.PDRs, &PDR{ID: 1, Precedence: 100, AppIndex: adf.NoApp, FARID: 1, HasFAR: true, TEID: 0x10, HasTEID: true})

	// Workers still read the old version until commit.
	if s.Active() != old {
		t.Fatal("pending mutation leaked into active")
	}

	if err := pending.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := r.Commit(ctx, s); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	active := s.Active()
	if active == old {
		t.Fatal("commit did not publish the pending version")
	}
	if active.PDRByID(1) == nil || active.FARByID(1) == nil {
		t.Error("published rules missing")
	}
	if _, ok := active.WildcardTEID[TunnelKey{SrcIntf: IntfAccess, TEID: 0x10}]; !ok {
		t.Error("wildcard teid entry missing")
	}
}

func TestFinalizeBuildsSDF(t *testing.T) {
	rs := NewRuleSet()
	rs.FARs = []FAR{{ID: 1, ApplyAction: ActionForward}}
	rs.PDRs = []*PDR{
		{ID: 1, Precedence: 200, SrcIntf: IntfAccess, FARID: 1, HasFAR: true, AppIndex: adf.NoApp,
			FlowDesc: "permit out ip from any to 10.0.0.0/8"},
		{ID: 2, Precedence: 100, SrcIntf: IntfAccess, FARID: 1, HasFAR: true, AppIndex: adf.NoApp,
			FlowDesc: "permit out tcp from any to any 80"},
		{ID: 3, Precedence: 50, SrcIntf: IntfCore, FARID: 1, HasFAR: true, AppIndex: adf.NoApp,
			TEID: 0x42, HasTEID: true},
	}

	if err := rs.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// PDRs sorted by precedence: 3 (50), 2 (100), 1 (200).
	if rs.PDRs[0].ID != 3 || rs.PDRs[1].ID != 2 || rs.PDRs[2].ID != 1 {
		t.Fatalf("precedence order wrong: %d %d %d", rs.PDRs[0].ID, rs.PDRs[1].ID, rs.PDRs[2].ID)
	}

	if rs.SDF[Uplink] == nil {
		t.Fatal("uplink sdf context missing")
	}
	if rs.SDF[Downlink] != nil {
		t.Error("downlink sdf context must be nil without filters")
	}

	// The uplink context reports 1-based indices into the sorted PDR
	// vector: PDR 2 sits at index 1.
	src := netip.MustParseAddr("10.9.9.9")
	dst := netip.MustParseAddr("172.16.0.1")
	if got := rs.SDF[Uplink].Classify(6, src, dst, 1234, 80, 0); got != 2 {
		t.Errorf("classify = %d, want 2 (pdr 2 at sorted index 1)", got)
	}

	if id, ok := rs.WildcardTEID[TunnelKey{SrcIntf: IntfCore, TEID: 0x42}]; !ok || id != 3 {
		t.Errorf("wildcard teid = %d/%v, want pdr 3", id, ok)
	}
}

func TestFinalizeBadFlowDesc(t *testing.T) {
	rs := NewRuleSet()
	rs.PDRs = []*PDR{{ID: 1, AppIndex: adf.NoApp, FlowDesc: "nonsense"}}
	if err := rs.Finalize(); err == nil {
		t.Fatal("expected error for malformed flow description")
	}
}

func TestTieBreakByInsertionOrder(t *testing.T) {
	rs := NewRuleSet()
	rs.PDRs = []*PDR{
		{ID: 10, Precedence: 100, AppIndex: adf.NoApp},
		{ID: 20, Precedence: 100, AppIndex: adf.NoApp},
	}
	rs.SortPDRs()
	if rs.PDRs[0].ID != 10 {
		t.Error("equal precedence must preserve insertion order")
	}
}

func TestHighestDPIPDR(t *testing.T) {
	rs := NewRuleSet()
	rs.PDRs = []*PDR{
		{ID: 1, Precedence: 300, SrcIntf: IntfAccess, AppIndex: 7},
		{ID: 2, Precedence: 100, SrcIntf: IntfAccess, AppIndex: 9},
		{ID: 3, Precedence: 50, SrcIntf: IntfAccess, AppIndex: adf.NoApp},
		{ID: 4, Precedence: 10, SrcIntf: IntfCore, AppIndex: 7},
	}

	got := rs.HighestDPIPDR(Uplink)
	if got == nil || got.ID != 2 {
		t.Fatalf("HighestDPIPDR(Uplink) = %v, want pdr 2", got)
	}

	byApp := rs.DPIPDRByApp(Uplink, 7)
	if byApp == nil || byApp.ID != 1 {
		t.Fatalf("DPIPDRByApp(7) = %v, want pdr 1", byApp)
	}
	if rs.DPIPDRByApp(Downlink, 9) != nil {
		t.Error("no downlink pdr is bound to app 9")
	}
}

func TestCloneIsolation(t *testing.T) {
	rs := NewRuleSet()
	rs.PDRs = []*PDR{{ID: 1, Precedence: 5, AppIndex: adf.NoApp, URRIDs: []uint32{1}}}
	rs.FARs = []FAR{{ID: 1}}
	rs.URRs = []URR{{ID: 1, Threshold: Volumes{Total: 100}}}
	rs.WildcardTEID[TunnelKey{SrcIntf: IntfAccess, TEID: 1}] = 1

	cl := rs.Clone()
	cl.PDRs[0].Precedence = 99
	cl.PDRs[0].URRIDs[0] = 42
	cl.FARs[0].ID = 99
	cl.URRs[0].ID = 99
	delete(cl.WildcardTEID, TunnelKey{SrcIntf: IntfAccess, TEID: 1})

	if rs.PDRs[0].Precedence != 5 || rs.PDRs[0].URRIDs[0] != 1 {
		t.Error("clone shares PDR storage with original")
	}
	if rs.FARs[0].ID != 1 || rs.URRs[0].ID != 1 {
		t.Error("clone shares FAR/URR storage with original")
	}
	if _, ok := rs.WildcardTEID[TunnelKey{SrcIntf: IntfAccess, TEID: 1}]; !ok {
		t.Error("clone shares wildcard map with original")
	}
}

func TestUpdateAppHandles(t *testing.T) {
	r := newTestRegistry()
	s, _ := r.Create(1, cpAddr, upAddr, 0)

	pending := s.Pending()
	pending.PDRs = append(pending.PDRs, &PDR{ID: 1, AppIndex: 3})
	if err := pending.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := r.Commit(context.Background(), s); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r.UpdateAppHandles(3, nil, nil)
	path, host := s.Active().PDRByID(1).DBs()
	if path != nil || host != nil {
		t.Error("UpdateAppHandles(nil) must clear cached handles")
	}
}
