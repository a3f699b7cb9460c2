// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package session

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/emflex/upf/internal/dpi"
	"github.com/emflex/upf/internal/errors"
	"github.com/emflex/upf/internal/rcu"
)

// Session is one PFCP session with its two rule-set versions. Workers
// only ever read the active version through the atomic pointer.
type Session struct {
	Index  uint32
	CPSEID uint64
	UPSEID uint64

	CPAddress netip.Addr
	UPAddress netip.Addr
	FIBIndex  uint32

	active  atomic.Pointer[RuleSet]
	pending *RuleSet
}

// Active returns the rule-set version workers classify against.
func (s *Session) Active() *RuleSet {
	return s.active.Load()
}

// Pending returns the mutable version, cloning the active one on first
// use. Only the control process calls this.
func (s *Session) Pending() *RuleSet {
	if s.pending == nil {
		if cur := s.Active(); cur != nil {
			s.pending = cur.Clone()
		} else {
			s.pending = NewRuleSet()
		}
	}
	return s.pending
}

// Registry owns every session, indexed three ways: by stable arena
// index, by CP-SEID and by UP-SEID.
type Registry struct {
	mu       sync.RWMutex
	sessions []*Session // arena; removed slots stay nil
	free     []uint32
	byCPSEID map[uint64]uint32
	byUPSEID map[uint64]uint32
	seidNext uint64

	domain *rcu.Domain
}

// NewRegistry creates an empty session registry.
func NewRegistry(domain *rcu.Domain) *Registry {
	return &Registry{
		byCPSEID: make(map[uint64]uint32),
		byUPSEID: make(map[uint64]uint32),
		seidNext: 1,
		domain:   domain,
	}
}

// Create establishes a session for the control-plane-chosen SEID and
// allocates the local UP-SEID.
func (r *Registry) Create(cpSEID uint64, cpAddr, upAddr netip.Addr, fibIndex uint32) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byCPSEID[cpSEID]; dup {
		return nil, errors.Errorf(errors.KindAlreadyExists, "session with cp-seid 0x%016x already exists", cpSEID)
	}

	s := &Session{
		CPSEID:    cpSEID,
		UPSEID:    r.seidNext,
		CPAddress: cpAddr,
		UPAddress: upAddr,
		FIBIndex:  fibIndex,
	}
	r.seidNext++

	if n := len(r.free); n > 0 {
		s.Index = r.free[n-1]
		r.free = r.free[:n-1]
		r.sessions[s.Index] = s
	} else {
		s.Index = uint32(len(r.sessions))
		r.sessions = append(r.sessions, s)
	}
	r.byCPSEID[cpSEID] = s.Index
	r.byUPSEID[s.UPSEID] = s.Index

	s.active.Store(NewRuleSet())
	return s, nil
}

// Commit publishes the session's pending rule set as active and waits
// for quiescence so the superseded version can no longer be observed.
// The pending set must have been finalized.
func (r *Registry) Commit(ctx context.Context, s *Session) error {
	if s.pending == nil {
		return nil
	}
	s.active.Store(s.pending)
	s.pending = nil
	return r.domain.Synchronize(ctx)
}

// Delete removes a session by UP-SEID.
func (r *Registry) Delete(ctx context.Context, upSEID uint64) (*Session, error) {
	r.mu.Lock()
	idx, ok := r.byUPSEID[upSEID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Errorf(errors.KindNotFound, "session with up-seid 0x%016x does not exist", upSEID)
	}
	s := r.sessions[idx]
	delete(r.byUPSEID, upSEID)
	delete(r.byCPSEID, s.CPSEID)
	r.sessions[idx] = nil
	r.free = append(r.free, idx)
	r.mu.Unlock()

	// Workers may still be classifying against the session; wait them
	// out before the caller reports the final usage.
	if err := r.domain.Synchronize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// At returns the session at a stable arena index.
func (r *Registry) At(index uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(index) >= len(r.sessions) || r.sessions[index] == nil {
		return nil, false
	}
	return r.sessions[index], true
}

// ByCPSEID looks a session up by the control plane's SEID.
func (r *Registry) ByCPSEID(seid uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byCPSEID[seid]
	if !ok {
		return nil, false
	}
	return r.sessions[idx], true
}

// ByUPSEID looks a session up by the locally allocated SEID.
func (r *Registry) ByUPSEID(seid uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byUPSEID[seid]
	if !ok {
		return nil, false
	}
	return r.sessions[idx], true
}

// Each visits every live session.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.byUPSEID))
	for _, s := range r.sessions {
		if s != nil {
			snapshot = append(snapshot, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// UpdateAppHandles is the adf rebuild hook: every PDR referencing the
// application gets the new compiled database handles, in both the
// active and pending rule-set versions.
func (r *Registry) UpdateAppHandles(appIndex uint32, path, host *dpi.Handle) {
	r.Each(func(s *Session) {
		for _, rs := range []*RuleSet{s.Active(), s.pending} {
			if rs == nil {
				continue
			}
			for _, p := range rs.PDRs {
				if p.AppIndex == appIndex {
					p.SetDBs(path, host)
				}
			}
		}
	})
}
