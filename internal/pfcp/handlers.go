// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package pfcp

import (
	"context"
	"net"
	"net/netip"

	"github.com/wmnsk/go-pfcp/ie"
	"github.com/wmnsk/go-pfcp/message"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/errors"
	"github.com/emflex/upf/internal/session"
)

// causeOf translates an error kind into the PFCP cause for a negative
// response.
func causeOf(err error) uint8 {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		return ie.CauseSessionContextNotFound
	case errors.KindInvalidArgument:
		return ie.CauseMandatoryIEIncorrect
	case errors.KindCompile:
		return ie.CauseRuleCreationModificationFailure
	case errors.KindResourceExhausted:
		return ie.CauseNoResourcesAvailable
	case errors.KindUnsupported:
		return ie.CauseServiceNotSupported
	default:
		return ie.CauseRequestRejected
	}
}

// dispatch handles one decoded request and produces at most one reply.
func (s *Server) dispatch(ctx context.Context, msg message.Message, peer *net.UDPAddr) message.Message {
	switch req := msg.(type) {
	case *message.SessionEstablishmentRequest:
		return s.handleEstablishment(ctx, req, peer)
	case *message.SessionModificationRequest:
		return s.handleModification(ctx, req)
	case *message.SessionDeletionRequest:
		return s.handleDeletion(ctx, req)
	default:
		s.logger.Warn("unhandled pfcp message", "type", msg.MessageTypeName())
		return nil
	}
}

func (s *Server) handleEstablishment(ctx context.Context, req *message.SessionEstablishmentRequest, peer *net.UDPAddr) message.Message {
	reject := func(cause uint8) message.Message {
		return message.NewSessionEstablishmentResponse(0, 0, 0, req.Sequence(), 0,
			ie.NewCause(cause))
	}

	if req.CPFSEID == nil {
		return reject(ie.CauseMandatoryIEMissing)
	}
	fseid, err := req.CPFSEID.FSEID()
	if err != nil {
		return reject(ie.CauseMandatoryIEIncorrect)
	}

	cpAddr, ok := netip.AddrFromSlice(peer.IP)
	if fseid.IPv4Address != nil {
		if a, aok := netip.AddrFromSlice(fseid.IPv4Address); aok {
			cpAddr, ok = a, true
		}
	}
	if !ok {
		return reject(ie.CauseMandatoryIEIncorrect)
	}

	sess, err := s.sessions.Create(fseid.SEID, cpAddr.Unmap(), s.upAddr, 0)
	if err != nil {
		s.logger.Warn("session establishment rejected", "err", err)
		return reject(causeOf(err))
	}

	pending := sess.Pending()
	if err := s.applyRules(pending, req.CreatePDR, req.CreateFAR, req.CreateURR, nil, nil, nil, nil, nil, nil); err != nil {
		_, _ = s.sessions.Delete(ctx, sess.UPSEID)
		return reject(causeOf(err))
	}
	if err := pending.Finalize(); err != nil {
		_, _ = s.sessions.Delete(ctx, sess.UPSEID)
		return reject(causeOf(err))
	}
	if err := s.sessions.Commit(ctx, sess); err != nil {
		_, _ = s.sessions.Delete(ctx, sess.UPSEID)
		return reject(ie.CauseSystemFailure)
	}

	s.logger.Info("session established",
		"cp_seid", sess.CPSEID, "up_seid", sess.UPSEID, "peer", peer.String())

	var v4 net.IP
	if s.upAddr.Is4() {
		v4 = s.upAddr.AsSlice()
	}
	return message.NewSessionEstablishmentResponse(0, 0, sess.CPSEID, req.Sequence(), 0,
		ie.NewCause(ie.CauseRequestAccepted),
		ie.NewFSEID(sess.UPSEID, v4, nil),
	)
}

func (s *Server) handleModification(ctx context.Context, req *message.SessionModificationRequest) message.Message {
	reject := func(seid uint64, cause uint8) message.Message {
		return message.NewSessionModificationResponse(0, 0, seid, req.Sequence(), 0,
			ie.NewCause(cause))
	}

	sess, ok := s.sessions.ByUPSEID(req.SEID())
	if !ok {
		return reject(0, ie.CauseSessionContextNotFound)
	}

	pending := sess.Pending()
	// A rejected request must leave nothing behind: reset the pending
	// version to a fresh copy of the active one.
	discard := func() { *pending = *sess.Active().Clone() }
	if err := s.applyRules(pending,
		req.CreatePDR, req.CreateFAR, req.CreateURR,
		req.UpdatePDR, req.UpdateFAR, req.UpdateURR,
		req.RemovePDR, req.RemoveFAR, req.RemoveURR); err != nil {
		discard()
		s.logger.Warn("session modification rejected", "up_seid", sess.UPSEID, "err", err)
		return reject(sess.CPSEID, causeOf(err))
	}
	if err := pending.Finalize(); err != nil {
		discard()
		return reject(sess.CPSEID, causeOf(err))
	}
	if err := s.sessions.Commit(ctx, sess); err != nil {
		return reject(sess.CPSEID, ie.CauseSystemFailure)
	}

	s.logger.Info("session modified", "cp_seid", sess.CPSEID, "up_seid", sess.UPSEID)
	return message.NewSessionModificationResponse(0, 0, sess.CPSEID, req.Sequence(), 0,
		ie.NewCause(ie.CauseRequestAccepted))
}

func (s *Server) handleDeletion(ctx context.Context, req *message.SessionDeletionRequest) message.Message {
	sess, ok := s.sessions.ByUPSEID(req.SEID())
	if !ok {
		return message.NewSessionDeletionResponse(0, 0, 0, req.Sequence(), 0,
			ie.NewCause(ie.CauseSessionContextNotFound))
	}

	ies := []*ie.IE{ie.NewCause(ie.CauseRequestAccepted)}
	ies = append(ies, s.finalUsageReports(sess)...)

	if _, err := s.sessions.Delete(ctx, sess.UPSEID); err != nil {
		return message.NewSessionDeletionResponse(0, 0, sess.CPSEID, req.Sequence(), 0,
			ie.NewCause(causeOf(err)))
	}

	s.logger.Info("session deleted", "cp_seid", sess.CPSEID, "up_seid", sess.UPSEID)
	return message.NewSessionDeletionResponse(0, 0, sess.CPSEID, req.Sequence(), 0, ies...)
}

// applyRules folds create/update/remove groups into the pending rule
// set. Any failure leaves the active version untouched; the pending
// version is discarded by the caller via the rejected response path.
func (s *Server) applyRules(rs *session.RuleSet,
	createPDR, createFAR, createURR,
	updatePDR, updateFAR, updateURR,
	removePDR, removeFAR, removeURR []*ie.IE) error {

	for _, i := range removePDR {
		id, err := i.PDRID()
		if err != nil {
			return errors.Wrap(err, errors.KindInvalidArgument, "remove pdr id")
		}
		if !removePDRByID(rs, id) {
			return errors.Errorf(errors.KindNotFound, "pdr %d not installed", id)
		}
	}
	for _, i := range removeFAR {
		id, err := i.FARID()
		if err != nil {
			return errors.Wrap(err, errors.KindInvalidArgument, "remove far id")
		}
		if !removeFARByID(rs, id) {
			return errors.Errorf(errors.KindNotFound, "far %d not installed", id)
		}
	}
	for _, i := range removeURR {
		id, err := i.URRID()
		if err != nil {
			return errors.Wrap(err, errors.KindInvalidArgument, "remove urr id")
		}
		if !removeURRByID(rs, id) {
			return errors.Errorf(errors.KindNotFound, "urr %d not installed", id)
		}
	}

	for _, i := range createFAR {
		far, err := s.decodeFAR(i)
		if err != nil {
			return err
		}
		if rs.FARByID(far.ID) != nil {
			return errors.Errorf(errors.KindAlreadyExists, "far %d already installed", far.ID)
		}
		rs.FARs = append(rs.FARs, far)
	}
	for _, i := range updateFAR {
		far, err := s.decodeFAR(i)
		if err != nil {
			return err
		}
		if !removeFARByID(rs, far.ID) {
			return errors.Errorf(errors.KindNotFound, "far %d not installed", far.ID)
		}
		rs.FARs = append(rs.FARs, far)
	}

	for _, i := range createURR {
		urr, err := decodeURR(i)
		if err != nil {
			return err
		}
		if rs.URRByID(urr.ID) != nil {
			return errors.Errorf(errors.KindAlreadyExists, "urr %d already installed", urr.ID)
		}
		rs.URRs = append(rs.URRs, urr)
	}
	for _, i := range updateURR {
		urr, err := decodeURR(i)
		if err != nil {
			return err
		}
		if old := rs.URRByID(urr.ID); old != nil {
			// Counters survive a threshold/quota update.
			urr.Measure = old.Measure
			urr.SeqNum = old.SeqNum
			removeURRByID(rs, urr.ID)
		} else {
			return errors.Errorf(errors.KindNotFound, "urr %d not installed", urr.ID)
		}
		rs.URRs = append(rs.URRs, urr)
	}

	for _, i := range createPDR {
		pdr, err := s.decodePDR(i)
		if err != nil {
			return err
		}
		if rs.PDRByID(pdr.ID) != nil {
			return errors.Errorf(errors.KindAlreadyExists, "pdr %d already installed", pdr.ID)
		}
		rs.PDRs = append(rs.PDRs, pdr)
	}
	for _, i := range updatePDR {
		pdr, err := s.decodePDR(i)
		if err != nil {
			return err
		}
		if !removePDRByID(rs, pdr.ID) {
			return errors.Errorf(errors.KindNotFound, "pdr %d not installed", pdr.ID)
		}
		rs.PDRs = append(rs.PDRs, pdr)
	}

	// Referential integrity: every PDR's FAR must resolve.
	for _, p := range rs.PDRs {
		if p.HasFAR && rs.FARByID(p.FARID) == nil {
			return errors.Errorf(errors.KindNotFound, "pdr %d references unknown far %d", p.ID, p.FARID)
		}
	}
	return nil
}

func removePDRByID(rs *session.RuleSet, id uint16) bool {
	for i, p := range rs.PDRs {
		if p.ID == id {
			rs.PDRs = append(rs.PDRs[:i], rs.PDRs[i+1:]...)
			return true
		}
	}
	return false
}

func removeFARByID(rs *session.RuleSet, id uint32) bool {
	for i := range rs.FARs {
		if rs.FARs[i].ID == id {
			rs.FARs = append(rs.FARs[:i], rs.FARs[i+1:]...)
			return true
		}
	}
	return false
}

func removeURRByID(rs *session.RuleSet, id uint32) bool {
	for i := range rs.URRs {
		if rs.URRs[i].ID == id {
			rs.URRs = append(rs.URRs[:i], rs.URRs[i+1:]...)
			return true
		}
	}
	return false
}

// decodePDR turns a Create/Update PDR group into the internal rule.
func (s *Server) decodePDR(i *ie.IE) (*session.PDR, error) {
	pdr := &session.PDR{
		AppIndex:           adf.NoApp,
		OuterHeaderRemoval: session.RemoveNone,
	}

	id, err := i.PDRID()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidArgument, "pdr id")
	}
	pdr.ID = id

	if prec, err := i.Precedence(); err == nil {
		pdr.Precedence = prec
	}
	if ohr, err := i.OuterHeaderRemovalDescription(); err == nil {
		pdr.OuterHeaderRemoval = session.OuterHeaderRemoval(ohr)
	}
	if farID, err := i.FARID(); err == nil {
		pdr.FARID = farID
		pdr.HasFAR = true
	}

	// An update may omit the PDI group; absent means keep defaults.
	pdiIEs, err := i.PDI()
	if err != nil {
		pdiIEs = nil
	}
	for _, x := range pdiIEs {
		switch x.Type {
		case ie.SourceInterface:
			si, err := x.SourceInterface()
			if err != nil {
				return nil, errors.Wrap(err, errors.KindInvalidArgument, "source interface")
			}
			pdr.SrcIntf = session.Intf(si)
		case ie.FTEID:
			fteid, err := x.FTEID()
			if err != nil {
				return nil, errors.Wrap(err, errors.KindInvalidArgument, "f-teid")
			}
			pdr.TEID = fteid.TEID
			pdr.HasTEID = true
		case ie.SDFFilter:
			f, err := x.SDFFilter()
			if err != nil {
				return nil, errors.Wrap(err, errors.KindInvalidArgument, "sdf filter")
			}
			pdr.FlowDesc = f.FlowDescription
		case ie.ApplicationID:
			name, err := x.ApplicationID()
			if err != nil {
				return nil, errors.Wrap(err, errors.KindInvalidArgument, "application id")
			}
			app, ok := s.apps.AppByName(name)
			if !ok {
				return nil, errors.Errorf(errors.KindNotFound, "application %q is not provisioned", name)
			}
			pdr.AppIndex = app.ID
			pdr.SetDBs(app.DBs())
		}
	}

	// URR IDs live at the PDR group level; collect all of them.
	children, err := ie.ParseMultiIEs(i.Payload)
	if err == nil {
		for _, c := range children {
			if c.Type != ie.URRID {
				continue
			}
			if urrID, err := c.URRID(); err == nil {
				pdr.URRIDs = append(pdr.URRIDs, urrID)
			}
		}
	}

	return pdr, nil
}

// decodeFAR turns a Create/Update FAR group into the internal rule.
func (s *Server) decodeFAR(i *ie.IE) (session.FAR, error) {
	var far session.FAR

	id, err := i.FARID()
	if err != nil {
		return far, errors.Wrap(err, errors.KindInvalidArgument, "far id")
	}
	far.ID = id

	if i.HasFORW() {
		far.ApplyAction |= session.ActionForward
	}
	if i.HasDROP() {
		far.ApplyAction |= session.ActionDrop
	}
	if i.HasBUFF() {
		far.ApplyAction |= session.ActionBuffer
	}

	fwdIEs, err := i.ForwardingParameters()
	if err != nil {
		// A drop-only FAR carries no forwarding parameters.
		return far, nil
	}
	for _, x := range fwdIEs {
		switch x.Type {
		case ie.DestinationInterface:
			di, err := x.DestinationInterface()
			if err != nil {
				return far, errors.Wrap(err, errors.KindInvalidArgument, "destination interface")
			}
			far.Forward.DstIntf = session.Intf(di)
		case ie.OuterHeaderCreation:
			ohc, err := x.OuterHeaderCreation()
			if err != nil {
				return far, errors.Wrap(err, errors.KindInvalidArgument, "outer header creation")
			}
			out := &session.OuterHeaderCreation{
				Description: ohc.OuterHeaderCreationDescription,
				TEID:        ohc.TEID,
				Port:        ohc.PortNumber,
			}
			if ohc.IPv4Address != nil {
				if a, ok := netip.AddrFromSlice(ohc.IPv4Address); ok {
					out.Address = a.Unmap()
				}
			} else if ohc.IPv6Address != nil {
				if a, ok := netip.AddrFromSlice(ohc.IPv6Address); ok {
					out.Address = a
				}
			}
			far.Forward.OuterHeaderCreation = out
		case ie.RedirectInformation:
			ri, err := x.RedirectInformation()
			if err != nil {
				return far, errors.Wrap(err, errors.KindInvalidArgument, "redirect information")
			}
			far.Forward.Redirect = &session.RedirectInfo{
				Type:    ri.RedirectAddressType,
				Address: ri.RedirectServerAddress,
			}
		}
	}

	return far, nil
}

// decodeURR turns a Create/Update URR group into the internal rule.
func decodeURR(i *ie.IE) (session.URR, error) {
	var urr session.URR

	id, err := i.URRID()
	if err != nil {
		return urr, errors.Wrap(err, errors.KindInvalidArgument, "urr id")
	}
	urr.ID = id

	// Volume IE flag bits: TOVOL 0x01, ULVOL 0x02, DLVOL 0x04.
	if vt, err := i.VolumeThreshold(); err == nil {
		if vt.Flags&0x01 != 0 {
			urr.Threshold.Total = vt.TotalVolume
		}
		if vt.Flags&0x02 != 0 {
			urr.Threshold.UL = vt.UplinkVolume
		}
		if vt.Flags&0x04 != 0 {
			urr.Threshold.DL = vt.DownlinkVolume
		}
	}
	if vq, err := i.VolumeQuota(); err == nil {
		if vq.Flags&0x01 != 0 {
			urr.Quota.Total = vq.TotalVolume
		}
		if vq.Flags&0x02 != 0 {
			urr.Quota.UL = vq.UplinkVolume
		}
		if vq.Flags&0x04 != 0 {
			urr.Quota.DL = vq.DownlinkVolume
		}
	}

	return urr, nil
}
