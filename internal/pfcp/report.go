// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package pfcp

import (
	"sync/atomic"

	"github.com/wmnsk/go-pfcp/ie"
	"github.com/wmnsk/go-pfcp/message"

	"github.com/emflex/upf/internal/session"
)

// Usage report trigger octets (3GPP TS 29.244 8.2.41).
const (
	trigVOLTH uint8 = 0x02 // octet 5
	trigVOLQU uint8 = 0x01 // octet 6
	trigTERMR uint8 = 0x08 // octet 6
)

// urrTriggers recomputes the trigger bits from a URR's counters, the
// same check the data plane performs. Worker and control observations
// may interleave; the check is commutative on the counters.
func urrTriggers(urr *session.URR) uint32 {
	var trig uint32

	axes := []struct {
		bytes, consumed  uint64
		threshold, quota uint64
	}{
		{atomic.LoadUint64(&urr.Measure.Bytes.UL), atomic.LoadUint64(&urr.Measure.Consumed.UL), urr.Threshold.UL, urr.Quota.UL},
		{atomic.LoadUint64(&urr.Measure.Bytes.DL), atomic.LoadUint64(&urr.Measure.Consumed.DL), urr.Threshold.DL, urr.Quota.DL},
		{atomic.LoadUint64(&urr.Measure.Bytes.Total), atomic.LoadUint64(&urr.Measure.Consumed.Total), urr.Threshold.Total, urr.Quota.Total},
	}
	for _, ax := range axes {
		if ax.quota != 0 && ax.consumed >= ax.quota {
			trig |= session.TriggerVolumeQuota
		}
		if ax.threshold != 0 && ax.bytes > ax.threshold {
			trig |= session.TriggerVolumeThreshold
		}
	}
	return trig
}

func triggerOctets(trig uint32) (o5, o6 uint8) {
	if trig&session.TriggerVolumeThreshold != 0 {
		o5 |= trigVOLTH
	}
	if trig&session.TriggerVolumeQuota != 0 {
		o6 |= trigVOLQU
	}
	return o5, o6
}

func volumeMeasurement(urr *session.URR) *ie.IE {
	return ie.NewVolumeMeasurement(0x07,
		atomic.LoadUint64(&urr.Measure.Bytes.Total),
		atomic.LoadUint64(&urr.Measure.Bytes.UL),
		atomic.LoadUint64(&urr.Measure.Bytes.DL),
		0, 0, 0)
}

// sessionUsageReport builds and sends a USAR session report carrying a
// usage-report block for every URR whose counters crossed a threshold
// or quota.
func (s *Server) sessionUsageReport(idx uint32) {
	sess, ok := s.sessions.At(idx)
	if !ok {
		return
	}
	active := sess.Active()
	if active == nil || len(active.URRs) == 0 {
		return
	}

	var reports []*ie.IE
	for i := range active.URRs {
		urr := &active.URRs[i]
		trig := urrTriggers(urr)
		if trig == 0 {
			continue
		}

		o5, o6 := triggerOctets(trig)
		urr.SeqNum++
		reports = append(reports, ie.NewUsageReportWithinSessionReportRequest(
			ie.NewURRID(urr.ID),
			ie.NewURSEQN(urr.SeqNum),
			ie.NewUsageReportTrigger(o5, o6),
			volumeMeasurement(urr),
		))
		atomic.StoreUint32(&urr.Triggers, 0)
	}
	if len(reports) == 0 {
		return
	}

	ies := append([]*ie.IE{ie.NewReportType(0, 0, 1, 0)}, reports...)
	msg := message.NewSessionReportRequest(0, 0, sess.CPSEID, s.nextSeq(), 0, ies...)
	s.sendToSession(sess, msg)
	s.metrics.UsageReports.Inc()
}

// finalUsageReports builds the per-URR usage blocks for a deletion
// response: every URR that measured traffic reports with the
// termination trigger.
func (s *Server) finalUsageReports(sess *session.Session) []*ie.IE {
	active := sess.Active()
	if active == nil {
		return nil
	}

	var reports []*ie.IE
	for i := range active.URRs {
		urr := &active.URRs[i]
		if atomic.LoadUint64(&urr.Measure.Bytes.Total) == 0 {
			continue
		}
		urr.SeqNum++
		reports = append(reports, ie.NewUsageReportWithinSessionDeletionResponse(
			ie.NewURRID(urr.ID),
			ie.NewURSEQN(urr.SeqNum),
			ie.NewUsageReportTrigger(0, trigTERMR),
			volumeMeasurement(urr),
		))
	}
	return reports
}
