// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package pfcp implements the session control channel: a single
// cooperative process that services PFCP-over-UDP requests, installs
// per-session rules, and proactively emits session reports when URR
// triggers or flow timeouts demand it. The IE wire codec is delegated
// to wmnsk/go-pfcp; this package only sees decoded request groups.
package pfcp

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/wmnsk/go-pfcp/message"

	"github.com/emflex/upf/internal/adf"
	"github.com/emflex/upf/internal/classify"
	"github.com/emflex/upf/internal/config"
	"github.com/emflex/upf/internal/flowtable"
	"github.com/emflex/upf/internal/logging"
	"github.com/emflex/upf/internal/metrics"
	"github.com/emflex/upf/internal/session"
)

// maxDatagram bounds one PFCP datagram.
const maxDatagram = 8192

// drainInterval is how often the worker timeout rings are drained.
const drainInterval = time.Second

type eventKind int

const (
	eventRX eventKind = iota
	eventNotify
	eventURR
)

type event struct {
	kind eventKind
	msg  message.Message
	peer *net.UDPAddr
	conn *net.UDPConn

	// eventNotify: pre-encoded datagram
	raw []byte

	// eventURR
	sessionIdx uint32
}

// Server is the PFCP control process.
type Server struct {
	cfg      config.PFCPConfig
	sessions *session.Registry
	apps     *adf.Registry
	cls      *classify.Classifier
	rings    []*flowtable.Ring
	metrics  *metrics.Metrics
	logger   *logging.Logger

	conn4 *net.UDPConn
	conn6 *net.UDPConn

	upAddr netip.Addr
	seq    atomic.Uint32

	events chan event
}

// New creates the control process. rings are the per-worker timeout
// message rings to drain.
func New(cfg config.PFCPConfig, sessions *session.Registry, apps *adf.Registry, cls *classify.Classifier, rings []*flowtable.Ring, m *metrics.Metrics) *Server {
	addr, _ := netip.ParseAddr(cfg.Address)
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		apps:     apps,
		cls:      cls,
		rings:    rings,
		metrics:  m,
		logger:   logging.WithComponent("pfcp"),
		upAddr:   addr,
		events:   make(chan event, 256),
	}
}

// Run binds the service port for IPv4 and IPv6 and serves until ctx is
// done.
func (s *Server) Run(ctx context.Context) error {
	laddr4 := &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port}
	if s.upAddr.Is4() {
		laddr4.IP = s.upAddr.AsSlice()
	}
	conn4, err := net.ListenUDP("udp4", laddr4)
	if err != nil {
		return err
	}
	s.conn4 = conn4
	defer conn4.Close()

	conn6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero, Port: s.cfg.Port})
	if err != nil {
		s.logger.Warn("ipv6 listener unavailable", "err", err)
	} else {
		s.conn6 = conn6
		defer conn6.Close()
	}

	s.logger.Info("pfcp listening", "address", s.cfg.Address, "port", s.cfg.Port)

	go s.readLoop(ctx, s.conn4)
	if s.conn6 != nil {
		go s.readLoop(ctx, s.conn6)
	}
	return s.process(ctx)
}

// readLoop decodes datagrams and signals RX events, the analogue of
// the UDP input node handing buffers to the control process.
func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("pfcp read", "err", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		msg, err := message.Parse(data)
		if err != nil {
			s.logger.Warn("pfcp parse", "err", err, "peer", peer.String())
			continue
		}

		select {
		case s.events <- event{kind: eventRX, msg: msg, peer: peer, conn: conn}:
		case <-ctx.Done():
			return
		}
	}
}

// Notify enqueues an already-encoded outbound datagram.
func (s *Server) Notify(raw []byte, peer *net.UDPAddr) {
	s.events <- event{kind: eventNotify, raw: raw, peer: peer, conn: s.conn4}
}

// process is the single cooperative event loop: RX dispatch, NOTIFY
// transmit and URR report generation. Timeouts are benign.
func (s *Server) process(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	var urrCh <-chan uint32
	if s.cls != nil {
		urrCh = s.cls.URREvents()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-s.events:
			switch ev.kind {
			case eventRX:
				s.metrics.PFCPMessagesRx.WithLabelValues(msgLabel(ev.msg)).Inc()
				if reply := s.dispatch(ctx, ev.msg, ev.peer); reply != nil {
					s.send(ev.conn, ev.peer, reply)
				}
			case eventNotify:
				if _, err := ev.conn.WriteToUDP(ev.raw, ev.peer); err != nil {
					s.logger.Warn("pfcp notify send", "err", err)
				}
			case eventURR:
				s.sessionUsageReport(ev.sessionIdx)
			}

		case idx := <-urrCh:
			s.sessionUsageReport(idx)

		case <-ticker.C:
			s.drainTimeouts()
		}
	}
}

// drainTimeouts consumes the per-worker timeout rings. An expired flow
// turns into a usage report when its session has pending URR triggers.
func (s *Server) drainTimeouts() {
	for _, ring := range s.rings {
		for {
			msg, ok := ring.Pop()
			if !ok {
				break
			}
			s.logger.Debug("flow expired",
				"session", msg.SessionIndex,
				"flow_id", msg.FlowID,
				"init_pkts", msg.InitPkts,
				"resp_pkts", msg.RespPkts)
			s.sessionUsageReport(msg.SessionIndex)
		}
	}
}

func (s *Server) send(conn *net.UDPConn, peer *net.UDPAddr, msg message.Message) {
	data, err := msg.Marshal()
	if err != nil {
		s.logger.Error("pfcp marshal", "err", err)
		return
	}
	if conn == nil {
		conn = s.conn4
	}
	if _, err := conn.WriteToUDP(data, peer); err != nil {
		s.logger.Warn("pfcp send", "err", err)
		return
	}
	s.metrics.PFCPMessagesTx.WithLabelValues(msgLabel(msg)).Inc()
}

// sendToSession transmits a request to the session's control plane
// peer on the PFCP service port.
func (s *Server) sendToSession(sess *session.Session, msg message.Message) {
	peer := &net.UDPAddr{IP: sess.CPAddress.AsSlice(), Port: s.cfg.Port}
	conn := s.conn4
	if !sess.CPAddress.Is4() && s.conn6 != nil {
		conn = s.conn6
	}
	s.send(conn, peer, msg)
}

func (s *Server) nextSeq() uint32 {
	return s.seq.Add(1)
}

func msgLabel(m message.Message) string {
	if m == nil {
		return "unknown"
	}
	return strconv.Itoa(int(m.MessageType()))
}
