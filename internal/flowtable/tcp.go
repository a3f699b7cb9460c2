// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package flowtable

// TCPState tracks where a flow is in the TCP connection lifecycle.
// Each state carries a fixed lifetime; a state change reschedules the
// flow on the timer wheel.
type TCPState uint8

const (
	StateClosed TCPState = iota
	StateSynSeen
	StateEstablished
	StateFinWait
	StateClosing
	StateClosedAgain
	StateRstSeen
	stateMax
)

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateSynSeen:
		return "syn-seen"
	case StateEstablished:
		return "established"
	case StateFinWait:
		return "fin-wait"
	case StateClosing:
		return "closing"
	case StateClosedAgain:
		return "closed-again"
	case StateRstSeen:
		return "rst-seen"
	default:
		return "invalid"
	}
}

// TCP flag bits as they appear in the header.
const (
	tcpFin = 0x01
	tcpSyn = 0x02
	tcpRst = 0x04
	tcpAck = 0x10
)

type tcpEvent uint8

const (
	eventOther tcpEvent = iota
	eventSyn
	eventSynAck
	eventAck
	eventFin
	eventRst
	eventMax
)

// eventOf condenses the TCP flags into the event driving the table.
func eventOf(flags uint8) tcpEvent {
	switch {
	case flags&tcpRst != 0:
		return eventRst
	case flags&tcpFin != 0:
		return eventFin
	case flags&tcpSyn != 0 && flags&tcpAck != 0:
		return eventSynAck
	case flags&tcpSyn != 0:
		return eventSyn
	case flags&tcpAck != 0:
		return eventAck
	default:
		return eventOther
	}
}

// tcpTrans is the fixed transition table, indexed [state][event].
var tcpTrans = [stateMax][eventMax]TCPState{
	StateClosed: {
		eventOther:  StateClosed,
		eventSyn:    StateSynSeen,
		eventSynAck: StateEstablished,
		eventAck:    StateEstablished, // mid-flow pickup
		eventFin:    StateFinWait,
		eventRst:    StateRstSeen,
	},
	StateSynSeen: {
		eventOther:  StateSynSeen,
		eventSyn:    StateSynSeen,
		eventSynAck: StateEstablished,
		eventAck:    StateEstablished,
		eventFin:    StateFinWait,
		eventRst:    StateRstSeen,
	},
	StateEstablished: {
		eventOther:  StateEstablished,
		eventSyn:    StateEstablished,
		eventSynAck: StateEstablished,
		eventAck:    StateEstablished,
		eventFin:    StateFinWait,
		eventRst:    StateRstSeen,
	},
	StateFinWait: {
		eventOther:  StateFinWait,
		eventSyn:    StateFinWait,
		eventSynAck: StateFinWait,
		eventAck:    StateFinWait,
		eventFin:    StateClosing,
		eventRst:    StateRstSeen,
	},
	StateClosing: {
		eventOther:  StateClosing,
		eventSyn:    StateClosing,
		eventSynAck: StateClosing,
		eventAck:    StateClosedAgain,
		eventFin:    StateClosing,
		eventRst:    StateRstSeen,
	},
	StateClosedAgain: {
		eventOther:  StateClosedAgain,
		eventSyn:    StateSynSeen, // port reuse
		eventSynAck: StateClosedAgain,
		eventAck:    StateClosedAgain,
		eventFin:    StateClosedAgain,
		eventRst:    StateRstSeen,
	},
	StateRstSeen: {
		eventOther:  StateRstSeen,
		eventSyn:    StateSynSeen,
		eventSynAck: StateRstSeen,
		eventAck:    StateRstSeen,
		eventFin:    StateRstSeen,
		eventRst:    StateRstSeen,
	},
}

// tcpLifetime gives each state's flow lifetime in seconds. Values stay
// below TimerMaxLifetime so a reschedule never wraps onto the current
// wheel slot.
var tcpLifetime = [stateMax]uint32{
	StateClosed:      10,
	StateSynSeen:     30,
	StateEstablished: 300,
	StateFinWait:     30,
	StateClosing:     15,
	StateClosedAgain: 5,
	StateRstSeen:     5,
}

// LifetimeOf exposes a state's lifetime for tests and introspection.
func LifetimeOf(s TCPState) uint32 {
	return tcpLifetime[s]
}
