// Package txfsm holds the transmission state machine: a pure transition
// function over delivery events, with no I/O and no blocking. It tracks
// the optional in-flight PendingAck and two physical-failure counters,
// and decides when the link is unhealthy enough to trigger a channel
// rediscovery (SCANNING).
//
// Only the TX engine goroutine may call its methods.
package txfsm

import (
	"github.com/kabili207/espnow-go/core/codec"
)

// Retry limits shared with the device firmware.
const (
	// MaxLogicalRetries is the number of retransmissions of an
	// unacknowledged packet, and also the initial retries_left value of a
	// PendingAck.
	MaxLogicalRetries = 3

	// MaxPhysicalFailures is the number of consecutive physical send
	// failures tolerated before the engine rediscovers the hub channel.
	MaxPhysicalFailures = 3
)

// State is the TX engine's coarse state.
type State int

const (
	StateIdle State = iota
	StateSending
	StateWaitingForAck
	StateRetrying
	StateScanning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSending:
		return "SENDING"
	case StateWaitingForAck:
		return "WAITING_FOR_ACK"
	case StateRetrying:
		return "RETRYING"
	case StateScanning:
		return "SCANNING"
	default:
		return "UNKNOWN"
	}
}

// PendingAck is the retry context of the in-flight requires_ack packet.
// The packet bytes are kept so retransmission needs no caller cooperation.
type PendingAck struct {
	SequenceNumber uint16
	TimestampMs    uint64
	RetriesLeft    uint8
	Packet         codec.TxPacket
	NodeID         codec.NodeID
}

// Machine is the TX state machine.
type Machine struct {
	state   State
	pending *PendingAck

	// perMessageFails counts physical failures while a PendingAck exists;
	// consecutiveFails counts physical failures since the last sign of a
	// healthy link.
	perMessageFails  uint8
	consecutiveFails uint8
}

// New creates a machine in IDLE.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Pending returns the in-flight retry context, or nil.
func (m *Machine) Pending() *PendingAck {
	return m.pending
}

// SetPending installs the in-flight retry context.
func (m *Machine) SetPending(p PendingAck) {
	m.pending = &p
}

// Reset forces the machine back to IDLE, dropping the pending ack and
// zeroing both counters.
func (m *Machine) Reset() {
	m.state = StateIdle
	m.pending = nil
	m.perMessageFails = 0
	m.consecutiveFails = 0
}

// OnTxSuccess records a physically accepted send. A packet expecting a
// logical ACK moves the machine to WAITING_FOR_ACK; anything else
// returns to IDLE.
func (m *Machine) OnTxSuccess(requiresAck bool) State {
	if requiresAck {
		m.state = StateWaitingForAck
	} else {
		m.state = StateIdle
	}
	return m.state
}

// OnAckReceived completes the in-flight packet: the pending ack is
// cleared and both failure counters reset.
func (m *Machine) OnAckReceived() State {
	m.perMessageFails = 0
	m.consecutiveFails = 0
	m.pending = nil
	m.state = StateIdle
	return m.state
}

// OnAckTimeout moves to RETRYING; the engine decides whether a
// retransmission budget remains.
func (m *Machine) OnAckTimeout() State {
	m.state = StateRetrying
	return m.state
}

// OnLinkAlive records any proof of a working link and resets both
// failure counters. The state is unchanged.
func (m *Machine) OnLinkAlive() {
	m.perMessageFails = 0
	m.consecutiveFails = 0
}

// OnPhysicalFail records a failed physical transmission. Exhausting
// either counter moves the machine to SCANNING and abandons the pending
// packet; otherwise the current wait continues.
func (m *Machine) OnPhysicalFail() State {
	m.consecutiveFails++

	if m.pending != nil {
		m.perMessageFails++
		if m.perMessageFails >= MaxLogicalRetries || m.consecutiveFails >= MaxPhysicalFailures {
			m.perMessageFails = 0
			m.consecutiveFails = 0
			m.pending = nil
			m.state = StateScanning
		} else {
			m.state = StateWaitingForAck
		}
		return m.state
	}

	if m.consecutiveFails >= MaxPhysicalFailures {
		m.consecutiveFails = 0
		m.perMessageFails = 0
		m.state = StateScanning
	}
	// Without a pending ack the state is otherwise left where it was;
	// non-ACK traffic does not advance the machine on its own.
	return m.state
}

// OnMaxRetries gives up on the in-flight packet after the retry budget
// is spent.
func (m *Machine) OnMaxRetries() State {
	m.pending = nil
	m.state = StateIdle
	return m.state
}
