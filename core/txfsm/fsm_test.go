package txfsm

import (
	"testing"

	"github.com/kabili207/espnow-go/core/codec"
)

func pending(seq uint16) PendingAck {
	return PendingAck{
		SequenceNumber: seq,
		RetriesLeft:    MaxLogicalRetries,
		Packet:         codec.TxPacket{RequiresAck: true},
		NodeID:         5,
	}
}

func TestMachine_PlainSendStaysIdle(t *testing.T) {
	m := New()
	if got := m.OnTxSuccess(false); got != StateIdle {
		t.Errorf("state = %v, want IDLE", got)
	}
}

func TestMachine_AckedSendLifecycle(t *testing.T) {
	m := New()

	if got := m.OnTxSuccess(true); got != StateWaitingForAck {
		t.Fatalf("state = %v, want WAITING_FOR_ACK", got)
	}
	m.SetPending(pending(42))

	if got := m.OnAckReceived(); got != StateIdle {
		t.Errorf("state = %v, want IDLE", got)
	}
	if m.Pending() != nil {
		t.Error("pending must be cleared by ack")
	}
}

func TestMachine_AckTimeoutEntersRetrying(t *testing.T) {
	m := New()
	m.OnTxSuccess(true)
	m.SetPending(pending(1))

	if got := m.OnAckTimeout(); got != StateRetrying {
		t.Errorf("state = %v, want RETRYING", got)
	}

	if got := m.OnMaxRetries(); got != StateIdle {
		t.Errorf("state = %v, want IDLE", got)
	}
	if m.Pending() != nil {
		t.Error("pending must be dropped after retries exhausted")
	}
}

func TestMachine_PhysicalFailsWithPendingReachScanning(t *testing.T) {
	m := New()
	m.OnTxSuccess(true)
	m.SetPending(pending(7))

	if got := m.OnPhysicalFail(); got != StateWaitingForAck {
		t.Fatalf("fail 1: state = %v, want WAITING_FOR_ACK", got)
	}
	if got := m.OnPhysicalFail(); got != StateWaitingForAck {
		t.Fatalf("fail 2: state = %v, want WAITING_FOR_ACK", got)
	}
	if got := m.OnPhysicalFail(); got != StateScanning {
		t.Fatalf("fail 3: state = %v, want SCANNING", got)
	}
	if m.Pending() != nil {
		t.Error("pending must be abandoned on scan entry")
	}
}

func TestMachine_PhysicalFailsWithoutPendingReachScanning(t *testing.T) {
	m := New()

	for i := 1; i <= MaxPhysicalFailures-1; i++ {
		if got := m.OnPhysicalFail(); got != StateIdle {
			t.Fatalf("fail %d: state = %v, want IDLE", i, got)
		}
	}
	if got := m.OnPhysicalFail(); got != StateScanning {
		t.Errorf("state = %v, want SCANNING", got)
	}
}

func TestMachine_LinkAliveResetsCounters(t *testing.T) {
	m := New()

	m.OnPhysicalFail()
	m.OnPhysicalFail()
	m.OnLinkAlive()

	// Two prior failures were forgiven; it now takes a fresh run of
	// MaxPhysicalFailures to reach SCANNING.
	m.OnPhysicalFail()
	m.OnPhysicalFail()
	if got := m.State(); got != StateIdle {
		t.Fatalf("state = %v, want IDLE after reset + 2 fails", got)
	}
	if got := m.OnPhysicalFail(); got != StateScanning {
		t.Errorf("state = %v, want SCANNING on 3rd fail", got)
	}
}

func TestMachine_Reset(t *testing.T) {
	m := New()
	m.OnTxSuccess(true)
	m.SetPending(pending(9))
	m.OnPhysicalFail()

	m.Reset()

	if m.State() != StateIdle {
		t.Errorf("state = %v, want IDLE", m.State())
	}
	if m.Pending() != nil {
		t.Error("pending must be cleared by reset")
	}
	// Counters start over after reset.
	m.OnPhysicalFail()
	m.OnPhysicalFail()
	if m.State() != StateIdle {
		t.Error("reset must zero the consecutive-failure counter")
	}
}

func TestMachine_PerMessageCounterTriggersScan(t *testing.T) {
	m := New()

	// Interleave link-alive resets of the consecutive counter with
	// pending-ack failures: per-message failures alone must still force
	// SCANNING after MaxLogicalRetries.
	m.OnTxSuccess(true)
	m.SetPending(pending(3))

	m.OnPhysicalFail()
	m.consecutiveFails = 0 // as if LinkAlive had cleared only this counter
	m.OnPhysicalFail()
	m.consecutiveFails = 0

	if got := m.OnPhysicalFail(); got != StateScanning {
		t.Errorf("state = %v, want SCANNING from per-message failures", got)
	}
}
