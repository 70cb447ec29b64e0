// Package txengine implements the transmission task: a single goroutine
// that owns the outbound queue, assigns sequence numbers at send time,
// drives the TX state machine through delivery events, retransmits
// unacknowledged packets and falls back to a channel scan when the link
// dies.
package txengine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/espnow-go/core/clock"
	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/txfsm"
	"github.com/kabili207/espnow-go/device/notify"
	"github.com/kabili207/espnow-go/device/scanner"
	"github.com/kabili207/espnow-go/radio"
)

const (
	// DefaultQueueSize is the capacity of the outbound packet queue.
	DefaultQueueSize = 20

	// DefaultAckTimeout is how long a requires_ack packet waits for its
	// logical ACK before a retransmission.
	DefaultAckTimeout = 500 * time.Millisecond

	// SubmitTimeout bounds how long QueuePacket blocks on a full queue.
	SubmitTimeout = 100 * time.Millisecond

	// StopTimeout bounds how long Stop waits for the task to exit.
	StopTimeout = 200 * time.Millisecond
)

var (
	// ErrQueueFull is returned when a packet cannot be queued within
	// SubmitTimeout.
	ErrQueueFull = errors.New("tx queue full")

	// ErrNotRunning is returned when packets are submitted to a stopped
	// engine.
	ErrNotRunning = errors.New("tx engine not running")
)

// Config configures an Engine.
type Config struct {
	// QueueSize is the outbound queue capacity. Default: 20.
	QueueSize int

	// AckTimeout is the logical ACK timeout. Default: 500ms.
	AckTimeout time.Duration

	// OnChannelFound is called from the TX goroutine when a channel scan
	// relocated the hub. May be nil.
	OnChannelFound func(channel uint8)

	// Logger for engine events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Engine is the TX task. Only one goroutine runs the state loop; the
// notification methods may be called from any goroutine.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	radio radio.Radio
	scan  *scanner.Scanner
	bits  *notify.Bits
	clk   *clock.Clock
	fsm   *txfsm.Machine

	queue chan codec.TxPacket
	seq   uint16

	mu       sync.Mutex
	ackTimer *time.Timer
	running  bool
	done     chan struct{}
}

// New creates an Engine. The notification word is shared with the
// scanner so scan responses can wake a sweep in progress.
func New(r radio.Radio, scan *scanner.Scanner, bits *notify.Bits, clk *clock.Clock, cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		log:   logger.WithGroup("tx"),
		radio: r,
		scan:  scan,
		bits:  bits,
		clk:   clk,
		fsm:   txfsm.New(),
		queue: make(chan codec.TxPacket, cfg.QueueSize),
	}
}

// Start launches the TX task.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.run()
}

// Stop signals the task to exit and waits up to StopTimeout. The
// in-flight pending ack is abandoned and the ACK timer stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	done := e.done
	e.mu.Unlock()

	e.bits.Post(notify.Stop)
	select {
	case <-done:
	case <-time.After(StopTimeout):
		e.log.Warn("tx task did not exit in time")
	}
	e.stopAckTimer()
}

// QueuePacket submits a fully encoded packet for transmission. Packets
// leave in submission order; a requires_ack packet blocks its successors
// until it completes or is dropped.
func (e *Engine) QueuePacket(pkt codec.TxPacket) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	select {
	case e.queue <- pkt:
		e.bits.Post(notify.Data)
		return nil
	case <-time.After(SubmitTimeout):
		e.log.Warn("tx queue full, dropping submission", "dest", pkt.DestMAC)
		return ErrQueueFull
	}
}

// NotifyPhysicalFail reports a failed physical send from the driver's
// send-result callback.
func (e *Engine) NotifyPhysicalFail() { e.bits.Post(notify.PhysicalFail) }

// NotifyLinkAlive reports any received protocol traffic, proving the
// link works.
func (e *Engine) NotifyLinkAlive() { e.bits.Post(notify.LinkAlive) }

// NotifyLogicalAck reports a received ACK frame.
func (e *Engine) NotifyLogicalAck() { e.bits.Post(notify.LogicalAck) }

// NotifyHubFound reports a CHANNEL_SCAN_RESPONSE; it wakes a sweep in
// progress.
func (e *Engine) NotifyHubFound() { e.bits.Post(notify.HubFound) }

// State returns the engine's current state. Intended for tests and
// diagnostics; the value may be stale by the time it is read.
func (e *Engine) State() txfsm.State {
	return e.fsm.State()
}

func (e *Engine) run() {
	defer close(e.done)
	e.log.Info("tx task started")

	for {
		switch e.fsm.State() {
		case txfsm.StateIdle, txfsm.StateSending:
			select {
			case pkt := <-e.queue:
				e.transmit(pkt)
				continue
			default:
			}

			word, _ := e.bits.WaitAny(0)
			if word&notify.Stop != 0 {
				e.log.Info("tx task exiting")
				return
			}
			if word&notify.LinkAlive != 0 {
				e.fsm.OnLinkAlive()
			}
			if word&notify.PhysicalFail != 0 {
				e.fsm.OnPhysicalFail()
			}
			// A Data bit just re-runs the queue poll above.

		case txfsm.StateWaitingForAck:
			word, _ := e.bits.WaitAny(0)
			if word&notify.Stop != 0 {
				e.stopAckTimer()
				e.log.Info("tx task exiting")
				return
			}
			if word&notify.LinkAlive != 0 {
				e.fsm.OnLinkAlive()
			}
			switch {
			case word&notify.LogicalAck != 0:
				e.fsm.OnAckReceived()
				e.stopAckTimer()
			case word&notify.PhysicalFail != 0:
				if e.fsm.OnPhysicalFail() == txfsm.StateScanning {
					e.stopAckTimer()
				}
			case word&notify.AckTimeout != 0:
				e.fsm.OnAckTimeout()
			}

		case txfsm.StateRetrying:
			e.retry()

		case txfsm.StateScanning:
			e.rescan()
		}
	}
}

// transmit sends one queued packet: the sequence number is patched in
// place and the CRC recomputed before the frame reaches the radio.
func (e *Engine) transmit(pkt codec.TxPacket) {
	seq := e.seq
	e.seq++ // wraps at 2^16 by construction

	codec.PatchSequence(pkt.Data, seq)

	err := e.radio.Send(pkt.DestMAC, pkt.Data)
	if err != nil {
		e.log.Warn("physical send rejected", "dest", pkt.DestMAC, "error", err)
	}

	next := e.fsm.OnTxSuccess(pkt.RequiresAck && err == nil)
	if next != txfsm.StateWaitingForAck {
		return
	}

	header, herr := codec.DecodeHeader(pkt.Data)
	if herr != nil {
		// Queued packets are always codec-encoded; treat this as fatal
		// for the in-flight tracking only.
		e.log.Error("queued packet has no decodable header", "error", herr)
		e.fsm.Reset()
		return
	}

	e.fsm.SetPending(txfsm.PendingAck{
		SequenceNumber: seq,
		TimestampMs:    e.clk.NowMs(),
		RetriesLeft:    txfsm.MaxLogicalRetries,
		Packet:         pkt,
		NodeID:         header.DestNodeID,
	})
	e.armAckTimer()
	e.log.Debug("awaiting logical ack", "seq", seq, "dest", header.DestNodeID)
}

// retry resends the pending packet with its original sequence number, or
// gives up when the budget is spent.
func (e *Engine) retry() {
	p := e.fsm.Pending()
	if p == nil || p.RetriesLeft == 0 {
		if p != nil {
			e.log.Warn("dropping packet after retries", "seq", p.SequenceNumber, "dest", p.NodeID)
		}
		e.fsm.OnMaxRetries()
		return
	}

	updated := *p
	updated.RetriesLeft--
	e.fsm.SetPending(updated)

	if err := e.radio.Send(updated.Packet.DestMAC, updated.Packet.Data); err != nil {
		e.log.Warn("retransmission rejected", "seq", updated.SequenceNumber, "error", err)
	}
	e.armAckTimer()
	e.fsm.OnTxSuccess(true)
	e.log.Debug("retransmitted", "seq", updated.SequenceNumber, "left", updated.RetriesLeft)
}

// rescan runs the channel scanner from the current channel and retunes
// when the hub answers. The machine always returns to IDLE afterwards.
func (e *Engine) rescan() {
	current, err := e.radio.Channel()
	if err != nil {
		current = radio.MinChannel
	}

	res := e.scan.Scan(current)
	if res.HubFound {
		if err := e.radio.SetChannel(res.Channel); err != nil {
			e.log.Error("failed to retune after scan", "channel", res.Channel, "error", err)
		}
		e.fsm.OnLinkAlive()
		if e.cfg.OnChannelFound != nil {
			e.cfg.OnChannelFound(res.Channel)
		}
	}
	e.fsm.Reset()
}

func (e *Engine) armAckTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ackTimer != nil {
		e.ackTimer.Stop()
	}
	e.ackTimer = time.AfterFunc(e.cfg.AckTimeout, func() {
		e.bits.Post(notify.AckTimeout)
	})
}

func (e *Engine) stopAckTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ackTimer != nil {
		e.ackTimer.Stop()
		e.ackTimer = nil
	}
}
