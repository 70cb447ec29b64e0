// Package dispatch implements the receive path: a front-stage dispatcher
// that validates frames off the radio callback queue and routes them by
// class, and a worker stage that executes the protocol handlers
// (pairing, heartbeat, acks, channel scanning).
//
// Application frames (DATA, COMMAND) are delivered to the host-provided
// queue; when one requires an ACK its header is captured so the facade
// can answer it via confirm-reception.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/espnow-go/core/clock"
	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/peer"
	"github.com/kabili207/espnow-go/device/heartbeat"
	"github.com/kabili207/espnow-go/device/pairing"
)

const (
	// RxQueueSize is the capacity of the dispatcher input queue fed by
	// the radio receive callback.
	RxQueueSize = 30

	// WorkerQueueSize is the capacity of the protocol worker queue.
	WorkerQueueSize = 20

	// StopTimeout bounds how long Stop waits for both tasks to exit.
	StopTimeout = 200 * time.Millisecond
)

// Engine is the slice of the TX engine the receive path drives.
type Engine interface {
	NotifyLinkAlive()
	NotifyLogicalAck()
	NotifyHubFound()
	QueuePacket(pkt codec.TxPacket) error
}

// Config configures a Dispatcher.
type Config struct {
	// NodeID and NodeType identify this node; only hubs answer scan probes.
	NodeID   codec.NodeID
	NodeType codec.NodeType

	// Channel reports the currently tuned channel, used when registering
	// the hub discovered by a scan response. May be nil (channel 1).
	Channel func() uint8

	// AppQueue receives validated DATA and COMMAND frames. Required.
	AppQueue chan<- codec.RxPacket

	// Logger for dispatch events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Dispatcher owns the two receive-side tasks.
type Dispatcher struct {
	cfg       Config
	log       *slog.Logger
	engine    Engine
	pairing   *pairing.Manager
	heartbeat *heartbeat.Manager
	table     *peer.Table
	clk       *clock.Clock

	rxQueue     chan codec.RxPacket
	workerQueue chan codec.RxPacket
	stop        chan struct{}
	stopOnce    sync.Once
	rxDone      chan struct{}
	workerDone  chan struct{}

	ackMu     sync.Mutex
	ackHeader *codec.MessageHeader
}

// New creates a Dispatcher.
func New(engine Engine, pm *pairing.Manager, hm *heartbeat.Manager, table *peer.Table, clk *clock.Clock, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:         cfg,
		log:         logger.WithGroup("dispatch"),
		engine:      engine,
		pairing:     pm,
		heartbeat:   hm,
		table:       table,
		clk:         clk,
		rxQueue:     make(chan codec.RxPacket, RxQueueSize),
		workerQueue: make(chan codec.RxPacket, WorkerQueueSize),
		stop:        make(chan struct{}),
		rxDone:      make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
}

// Start launches the dispatcher and worker tasks.
func (d *Dispatcher) Start() {
	go d.runDispatch()
	go d.runWorker()
}

// Stop signals both tasks and enqueues sentinel frames so a blocked
// queue receive wakes immediately. It waits up to StopTimeout.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		// Sentinels unblock the queue receives.
		select {
		case d.rxQueue <- codec.RxPacket{}:
		default:
		}
		select {
		case d.workerQueue <- codec.RxPacket{}:
		default:
		}
	})

	deadline := time.After(StopTimeout)
	for _, done := range []<-chan struct{}{d.rxDone, d.workerDone} {
		select {
		case <-done:
		case <-deadline:
			d.log.Warn("receive task did not exit in time")
			return
		}
	}
}

// HandleReceive is the radio receive callback: it copies the frame into
// the input queue and never blocks. Overflow drops the frame.
func (d *Dispatcher) HandleReceive(pkt codec.RxPacket) {
	data := make([]byte, len(pkt.Data))
	copy(data, pkt.Data)
	pkt.Data = data

	select {
	case d.rxQueue <- pkt:
	default:
		d.log.Warn("rx queue full, dropping frame", "from", pkt.SrcMAC)
	}
}

// TakeAckHeader returns and clears the header of the last application
// frame that requested an ACK.
func (d *Dispatcher) TakeAckHeader() (codec.MessageHeader, bool) {
	d.ackMu.Lock()
	defer d.ackMu.Unlock()
	if d.ackHeader == nil {
		return codec.MessageHeader{}, false
	}
	h := *d.ackHeader
	d.ackHeader = nil
	return h, true
}

// runDispatch validates frames and routes them by class.
func (d *Dispatcher) runDispatch() {
	defer close(d.rxDone)
	d.log.Info("rx dispatch task started")

	for {
		select {
		case <-d.stop:
			d.log.Info("rx dispatch task exiting")
			return
		case pkt := <-d.rxQueue:
			if len(pkt.Data) == 0 {
				continue // sentinel
			}
			d.dispatch(pkt)
		}
	}
}

func (d *Dispatcher) dispatch(pkt codec.RxPacket) {
	if len(pkt.Data) < codec.MinFrameSize {
		return
	}
	if !codec.ValidateCRC(pkt.Data) {
		d.log.Warn("crc mismatch", "from", pkt.SrcMAC, "len", len(pkt.Data))
		return
	}

	header, err := codec.DecodeHeader(pkt.Data)
	if err != nil {
		return
	}

	switch {
	case header.MsgType.IsProtocol():
		select {
		case d.workerQueue <- pkt:
		default:
			d.log.Warn("protocol worker queue full, dropping frame",
				"type", header.MsgType, "from", pkt.SrcMAC)
		}

	case header.MsgType.IsApplication():
		if header.RequiresAck {
			d.ackMu.Lock()
			h := header
			d.ackHeader = &h
			d.ackMu.Unlock()
		}
		select {
		case d.cfg.AppQueue <- pkt:
		default:
			d.log.Warn("application queue full, dropping frame",
				"type", header.MsgType, "from", pkt.SrcMAC)
		}

	default:
		d.log.Warn("unknown message type", "type", uint8(header.MsgType), "from", pkt.SrcMAC)
	}
}

// runWorker executes protocol handlers for validated protocol frames.
func (d *Dispatcher) runWorker() {
	defer close(d.workerDone)
	d.log.Info("protocol worker task started")

	for {
		select {
		case <-d.stop:
			d.log.Info("protocol worker task exiting")
			return
		case pkt := <-d.workerQueue:
			if len(pkt.Data) == 0 {
				continue // sentinel
			}
			d.route(pkt)
		}
	}
}

// route handles one protocol frame. Any valid protocol frame proves the
// link works before type-specific handling runs.
func (d *Dispatcher) route(pkt codec.RxPacket) {
	header, err := codec.DecodeHeader(pkt.Data)
	if err != nil {
		return
	}

	d.engine.NotifyLinkAlive()

	if header.SenderNodeID == codec.NodeIDHub && d.heartbeat != nil {
		d.heartbeat.SetLastRSSI(pkt.RSSI)
	}

	payload := codec.Payload(pkt.Data)

	switch header.MsgType {
	case codec.MsgPairRequest:
		var req codec.PairRequest
		if err := req.Unmarshal(payload); err != nil {
			return
		}
		d.pairing.HandlePairRequest(&header, &req, pkt.SrcMAC)

	case codec.MsgPairResponse:
		var resp codec.PairResponse
		if err := resp.Unmarshal(payload); err != nil {
			return
		}
		d.pairing.HandlePairResponse(&header, &resp, pkt.SrcMAC)

	case codec.MsgHeartbeat:
		var hb codec.Heartbeat
		if err := hb.Unmarshal(payload); err != nil {
			return
		}
		d.heartbeat.HandleHeartbeat(header.SenderNodeID, pkt.SrcMAC, &hb)

	case codec.MsgHeartbeatResponse:
		var resp codec.HeartbeatResponse
		if err := resp.Unmarshal(payload); err != nil {
			return
		}
		d.heartbeat.HandleHeartbeatResponse(header.SenderNodeID, &resp)

	case codec.MsgAck:
		d.engine.NotifyLogicalAck()

	case codec.MsgChannelScanProbe:
		d.handleScanProbe(&header, pkt.SrcMAC)

	case codec.MsgChannelScanResponse:
		d.handleScanResponse(&header, pkt.SrcMAC)
	}
}

// handleScanProbe answers a scan probe when this node is the hub.
func (d *Dispatcher) handleScanProbe(header *codec.MessageHeader, srcMAC codec.MAC) {
	if d.cfg.NodeType != codec.NodeTypeHub {
		return
	}
	d.log.Debug("scan probe", "from", header.SenderNodeID)

	respHeader := codec.MessageHeader{
		MsgType:      codec.MsgChannelScanResponse,
		SenderNodeID: d.cfg.NodeID,
		SenderType:   d.cfg.NodeType,
		DestNodeID:   header.SenderNodeID,
		TimestampMs:  d.clk.NowMs(),
	}
	frame, err := codec.Encode(&respHeader, nil)
	if err != nil {
		return
	}
	if err := d.engine.QueuePacket(codec.TxPacket{DestMAC: srcMAC, Data: frame}); err != nil {
		d.log.Warn("failed to queue scan response", "error", err)
	}
}

// handleScanResponse registers the answering hub on the current channel
// and wakes the scanner.
func (d *Dispatcher) handleScanResponse(header *codec.MessageHeader, srcMAC codec.MAC) {
	channel := uint8(1)
	if d.cfg.Channel != nil {
		if ch := d.cfg.Channel(); ch != 0 {
			channel = ch
		}
	}

	if err := d.table.Add(header.SenderNodeID, srcMAC, channel, header.SenderType,
		0, d.clk.NowMs()); err != nil {
		d.log.Warn("failed to register scan responder", "error", err)
	}
	d.engine.NotifyHubFound()
	d.log.Info("scan response", "from", header.SenderNodeID, "channel", channel)
}
