// Package espnow is a peer-to-peer messaging runtime for star networks
// over a short-range connectionless radio link: one hub coordinates up
// to eighteen leaves across thirteen channels.
//
// The facade owns every component: the frame codec, the persisted peer
// table, the TX engine with its retry state machine, the channel
// scanner, the heartbeat and pairing managers, and the receive
// dispatcher. Applications interact through SendData/SendCommand, the
// configured receive queue, and ConfirmReception for logical acks.
package espnow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/espnow-go/core/clock"
	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/peer"
	"github.com/kabili207/espnow-go/core/storage"
	"github.com/kabili207/espnow-go/device/dispatch"
	"github.com/kabili207/espnow-go/device/heartbeat"
	"github.com/kabili207/espnow-go/device/notify"
	"github.com/kabili207/espnow-go/device/pairing"
	"github.com/kabili207/espnow-go/device/scanner"
	"github.com/kabili207/espnow-go/device/txengine"
	"github.com/kabili207/espnow-go/radio"
)

// Node is the runtime facade. Construct with New, then Start; on a
// stopped node every error-returning method except Start returns
// ErrInvalidState, and Peers and OfflinePeers return nil.
type Node struct {
	cfg   Config
	log   *slog.Logger
	radio radio.Radio
	clk   *clock.Clock

	mu          sync.Mutex
	running     bool
	channel     uint8
	broadcastCh uint8
	cancel      context.CancelFunc

	table  *peer.Table
	bits   *notify.Bits
	engine *txengine.Engine
	hm     *heartbeat.Manager
	pm     *pairing.Manager
	disp   *dispatch.Dispatcher
}

// New creates a Node driving the given radio. Nothing runs until Start.
func New(r radio.Radio, cfg Config) *Node {
	cfg = cfg.withDefaults()
	return &Node{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("espnow"),
		radio: r,
		clk:   clock.New(),
	}
}

// Start brings the node up: persisted state is restored, the radio is
// tuned and the three runtime tasks are launched. A failure after any
// component started tears everything down before returning.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("%w: already started", ErrInvalidState)
	}
	if n.cfg.AppRxQueue == nil {
		return fmt.Errorf("%w: AppRxQueue is required", ErrInvalidArg)
	}
	if err := radio.CheckChannel(n.cfg.WifiChannel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}

	n.table = peer.NewTable(peer.TableConfig{
		Registry: n.radio,
		Store:    n.cfg.Storage,
		Logger:   n.cfg.Logger,
	})

	n.channel = n.cfg.WifiChannel
	if stored, err := n.table.LoadFromStorage(); err == nil {
		n.channel = stored
		n.log.Info("restored persisted state", "channel", stored, "peers", n.table.Count())
	} else if !errors.Is(err, storage.ErrNotFound) {
		n.log.Warn("failed to load persisted state", "error", err)
	}

	// From here on any failure must leave the system in a clean state:
	// tear down whatever was brought up before returning.
	fail := func(err error) error {
		n.stopLocked()
		return err
	}

	if err := n.radio.SetChannel(n.channel); err != nil {
		return fail(fmt.Errorf("%w: tuning channel %d: %v", ErrFailed, n.channel, err))
	}
	if err := n.radio.AddPeer(codec.BroadcastMAC, n.channel); err != nil {
		return fail(fmt.Errorf("%w: registering broadcast peer: %v", ErrFailed, err))
	}
	n.broadcastCh = n.channel

	n.bits = notify.New()
	scan := scanner.New(n.radio, n.bits, scanner.Config{
		NodeID:   n.cfg.NodeID,
		NodeType: n.cfg.NodeType,
		Logger:   n.cfg.Logger,
	})
	n.engine = txengine.New(n.radio, scan, n.bits, n.clk, txengine.Config{
		AckTimeout:     n.cfg.AckTimeout,
		OnChannelFound: n.onChannelChanged,
		Logger:         n.cfg.Logger,
	})

	n.hm = heartbeat.New(n.engine, n.table, n.clk, heartbeat.Config{
		NodeID:       n.cfg.NodeID,
		NodeType:     n.cfg.NodeType,
		Interval:     n.cfg.HeartbeatInterval,
		BatteryMv:    n.cfg.BatteryMv,
		Channel:      n.currentChannel,
		OnHubChannel: n.onChannelChanged,
		LinkAlive:    func() { n.engine.NotifyLinkAlive() },
		Logger:       n.cfg.Logger,
	})
	n.pm = pairing.New(n.engine, n.table, n.clk, pairing.Config{
		NodeID:              n.cfg.NodeID,
		NodeType:            n.cfg.NodeType,
		HeartbeatIntervalMs: uint32(n.cfg.HeartbeatInterval / time.Millisecond),
		DeviceName:          n.cfg.DeviceName,
		FirmwareVersion:     n.cfg.FirmwareVersion,
		Channel:             n.currentChannel,
		OnPaired:            func(hub codec.NodeID, ch uint8) { n.persist(ch) },
		Logger:              n.cfg.Logger,
	})
	n.disp = dispatch.New(n.engine, n.pm, n.hm, n.table, n.clk, dispatch.Config{
		NodeID:   n.cfg.NodeID,
		NodeType: n.cfg.NodeType,
		Channel:  n.currentChannel,
		AppQueue: n.cfg.AppRxQueue,
		Logger:   n.cfg.Logger,
	})

	n.radio.SetReceiveHandler(n.disp.HandleReceive)
	n.radio.SetSendResultHandler(func(dest codec.MAC, ok bool) {
		if !ok {
			n.log.Debug("physical send failed", "dest", dest)
			n.engine.NotifyPhysicalFail()
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.engine.Start()
	n.disp.Start()
	n.hm.Start(runCtx)

	n.running = true
	n.log.Info("node started",
		"id", n.cfg.NodeID, "type", n.cfg.NodeType, "channel", n.channel)
	return nil
}

// Stop tears the node down: all three tasks are signalled, pending
// timers deleted and the radio callbacks detached.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return fmt.Errorf("%w: not started", ErrInvalidState)
	}
	n.stopLocked()
	n.log.Info("node stopped")
	return nil
}

// stopLocked tears down whatever Start managed to bring up.
// Must be called with n.mu held.
func (n *Node) stopLocked() {
	n.running = false

	n.radio.SetReceiveHandler(nil)
	n.radio.SetSendResultHandler(nil)

	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if n.pm != nil {
		n.pm.Stop()
	}
	if n.hm != nil {
		n.hm.Stop()
	}
	if n.disp != nil {
		n.disp.Stop()
	}
	if n.engine != nil {
		n.engine.Stop()
	}
}

// IsRunning reports whether Start has completed and Stop has not.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// SendData queues an application DATA frame to a known peer. Delivery
// failures are not surfaced here; the application observes delivery via
// its own ACK logic, and peer loss via OfflinePeers.
func (n *Node) SendData(dest codec.NodeID, payloadType codec.PayloadType, payload []byte, requireAck bool) error {
	return n.send(codec.MsgData, dest, payloadType, payload, requireAck)
}

// SendCommand queues a COMMAND frame to a known peer.
func (n *Node) SendCommand(dest codec.NodeID, cmd codec.CommandType, payload []byte, requireAck bool) error {
	return n.send(codec.MsgCommand, dest, codec.PayloadType(cmd), payload, requireAck)
}

func (n *Node) send(msgType codec.MessageType, dest codec.NodeID, payloadType codec.PayloadType, payload []byte, requireAck bool) error {
	if !n.IsRunning() {
		return fmt.Errorf("%w: not started", ErrInvalidState)
	}
	if len(payload) > codec.MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrInvalidArg, len(payload), codec.MaxPayloadSize)
	}

	mac, ok := n.table.FindMAC(dest)
	if !ok {
		return fmt.Errorf("%w: node %d", ErrNotFound, dest)
	}

	header := codec.MessageHeader{
		MsgType:      msgType,
		SenderType:   n.cfg.NodeType,
		SenderNodeID: n.cfg.NodeID,
		PayloadType:  payloadType,
		RequiresAck:  requireAck,
		DestNodeID:   dest,
		TimestampMs:  n.clk.NowMs(),
	}
	frame, err := codec.Encode(&header, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}

	err = n.engine.QueuePacket(codec.TxPacket{
		DestMAC:     mac,
		Data:        frame,
		RequiresAck: requireAck,
	})
	if errors.Is(err, txengine.ErrQueueFull) {
		return fmt.Errorf("%w: tx queue full", ErrTimeout)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// ConfirmReception acknowledges the last received application frame that
// requested an ACK. Returns ErrInvalidState when nothing is awaiting one.
func (n *Node) ConfirmReception(status codec.AckStatus) error {
	if !n.IsRunning() {
		return fmt.Errorf("%w: not started", ErrInvalidState)
	}

	header, ok := n.disp.TakeAckHeader()
	if !ok {
		return fmt.Errorf("%w: no message awaiting ack", ErrInvalidState)
	}

	mac, found := n.table.FindMAC(header.SenderNodeID)
	if !found {
		return fmt.Errorf("%w: node %d", ErrNotFound, header.SenderNodeID)
	}

	ack := codec.Ack{
		AckSequence: header.SequenceNumber,
		Status:      status,
	}
	ackHeader := codec.MessageHeader{
		MsgType:      codec.MsgAck,
		SenderType:   n.cfg.NodeType,
		SenderNodeID: n.cfg.NodeID,
		DestNodeID:   header.SenderNodeID,
		TimestampMs:  n.clk.NowMs(),
	}
	frame, err := codec.Encode(&ackHeader, ack.Marshal())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}

	if err := n.engine.QueuePacket(codec.TxPacket{DestMAC: mac, Data: frame}); err != nil {
		if errors.Is(err, txengine.ErrQueueFull) {
			return fmt.Errorf("%w: tx queue full", ErrTimeout)
		}
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

// AddPeer registers a peer manually. The mac must be six bytes.
func (n *Node) AddPeer(id codec.NodeID, mac []byte, channel uint8, nodeType codec.NodeType) error {
	if !n.IsRunning() {
		return fmt.Errorf("%w: not started", ErrInvalidState)
	}
	if len(mac) != 6 {
		return fmt.Errorf("%w: mac must be 6 bytes", ErrInvalidArg)
	}
	if err := radio.CheckChannel(channel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}

	var addr codec.MAC
	copy(addr[:], mac)
	if err := n.table.Add(id, addr, channel, nodeType, 0, n.clk.NowMs()); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

// RemovePeer forgets a peer.
func (n *Node) RemovePeer(id codec.NodeID) error {
	if !n.IsRunning() {
		return fmt.Errorf("%w: not started", ErrInvalidState)
	}
	if err := n.table.Remove(id); err != nil {
		if errors.Is(err, peer.ErrPeerNotFound) {
			return fmt.Errorf("%w: node %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

// Peers returns a snapshot of the peer table in most-recently-used order.
func (n *Node) Peers() []peer.Info {
	if !n.IsRunning() {
		return nil
	}
	return n.table.All()
}

// OfflinePeers returns the ids of peers whose heartbeats have been
// silent for more than 2.5 times their interval.
func (n *Node) OfflinePeers() []codec.NodeID {
	if !n.IsRunning() {
		return nil
	}
	return n.table.Offline(n.clk.NowMs())
}

// StartPairing opens the pairing window for the given duration.
func (n *Node) StartPairing(timeout time.Duration) error {
	if !n.IsRunning() {
		return fmt.Errorf("%w: not started", ErrInvalidState)
	}
	if err := n.pm.Start(timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// currentChannel reports the tuned channel, or 0 when the radio cannot
// say (receivers treat 0 as "no channel update").
func (n *Node) currentChannel() uint8 {
	ch, err := n.radio.Channel()
	if err != nil {
		return 0
	}
	return ch
}

// onChannelChanged runs when a scan or heartbeat response relocated the
// hub: the broadcast peer follows the new channel and the snapshot is
// rewritten, once per distinct channel.
func (n *Node) onChannelChanged(ch uint8) {
	n.mu.Lock()
	if n.broadcastCh == ch {
		n.mu.Unlock()
		return
	}
	n.broadcastCh = ch
	n.channel = ch
	n.mu.Unlock()

	if err := n.radio.ModPeer(codec.BroadcastMAC, ch); err != nil {
		n.log.Warn("failed to retune broadcast peer", "channel", ch, "error", err)
	}
	n.persist(ch)
	n.log.Info("channel changed", "channel", ch)
}

// persist rewrites the snapshot with the given channel.
func (n *Node) persist(ch uint8) {
	if err := n.table.Persist(ch, false); err != nil {
		n.log.Warn("failed to persist state", "error", err)
	}
}
