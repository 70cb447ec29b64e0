// Package heartbeat implements the keep-alive protocol: leaves emit
// periodic HEARTBEAT frames towards the hub, the hub answers each with a
// HEARTBEAT_RESPONSE carrying its clock and current channel, and tracks
// when each leaf was last heard.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/espnow-go/core/clock"
	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/peer"
)

// DefaultInterval is the default time between heartbeats.
const DefaultInterval = 60 * time.Second

// Sender queues outbound frames; satisfied by the TX engine.
type Sender interface {
	QueuePacket(pkt codec.TxPacket) error
}

// Config configures a heartbeat Manager.
type Config struct {
	// NodeID and NodeType identify this node. The hub never emits
	// heartbeats; it only answers them.
	NodeID   codec.NodeID
	NodeType codec.NodeType

	// Interval is the leaf's heartbeat period. 0 disables emission.
	Interval time.Duration

	// BatteryMv reports the current battery voltage for heartbeat
	// payloads. May be nil (reported as zero).
	BatteryMv func() uint16

	// Channel reports the hub's current wifi channel for responses.
	// May be nil (reported as zero, meaning "no channel update").
	Channel func() uint8

	// OnHubChannel is called on a leaf when a heartbeat response reveals
	// the hub moved to a different channel. May be nil.
	OnHubChannel func(channel uint8)

	// LinkAlive notifies the TX engine of hub liveness. May be nil.
	LinkAlive func()

	// Logger for heartbeat events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Manager drives the heartbeat protocol for one node.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	sender Sender
	table  *peer.Table
	clk    *clock.Clock

	mu       sync.Mutex
	lastRSSI int8
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a heartbeat Manager.
func New(sender Sender, table *peer.Table, clk *clock.Clock, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		log:    logger.WithGroup("heartbeat"),
		sender: sender,
		table:  table,
		clk:    clk,
	}
}

// Start launches the periodic emitter on leaves. Hubs and leaves with a
// zero interval need no goroutine; Start is then a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.NodeType == codec.NodeTypeHub || m.cfg.Interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SendHeartbeat()
			}
		}
	}()
}

// Stop cancels the periodic emitter.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// SetLastRSSI records the signal strength of the most recent frame from
// the hub; it is reported back in the next heartbeat.
func (m *Manager) SetLastRSSI(rssi int8) {
	m.mu.Lock()
	m.lastRSSI = rssi
	m.mu.Unlock()
}

// SendHeartbeat emits one HEARTBEAT frame, unicast to the hub when its
// address is known and broadcast otherwise.
func (m *Manager) SendHeartbeat() {
	dest := codec.BroadcastMAC
	if mac, ok := m.table.FindMAC(codec.NodeIDHub); ok {
		dest = mac
	}

	m.mu.Lock()
	rssi := m.lastRSSI
	m.mu.Unlock()

	var battery uint16
	if m.cfg.BatteryMv != nil {
		battery = m.cfg.BatteryMv()
	}

	hb := codec.Heartbeat{
		BatteryMv: battery,
		RSSI:      rssi,
		UptimeMs:  m.clk.NowMs(),
	}
	header := codec.MessageHeader{
		MsgType:      codec.MsgHeartbeat,
		SenderNodeID: m.cfg.NodeID,
		SenderType:   m.cfg.NodeType,
		DestNodeID:   codec.NodeIDHub,
		TimestampMs:  m.clk.NowMs(),
	}
	frame, err := codec.Encode(&header, hb.Marshal())
	if err != nil {
		m.log.Error("failed to encode heartbeat", "error", err)
		return
	}

	if err := m.sender.QueuePacket(codec.TxPacket{DestMAC: dest, Data: frame}); err != nil {
		m.log.Warn("failed to queue heartbeat", "error", err)
		return
	}
	m.log.Debug("heartbeat queued", "dest", dest, "uptime_ms", hb.UptimeMs)
}

// HandleHeartbeat processes a HEARTBEAT on the hub: the sender's
// last-seen time is refreshed and a HEARTBEAT_RESPONSE is queued back to
// its address.
func (m *Manager) HandleHeartbeat(sender codec.NodeID, srcMAC codec.MAC, hb *codec.Heartbeat) {
	now := m.clk.NowMs()
	m.table.UpdateLastSeen(sender, now)
	m.log.Debug("heartbeat received",
		"from", sender, "battery_mv", hb.BatteryMv, "rssi", hb.RSSI)

	var channel uint8
	if m.cfg.Channel != nil {
		channel = m.cfg.Channel()
	}

	resp := codec.HeartbeatResponse{
		ServerTimeMs: now,
		WifiChannel:  channel,
	}
	header := codec.MessageHeader{
		MsgType:      codec.MsgHeartbeatResponse,
		SenderNodeID: m.cfg.NodeID,
		SenderType:   m.cfg.NodeType,
		DestNodeID:   sender,
		TimestampMs:  now,
	}
	frame, err := codec.Encode(&header, resp.Marshal())
	if err != nil {
		m.log.Error("failed to encode heartbeat response", "error", err)
		return
	}

	if err := m.sender.QueuePacket(codec.TxPacket{DestMAC: srcMAC, Data: frame}); err != nil {
		m.log.Warn("failed to queue heartbeat response", "error", err)
	}
}

// HandleHeartbeatResponse processes a HEARTBEAT_RESPONSE on a leaf: the
// link is reported alive and, when the hub answered on a different
// channel, the stored hub record is retuned. A zero channel means the
// hub had nothing to report and is ignored.
func (m *Manager) HandleHeartbeatResponse(sender codec.NodeID, resp *codec.HeartbeatResponse) {
	if m.cfg.LinkAlive != nil {
		m.cfg.LinkAlive()
	}
	m.log.Debug("heartbeat response received",
		"from", sender, "channel", resp.WifiChannel)

	if resp.WifiChannel == 0 {
		return
	}

	stored, ok := m.table.Get(sender)
	if !ok || stored.Channel == resp.WifiChannel {
		return
	}

	if err := m.table.Add(sender, stored.MAC, resp.WifiChannel, codec.NodeTypeHub,
		stored.HeartbeatIntervalMs, m.clk.NowMs()); err != nil {
		m.log.Warn("failed to retune hub record", "error", err)
		return
	}
	m.log.Info("hub changed channel", "channel", resp.WifiChannel)
	if m.cfg.OnHubChannel != nil {
		m.cfg.OnHubChannel(resp.WifiChannel)
	}
}
