// Package pairing implements the pairing dance: a leaf broadcasts
// PAIR_REQUEST frames inside a timed window, the hub registers the leaf
// and answers PAIR_RESPONSE, and the leaf stores the hub from the
// response. Hubs never pair with other hubs.
package pairing

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/espnow-go/core/clock"
	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/peer"
)

// DefaultResendInterval is how often a leaf rebroadcasts its request
// while the pairing window is open.
const DefaultResendInterval = 5 * time.Second

// ErrAlreadyActive is returned when pairing is started twice.
var ErrAlreadyActive = errors.New("pairing already active")

// Sender queues outbound frames; satisfied by the TX engine.
type Sender interface {
	QueuePacket(pkt codec.TxPacket) error
}

// Config configures a pairing Manager.
type Config struct {
	// NodeID and NodeType identify this node.
	NodeID   codec.NodeID
	NodeType codec.NodeType

	// HeartbeatIntervalMs is the interval a leaf requests when pairing.
	HeartbeatIntervalMs uint32

	// DeviceName is carried in pair requests (truncated to 16 bytes).
	DeviceName string

	// FirmwareVersion is carried in pair requests.
	FirmwareVersion [3]byte

	// Channel reports the current wifi channel; the hub echoes it in
	// responses and registers new leaves on it. Required on hubs.
	Channel func() uint8

	// ResendInterval overrides the leaf's rebroadcast period (tests).
	// Default: 5s.
	ResendInterval time.Duration

	// OnPaired is called on a leaf after a successful pair, with the
	// hub's id and channel. May be nil.
	OnPaired func(hub codec.NodeID, channel uint8)

	// Logger for pairing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Manager drives the pairing protocol for one node.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	sender Sender
	table  *peer.Table
	clk    *clock.Clock

	mu            sync.Mutex
	active        bool
	timeoutTimer  *time.Timer
	periodicStop  chan struct{}
	periodicDone  chan struct{}
}

// New creates a pairing Manager.
func New(sender Sender, table *peer.Table, clk *clock.Clock, cfg Config) *Manager {
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		log:    logger.WithGroup("pairing"),
		sender: sender,
		table:  table,
		clk:    clk,
	}
}

// IsActive reports whether a pairing window is open.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start opens the pairing window for the given duration. On leaves the
// first PAIR_REQUEST goes out immediately and is rebroadcast every
// resend interval until the window closes.
func (m *Manager) Start(timeout time.Duration) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.active = true
	m.timeoutTimer = time.AfterFunc(timeout, m.onTimeout)

	if m.cfg.NodeType != codec.NodeTypeHub {
		m.periodicStop = make(chan struct{})
		m.periodicDone = make(chan struct{})
		go m.resendLoop(m.periodicStop, m.periodicDone)
	}
	m.mu.Unlock()

	m.log.Info("pairing window opened", "timeout", timeout)
	if m.cfg.NodeType != codec.NodeTypeHub {
		m.sendPairRequest()
	}
	return nil
}

// Stop closes the pairing window and stops both timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.deactivateLocked()
	m.mu.Unlock()
}

func (m *Manager) onTimeout() {
	m.mu.Lock()
	wasActive := m.active
	m.deactivateLocked()
	m.mu.Unlock()
	if wasActive {
		m.log.Info("pairing window timed out")
	}
}

// deactivateLocked closes the window. Must be called with m.mu held.
func (m *Manager) deactivateLocked() {
	m.active = false
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
	if m.periodicStop != nil {
		close(m.periodicStop)
		m.periodicStop = nil
		m.periodicDone = nil
	}
}

func (m *Manager) resendLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.ResendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sendPairRequest()
		}
	}
}

func (m *Manager) sendPairRequest() {
	req := codec.PairRequest{
		FirmwareVersion:     m.cfg.FirmwareVersion,
		UptimeMs:            m.clk.NowMs(),
		HeartbeatIntervalMs: m.cfg.HeartbeatIntervalMs,
	}
	copy(req.DeviceName[:], m.cfg.DeviceName)

	header := codec.MessageHeader{
		MsgType:      codec.MsgPairRequest,
		SenderNodeID: m.cfg.NodeID,
		SenderType:   m.cfg.NodeType,
		DestNodeID:   codec.NodeIDHub,
		TimestampMs:  m.clk.NowMs(),
	}
	frame, err := codec.Encode(&header, req.Marshal())
	if err != nil {
		m.log.Error("failed to encode pair request", "error", err)
		return
	}

	if err := m.sender.QueuePacket(codec.TxPacket{DestMAC: codec.BroadcastMAC, Data: frame}); err != nil {
		m.log.Warn("failed to queue pair request", "error", err)
		return
	}
	m.log.Debug("pair request broadcast")
}

// HandlePairRequest processes a PAIR_REQUEST on the hub. Requests from
// other hubs are rejected; anything else is registered as a peer on the
// current channel and accepted.
func (m *Manager) HandlePairRequest(header *codec.MessageHeader, req *codec.PairRequest, srcMAC codec.MAC) {
	if m.cfg.NodeType != codec.NodeTypeHub || !m.IsActive() {
		return
	}

	m.log.Info("pair request", "from", header.SenderNodeID, "mac", srcMAC)

	var channel uint8 = 1
	if m.cfg.Channel != nil {
		if ch := m.cfg.Channel(); ch != 0 {
			channel = ch
		}
	}

	resp := codec.PairResponse{
		AssignedID:          header.SenderNodeID,
		HeartbeatIntervalMs: req.HeartbeatIntervalMs,
		WifiChannel:         channel,
	}

	if header.SenderType == codec.NodeTypeHub {
		resp.Status = codec.PairRejectedNotAllowed
		m.log.Warn("rejecting pair request from another hub", "from", header.SenderNodeID)
	} else {
		err := m.table.Add(header.SenderNodeID, srcMAC, channel, header.SenderType,
			req.HeartbeatIntervalMs, m.clk.NowMs())
		if err != nil {
			m.log.Error("failed to register pairing leaf", "error", err)
			return
		}
		resp.Status = codec.PairAccepted
	}

	respHeader := codec.MessageHeader{
		MsgType:      codec.MsgPairResponse,
		SenderNodeID: m.cfg.NodeID,
		SenderType:   m.cfg.NodeType,
		DestNodeID:   header.SenderNodeID,
		TimestampMs:  m.clk.NowMs(),
	}
	frame, err := codec.Encode(&respHeader, resp.Marshal())
	if err != nil {
		m.log.Error("failed to encode pair response", "error", err)
		return
	}
	if err := m.sender.QueuePacket(codec.TxPacket{DestMAC: srcMAC, Data: frame}); err != nil {
		m.log.Warn("failed to queue pair response", "error", err)
	}
}

// HandlePairResponse processes a PAIR_RESPONSE on a leaf. An acceptance
// stores the hub on the echoed channel and closes the window; a
// rejection leaves the window open for the next attempt.
func (m *Manager) HandlePairResponse(header *codec.MessageHeader, resp *codec.PairResponse, srcMAC codec.MAC) {
	if m.cfg.NodeType == codec.NodeTypeHub || !m.IsActive() {
		return
	}

	if resp.Status != codec.PairAccepted {
		m.log.Warn("pairing rejected", "by", header.SenderNodeID, "status", resp.Status)
		return
	}

	channel := resp.WifiChannel
	if channel == 0 && m.cfg.Channel != nil {
		channel = m.cfg.Channel()
	}

	if err := m.table.Add(header.SenderNodeID, srcMAC, channel, header.SenderType,
		0, m.clk.NowMs()); err != nil {
		m.log.Error("failed to store hub", "error", err)
		return
	}

	m.mu.Lock()
	m.deactivateLocked()
	m.mu.Unlock()

	m.log.Info("paired with hub", "hub", header.SenderNodeID, "channel", channel)
	if m.cfg.OnPaired != nil {
		m.cfg.OnPaired(header.SenderNodeID, channel)
	}
}
