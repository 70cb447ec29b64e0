package espnow

import (
	"log/slog"
	"time"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/storage"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	// DefaultWifiChannel is used when no channel is configured or persisted.
	DefaultWifiChannel uint8 = 1

	// DefaultAckTimeout is the logical ACK timeout.
	DefaultAckTimeout = 500 * time.Millisecond

	// DefaultHeartbeatInterval is the leaf keep-alive period.
	DefaultHeartbeatInterval = 60 * time.Second
)

// Config configures a Node.
type Config struct {
	// NodeID is this node's logical id. The hub conventionally uses 0x01.
	NodeID codec.NodeID

	// NodeType is this node's role. NodeTypeHub makes this node the
	// coordinator: it answers pairing, heartbeats and scan probes.
	NodeType codec.NodeType

	// AppRxQueue receives validated DATA and COMMAND frames. Required.
	AppRxQueue chan codec.RxPacket

	// WifiChannel is the initial channel (1..13). A persisted channel
	// takes precedence. Default: 1.
	WifiChannel uint8

	// AckTimeout is how long a requires_ack send waits for its logical
	// ACK before retransmitting. Default: 500ms.
	AckTimeout time.Duration

	// HeartbeatInterval is the leaf keep-alive period. Default: 60s.
	// Set DisableHeartbeat to turn emission off entirely.
	HeartbeatInterval time.Duration

	// DisableHeartbeat turns off periodic heartbeat emission.
	DisableHeartbeat bool

	// DeviceName and FirmwareVersion are carried in pair requests.
	DeviceName      string
	FirmwareVersion [3]byte

	// BatteryMv reports battery voltage for heartbeat payloads. May be
	// nil (reported as zero).
	BatteryMv func() uint16

	// Storage persists peers and channel across restarts. May be nil,
	// in which case the node starts empty on every boot.
	Storage *storage.Store

	// Logger for all runtime components. Falls back to slog.Default()
	// if nil.
	Logger *slog.Logger
}

// withDefaults returns the config with zero values replaced.
func (c Config) withDefaults() Config {
	if c.WifiChannel == 0 {
		c.WifiChannel = DefaultWifiChannel
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DisableHeartbeat {
		c.HeartbeatInterval = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
