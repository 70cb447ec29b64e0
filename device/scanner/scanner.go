// Package scanner implements hub rediscovery: a sweep over the thirteen
// radio channels broadcasting CHANNEL_SCAN_PROBE frames and waiting for
// any sign of the hub on each.
package scanner

import (
	"log/slog"
	"time"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/device/notify"
	"github.com/kabili207/espnow-go/radio"
)

const (
	// ChannelTimeout is how long each probe waits for a response.
	ChannelTimeout = 50 * time.Millisecond

	// ChannelAttempts is how many probes are sent per channel.
	ChannelAttempts = 2

	// MaxScanTime bounds a full sweep; an overrunning sweep is aborted.
	MaxScanTime = 2 * time.Second

	channelCount = radio.MaxChannel - radio.MinChannel + 1
)

// Result is the outcome of a sweep.
type Result struct {
	Channel  uint8
	HubFound bool
}

// Config configures a Scanner.
type Config struct {
	// NodeID and NodeType identify this node in probe frames.
	NodeID   codec.NodeID
	NodeType codec.NodeType

	// Logger for scan events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Scanner sweeps channels looking for the hub. It runs on the TX engine
// goroutine and shares its notification word: the router posts HubFound
// or LinkAlive when a response arrives.
type Scanner struct {
	cfg   Config
	log   *slog.Logger
	radio radio.Radio
	bits  *notify.Bits

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Scanner using the given radio and notification word.
func New(r radio.Radio, bits *notify.Bits, cfg Config) *Scanner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:   cfg,
		log:   logger.WithGroup("scan"),
		radio: r,
		bits:  bits,
		nowFn: time.Now,
	}
}

// UpdateNodeInfo changes the identity carried in probe frames.
func (s *Scanner) UpdateNodeInfo(id codec.NodeID, nodeType codec.NodeType) {
	s.cfg.NodeID = id
	s.cfg.NodeType = nodeType
}

// Scan sweeps all channels starting from startChannel (treated as 1 when
// out of range). It returns the channel the hub answered on, or
// {startChannel, false} after a full silent sweep or when the sweep
// exceeds MaxScanTime.
func (s *Scanner) Scan(startChannel uint8) Result {
	start := startChannel
	if start < radio.MinChannel || start > radio.MaxChannel {
		start = radio.MinChannel
	}

	s.log.Info("starting channel scan", "from", start)

	probe, err := s.buildProbe()
	if err != nil {
		s.log.Error("failed to build scan probe", "error", err)
		return Result{Channel: startChannel}
	}

	deadline := s.nowFn().Add(MaxScanTime)
	for offset := range uint8(channelCount) {
		if s.nowFn().After(deadline) {
			s.log.Warn("channel scan exceeded time budget, aborting")
			break
		}

		channel := (start-radio.MinChannel+offset)%channelCount + radio.MinChannel
		if err := s.radio.SetChannel(channel); err != nil {
			s.log.Warn("failed to tune channel", "channel", channel, "error", err)
			continue
		}

		for range ChannelAttempts {
			if err := s.radio.Send(codec.BroadcastMAC, probe); err != nil {
				s.log.Debug("probe send failed", "channel", channel, "error", err)
			}
			if s.bits.Wait(notify.HubFound|notify.LinkAlive, ChannelTimeout) {
				s.log.Info("hub found", "channel", channel)
				return Result{Channel: channel, HubFound: true}
			}
		}
	}

	s.log.Warn("channel scan finished without finding the hub")
	return Result{Channel: startChannel}
}

func (s *Scanner) buildProbe() ([]byte, error) {
	header := codec.MessageHeader{
		MsgType:      codec.MsgChannelScanProbe,
		SenderType:   s.cfg.NodeType,
		SenderNodeID: s.cfg.NodeID,
		DestNodeID:   codec.NodeIDHub,
	}
	return codec.Encode(&header, nil)
}
