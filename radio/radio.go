// Package radio defines the link-layer interface the runtime drives: a
// connectionless frame radio with thirteen channels, a peer registry and
// asynchronous receive/send-result callbacks.
//
// Implementations live in the subpackages: stub (in-memory, for tests and
// host-side development), serialradio (a UART-attached co-processor) and
// mqttradio (an MQTT-bridged lab transport).
package radio

import (
	"errors"
	"fmt"

	"github.com/kabili207/espnow-go/core/codec"
)

const (
	// MinChannel and MaxChannel bound the usable radio channels.
	MinChannel = 1
	MaxChannel = 13
)

var (
	// ErrInvalidChannel is returned for channels outside 1..13.
	ErrInvalidChannel = errors.New("channel out of range")

	// ErrPeerUnknown is returned when a peer operation names an
	// unregistered link-layer address.
	ErrPeerUnknown = errors.New("peer not registered")

	// ErrNotConnected is returned by backends whose underlying link is down.
	ErrNotConnected = errors.New("radio not connected")
)

// ReceiveHandler is invoked for every frame the driver receives. It runs
// on the driver's delivery context and must only copy the frame away.
type ReceiveHandler func(pkt codec.RxPacket)

// SendResultHandler is invoked on completion of every physical send.
type SendResultHandler func(dest codec.MAC, ok bool)

// Radio is the link driver consumed by the runtime.
type Radio interface {
	// SetChannel tunes the radio. Channel must be within 1..13.
	SetChannel(ch uint8) error
	// Channel returns the currently tuned channel.
	Channel() (uint8, error)
	// Send enqueues one frame for physical transmission. It returns when
	// the driver accepted the frame, not when it was acknowledged on air.
	Send(mac codec.MAC, data []byte) error

	// AddPeer registers a unicast destination on the given channel.
	AddPeer(mac codec.MAC, channel uint8) error
	// ModPeer changes the channel of a registered destination.
	ModPeer(mac codec.MAC, channel uint8) error
	// DelPeer forgets a registered destination.
	DelPeer(mac codec.MAC) error

	// SetReceiveHandler installs the inbound frame callback.
	SetReceiveHandler(fn ReceiveHandler)
	// SetSendResultHandler installs the send completion callback.
	SetSendResultHandler(fn SendResultHandler)
}

// CheckChannel validates a channel number.
func CheckChannel(ch uint8) error {
	if ch < MinChannel || ch > MaxChannel {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	return nil
}
