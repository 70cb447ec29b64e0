// Package stub provides an in-memory Radio for tests and host-side
// development. Sends are recorded, send results are scriptable, and
// inbound frames are injected directly into the receive handler.
package stub

import (
	"sync"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/radio"
)

// Compile-time interface check.
var _ radio.Radio = (*Radio)(nil)

// SentFrame records one Send call.
type SentFrame struct {
	Dest    codec.MAC
	Data    []byte
	Channel uint8
}

// Radio is a scriptable in-memory link driver.
type Radio struct {
	mu sync.Mutex

	channel     uint8
	channelLog  []uint8
	sent        []SentFrame
	peers       map[codec.MAC]uint8
	removedMACs []codec.MAC

	failSends int // fail the next N Send calls
	sendErr   error

	// OnSend, when set, is called after each successful Send with the
	// frame and the channel it went out on. Tests use it to script
	// responses (e.g. signalling the scanner on a specific channel).
	OnSend func(f SentFrame)

	recvHandler   radio.ReceiveHandler
	resultHandler radio.SendResultHandler
}

// New creates a stub radio tuned to channel 1.
func New() *Radio {
	return &Radio{
		channel: radio.MinChannel,
		peers:   make(map[codec.MAC]uint8),
	}
}

func (r *Radio) SetChannel(ch uint8) error {
	if err := radio.CheckChannel(ch); err != nil {
		return err
	}
	r.mu.Lock()
	r.channel = ch
	r.channelLog = append(r.channelLog, ch)
	r.mu.Unlock()
	return nil
}

func (r *Radio) Channel() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel, nil
}

func (r *Radio) Send(mac codec.MAC, data []byte) error {
	r.mu.Lock()
	if r.failSends > 0 {
		r.failSends--
		err := r.sendErr
		r.mu.Unlock()
		if err == nil {
			err = radio.ErrNotConnected
		}
		return err
	}

	frame := SentFrame{Dest: mac, Data: append([]byte(nil), data...), Channel: r.channel}
	r.sent = append(r.sent, frame)
	hook := r.OnSend
	r.mu.Unlock()

	if hook != nil {
		hook(frame)
	}
	return nil
}

func (r *Radio) AddPeer(mac codec.MAC, channel uint8) error {
	if err := radio.CheckChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[mac] = channel
	return nil
}

func (r *Radio) ModPeer(mac codec.MAC, channel uint8) error {
	if err := radio.CheckChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[mac]; !ok {
		return radio.ErrPeerUnknown
	}
	r.peers[mac] = channel
	return nil
}

func (r *Radio) DelPeer(mac codec.MAC) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[mac]; !ok {
		return radio.ErrPeerUnknown
	}
	delete(r.peers, mac)
	r.removedMACs = append(r.removedMACs, mac)
	return nil
}

func (r *Radio) SetReceiveHandler(fn radio.ReceiveHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recvHandler = fn
}

func (r *Radio) SetSendResultHandler(fn radio.SendResultHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resultHandler = fn
}

// Inject delivers a frame to the installed receive handler, as the real
// driver would from its receive callback.
func (r *Radio) Inject(pkt codec.RxPacket) {
	r.mu.Lock()
	fn := r.recvHandler
	r.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

// CompleteSend reports a send result to the installed handler.
func (r *Radio) CompleteSend(dest codec.MAC, ok bool) {
	r.mu.Lock()
	fn := r.resultHandler
	r.mu.Unlock()
	if fn != nil {
		fn(dest, ok)
	}
}

// FailNextSends makes the next n Send calls return err (or a default
// error when err is nil).
func (r *Radio) FailNextSends(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSends = n
	r.sendErr = err
}

// Sent returns a copy of all recorded sends.
func (r *Radio) Sent() []SentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SentFrame, len(r.sent))
	copy(out, r.sent)
	return out
}

// LastSent returns the most recent send, if any.
func (r *Radio) LastSent() (SentFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return SentFrame{}, false
	}
	return r.sent[len(r.sent)-1], true
}

// ChannelLog returns every channel passed to SetChannel, in order.
func (r *Radio) ChannelLog() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint8, len(r.channelLog))
	copy(out, r.channelLog)
	return out
}

// RemovedMACs returns every address passed to DelPeer, in order.
func (r *Radio) RemovedMACs() []codec.MAC {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]codec.MAC, len(r.removedMACs))
	copy(out, r.removedMACs)
	return out
}

// PeerChannel returns the registered channel for a peer address.
func (r *Radio) PeerChannel(mac codec.MAC) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.peers[mac]
	return ch, ok
}

// PeerCount returns the number of registered peers.
func (r *Radio) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
