// Package serialradio implements the Radio interface over a UART-attached
// radio co-processor. The co-processor owns the air interface; this side
// speaks a small framed command protocol with Fletcher-16 checksums and
// resynchronizes on corrupted frames.
package serialradio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/radio"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ radio.Radio = (*Radio)(nil)

const (
	// DefaultBaudRate is the default UART speed to the co-processor.
	DefaultBaudRate = 115200

	readBufSize = 1024
)

// Config holds the configuration for a serial-attached radio.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	Port string
	// BaudRate is the UART speed. Defaults to 115200.
	BaudRate int
	// Channel is the channel assumed until the co-processor reports one.
	// Defaults to 1.
	Channel uint8
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Radio drives a co-processor over a serial port.
type Radio struct {
	cfg  Config
	log  *slog.Logger
	port serial.Port

	mu            sync.RWMutex
	connected     bool
	channel       uint8
	done          chan struct{}
	recvHandler   radio.ReceiveHandler
	resultHandler radio.SendResultHandler
}

// New creates a serial radio with the given configuration.
func New(cfg Config) *Radio {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Channel == 0 {
		cfg.Channel = radio.MinChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Radio{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("serial"),
		channel: cfg.Channel,
	}
}

// Open connects to the co-processor and starts the read loop.
func (r *Radio) Open() error {
	if r.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	port, err := serial.Open(r.cfg.Port, &serial.Mode{BaudRate: r.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	r.mu.Lock()
	r.port = port
	r.connected = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.readLoop()

	r.log.Info("connected to radio co-processor", "port", r.cfg.Port, "baud", r.cfg.BaudRate)

	// Ask for the current channel; the answer arrives as an event.
	return r.write(cmdGetChannel, nil)
}

// Close stops the read loop and closes the port.
func (r *Radio) Close() error {
	r.mu.Lock()
	r.connected = false
	port := r.port
	r.port = nil
	done := r.done
	r.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// IsConnected reports whether the port is open.
func (r *Radio) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Radio) SetChannel(ch uint8) error {
	if err := radio.CheckChannel(ch); err != nil {
		return err
	}
	if err := r.write(cmdSetChannel, []byte{ch}); err != nil {
		return err
	}
	r.mu.Lock()
	r.channel = ch
	r.mu.Unlock()
	return nil
}

func (r *Radio) Channel() (uint8, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected {
		return 0, radio.ErrNotConnected
	}
	return r.channel, nil
}

func (r *Radio) Send(mac codec.MAC, data []byte) error {
	if len(data) > codec.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(data))
	}
	body := make([]byte, 6+len(data))
	copy(body[:6], mac[:])
	copy(body[6:], data)
	return r.write(cmdSend, body)
}

func (r *Radio) AddPeer(mac codec.MAC, channel uint8) error {
	if err := radio.CheckChannel(channel); err != nil {
		return err
	}
	return r.write(cmdAddPeer, append(mac[:6:6], channel))
}

func (r *Radio) ModPeer(mac codec.MAC, channel uint8) error {
	if err := radio.CheckChannel(channel); err != nil {
		return err
	}
	return r.write(cmdModPeer, append(mac[:6:6], channel))
}

func (r *Radio) DelPeer(mac codec.MAC) error {
	return r.write(cmdDelPeer, mac[:])
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

// write frames a command and writes it to the port.
func (r *Radio) write(cmd uint8, body []byte) error {
	r.mu.RLock()
	port := r.port
	connected := r.connected
	r.mu.RUnlock()

	if !connected || port == nil {
		return radio.ErrNotConnected
	}

	frame, err := encodeFrame(cmd, body)
	if err != nil {
		return err
	}
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// readLoop assembles link frames from raw serial data.
func (r *Radio) readLoop() {
	defer close(r.done)

	buf := make([]byte, readBufSize)
	var assembly []byte

	for {
		r.mu.RLock()
		port := r.port
		r.mu.RUnlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || !r.IsConnected() {
				return
			}
			r.log.Error("serial read error", "error", err)
			r.handleDisconnect()
			return
		}
		if n == 0 {
			continue
		}

		assembly = append(assembly, buf[:n]...)
		assembly = r.processFrames(assembly)
	}
}

// processFrames extracts complete link frames and dispatches events.
// Returns any remaining bytes that don't form a complete frame.
func (r *Radio) processFrames(data []byte) []byte {
	for len(data) >= minFrameSize {
		frame, remaining, err := decodeFrame(data)
		if err != nil {
			if errors.Is(err, ErrIncompleteFrame) {
				return data
			}
			// Bad frame: resynchronize on the next magic bytes.
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}

		data = remaining
		r.handleEvent(frame)
	}
	return data
}

func (r *Radio) handleEvent(f linkFrame) {
	switch f.Cmd {
	case evtChannel:
		if len(f.Body) < 1 {
			return
		}
		r.mu.Lock()
		r.channel = f.Body[0]
		r.mu.Unlock()
		r.log.Debug("co-processor channel", "channel", f.Body[0])

	case evtRecv:
		// mac[6] + rssi + frame
		if len(f.Body) < 7 {
			return
		}
		var pkt codec.RxPacket
		copy(pkt.SrcMAC[:], f.Body[:6])
		pkt.RSSI = int8(f.Body[6])
		pkt.Data = f.Body[7:]

		r.mu.RLock()
		fn := r.recvHandler
		r.mu.RUnlock()
		if fn != nil {
			fn(pkt)
		}

	case evtSendResult:
		// mac[6] + status
		if len(f.Body) < 7 {
			return
		}
		var mac codec.MAC
		copy(mac[:], f.Body[:6])

		r.mu.RLock()
		fn := r.resultHandler
		r.mu.RUnlock()
		if fn != nil {
			fn(mac, f.Body[6] != 0)
		}

	default:
		r.log.Debug("unknown link event", "cmd", f.Cmd)
	}
}

func (r *Radio) handleDisconnect() {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.log.Error("serial link lost")
}
