// Package mqttradio implements the Radio interface over an MQTT broker,
// for lab rigs and development fleets without radio hardware. Each wifi
// channel maps to a broker topic; broadcast frames go to the channel
// topic and unicast frames to a per-address subtopic. Frames can be
// sealed with XChaCha20-Poly1305 under a pre-shared key, standing in for
// the link-layer encryption real radios may provide.
package mqttradio

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/radio"
)

// Compile-time interface check.
var _ radio.Radio = (*Radio)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "espnow"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config holds the configuration for an MQTT-bridged radio.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username and Password for broker authentication. Optional.
	Username string
	Password string
	// ClientID is the MQTT client identifier. If empty, one is derived
	// from the local address.
	ClientID string
	// TopicPrefix is the topic prefix. Default: "espnow".
	TopicPrefix string
	// LocalMAC is this node's link address; frames it sends carry it and
	// its unicast subtopic is derived from it. Required.
	LocalMAC codec.MAC
	// Channel is the initial channel. Default: 1.
	Channel uint8
	// PresharedKey, when set, seals every frame with XChaCha20-Poly1305;
	// it must be 32 bytes long. All nodes on the rig must share it.
	PresharedKey []byte
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Radio bridges frames over MQTT topics.
type Radio struct {
	cfg    Config
	log    *slog.Logger
	client paho.Client
	aead   cipher.AEAD

	mu            sync.RWMutex
	connected     bool
	channel       uint8
	peers         map[codec.MAC]uint8
	recvHandler   radio.ReceiveHandler
	resultHandler radio.SendResultHandler
}

// New creates an MQTT radio with the given configuration.
func New(cfg Config) (*Radio, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Channel == 0 {
		cfg.Channel = radio.MinChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Radio{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("mqtt"),
		channel: cfg.Channel,
		peers:   make(map[codec.MAC]uint8),
	}

	if len(cfg.PresharedKey) > 0 {
		if len(cfg.PresharedKey) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("preshared key must be %d bytes", chacha20poly1305.KeySize)
		}
		aead, err := chacha20poly1305.NewX(cfg.PresharedKey)
		if err != nil {
			return nil, fmt.Errorf("initializing frame cipher: %w", err)
		}
		r.aead = aead
	}
	return r, nil
}

// Open connects to the broker and subscribes to the current channel.
func (r *Radio) Open() error {
	if r.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := r.cfg.ClientID
	if clientID == "" {
		clientID = "espnow-" + hex.EncodeToString(r.cfg.LocalMAC[:])
	}

	opts := paho.NewClientOptions().
		AddBroker(r.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(r.onConnected).
		SetConnectionLostHandler(r.onConnectionLost)

	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username)
	}
	if r.cfg.Password != "" {
		opts.SetPassword(r.cfg.Password)
	}

	r.client = paho.NewClient(opts)
	token := r.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("broker connection timed out")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (r *Radio) Close() error {
	if r.client != nil {
		r.client.Disconnect(250)
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return nil
}

// IsConnected reports whether the broker session is up.
func (r *Radio) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Radio) onConnected(_ paho.Client) {
	r.mu.Lock()
	r.connected = true
	channel := r.channel
	r.mu.Unlock()

	r.log.Info("connected to broker", "broker", r.cfg.Broker)
	r.subscribe(channel)
}

func (r *Radio) onConnectionLost(_ paho.Client, err error) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.log.Warn("broker connection lost", "error", err)
}

func (r *Radio) broadcastTopic(ch uint8) string {
	return fmt.Sprintf("%s/ch%d", r.cfg.TopicPrefix, ch)
}

func (r *Radio) unicastTopic(ch uint8, mac codec.MAC) string {
	return fmt.Sprintf("%s/ch%d/%s", r.cfg.TopicPrefix, ch, hex.EncodeToString(mac[:]))
}

func (r *Radio) subscribe(ch uint8) {
	topics := map[string]byte{
		r.broadcastTopic(ch):               0,
		r.unicastTopic(ch, r.cfg.LocalMAC): 0,
	}
	token := r.client.SubscribeMultiple(topics, r.onMessage)
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		r.log.Error("subscription failed", "channel", ch, "error", token.Error())
		return
	}
	r.log.Debug("subscribed", "channel", ch)
}

func (r *Radio) unsubscribe(ch uint8) {
	token := r.client.Unsubscribe(r.broadcastTopic(ch), r.unicastTopic(ch, r.cfg.LocalMAC))
	token.WaitTimeout(connectTimeout)
}

func (r *Radio) SetChannel(ch uint8) error {
	if err := radio.CheckChannel(ch); err != nil {
		return err
	}

	r.mu.Lock()
	old := r.channel
	r.channel = ch
	connected := r.connected
	r.mu.Unlock()

	if connected && old != ch {
		r.unsubscribe(old)
		r.subscribe(ch)
	}
	return nil
}

func (r *Radio) Channel() (uint8, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel, nil
}

// Send publishes one frame. The wire payload is the sender address
// followed by the frame, optionally sealed, then base64-encoded.
func (r *Radio) Send(mac codec.MAC, data []byte) error {
	r.mu.RLock()
	connected := r.connected
	channel := r.channel
	handler := r.resultHandler
	r.mu.RUnlock()

	if !connected {
		return radio.ErrNotConnected
	}

	plain := make([]byte, 6+len(data))
	copy(plain[:6], r.cfg.LocalMAC[:])
	copy(plain[6:], data)

	payload, err := r.seal(plain)
	if err != nil {
		return err
	}

	topic := r.broadcastTopic(channel)
	if !mac.IsBroadcast() {
		topic = r.unicastTopic(channel, mac)
	}

	token := r.client.Publish(topic, 0, false, base64.StdEncoding.EncodeToString(payload))

	// Completion is reported asynchronously, like a radio send callback.
	go func() {
		ok := token.WaitTimeout(publishTimeout) && token.Error() == nil
		if handler != nil {
			handler(mac, ok)
		}
	}()
	return nil
}

func (r *Radio) seal(plain []byte) ([]byte, error) {
	if r.aead == nil {
		return plain, nil
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return r.aead.Seal(nonce, nonce, plain, nil), nil
}

func (r *Radio) unseal(payload []byte) ([]byte, error) {
	if r.aead == nil {
		return payload, nil
	}
	if len(payload) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed frame too short")
	}
	nonce, ciphertext := payload[:chacha20poly1305.NonceSizeX], payload[chacha20poly1305.NonceSizeX:]
	return r.aead.Open(nil, nonce, ciphertext, nil)
}

func (r *Radio) onMessage(_ paho.Client, msg paho.Message) {
	payload, err := base64.StdEncoding.DecodeString(string(msg.Payload()))
	if err != nil {
		r.log.Debug("dropping undecodable message", "topic", msg.Topic())
		return
	}

	plain, err := r.unseal(payload)
	if err != nil {
		r.log.Debug("dropping unsealed-failed message", "topic", msg.Topic())
		return
	}
	if len(plain) < 7 {
		return
	}

	var src codec.MAC
	copy(src[:], plain[:6])
	if src == r.cfg.LocalMAC {
		return // our own broadcast echoed back
	}

	r.mu.RLock()
	fn := r.recvHandler
	r.mu.RUnlock()
	if fn != nil {
		fn(codec.RxPacket{
			SrcMAC:      src,
			Data:        plain[6:],
			TimestampUs: time.Now().UnixMicro(),
		})
	}
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
