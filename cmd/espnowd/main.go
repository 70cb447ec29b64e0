// Command espnowd runs a single node: a hub coordinating leaves, or a
// leaf pairing with a hub. The link layer is selectable: an in-memory
// stub for dry runs, a serial-attached radio co-processor, or an MQTT
// broker bridging a lab rig.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	espnow "github.com/kabili207/espnow-go"
	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/storage"
	"github.com/kabili207/espnow-go/internal/monitor"
	"github.com/kabili207/espnow-go/radio"
	"github.com/kabili207/espnow-go/radio/mqttradio"
	"github.com/kabili207/espnow-go/radio/serialradio"
	"github.com/kabili207/espnow-go/radio/stub"
)

func main() {
	var (
		role        = flag.String("role", "leaf", "node role: hub or leaf")
		nodeID      = flag.Uint("id", 10, "logical node id (hub uses 1)")
		linkKind    = flag.String("link", "stub", "link backend: stub, serial or mqtt")
		serialPort  = flag.String("serial-port", "", "serial port of the radio co-processor")
		broker      = flag.String("broker", "", "MQTT broker URL (tcp://host:1883)")
		keyHex      = flag.String("psk", "", "32-byte hex preshared key for MQTT frame sealing")
		localMAC    = flag.String("mac", "020000000001", "local link address (6 bytes hex)")
		channel     = flag.Uint("channel", 1, "initial wifi channel (1..13)")
		statePath   = flag.String("state", "", "path of the persistent state blob")
		monitorAddr = flag.String("monitor", "", "listen address for the websocket frame monitor")
		deviceName  = flag.String("name", "espnowd", "device name carried in pair requests")
		pairFor     = flag.Duration("pair", 0, "open the pairing window for this duration at startup")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, options{
		role:        *role,
		nodeID:      codec.NodeID(*nodeID),
		linkKind:    *linkKind,
		serialPort:  *serialPort,
		broker:      *broker,
		keyHex:      *keyHex,
		localMAC:    *localMAC,
		channel:     uint8(*channel),
		statePath:   *statePath,
		monitorAddr: *monitorAddr,
		deviceName:  *deviceName,
		pairFor:     *pairFor,
	}); err != nil {
		logger.Error("espnowd failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	role        string
	nodeID      codec.NodeID
	linkKind    string
	serialPort  string
	broker      string
	keyHex      string
	localMAC    string
	channel     uint8
	statePath   string
	monitorAddr string
	deviceName  string
	pairFor     time.Duration
}

func run(logger *slog.Logger, opts options) error {
	nodeType := codec.NodeType(2)
	nodeID := opts.nodeID
	if opts.role == "hub" {
		nodeType = codec.NodeTypeHub
		nodeID = codec.NodeIDHub
	}

	link, closeLink, err := buildLink(logger, opts)
	if err != nil {
		return err
	}
	defer closeLink()

	var store *storage.Store
	if opts.statePath != "" {
		store = storage.NewStore(storage.StoreConfig{
			Slow:   storage.NewFileBackend(opts.statePath),
			Logger: logger,
		})
	}

	appQ := make(chan codec.RxPacket, 32)
	node := espnow.New(link, espnow.Config{
		NodeID:      nodeID,
		NodeType:    nodeType,
		AppRxQueue:  appQ,
		WifiChannel: opts.channel,
		DeviceName:  opts.deviceName,
		Storage:     store,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	defer node.Stop()

	var hub *monitor.Hub
	if opts.monitorAddr != "" {
		hub = monitor.NewHub(logger)
		defer hub.Close()
		srv := &http.Server{Addr: opts.monitorAddr, Handler: hub}
		go func() {
			logger.Info("frame monitor listening", "addr", opts.monitorAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitor server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	if opts.pairFor > 0 {
		if err := node.StartPairing(opts.pairFor); err != nil {
			return fmt.Errorf("starting pairing: %w", err)
		}
	}

	logger.Info("node running", "role", opts.role, "id", nodeID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case pkt := <-appQ:
			handleAppFrame(logger, node, hub, pkt)
		}
	}
}

// handleAppFrame logs incoming application traffic, feeds the monitor
// and acknowledges frames that ask for it.
func handleAppFrame(logger *slog.Logger, node *espnow.Node, hub *monitor.Hub, pkt codec.RxPacket) {
	if hub != nil {
		hub.BroadcastFrame(pkt)
	}

	header, err := codec.DecodeHeader(pkt.Data)
	if err != nil {
		return
	}
	logger.Info("application frame",
		"type", header.MsgType.String(),
		"from", header.SenderNodeID,
		"seq", header.SequenceNumber,
		"payload_len", len(codec.Payload(pkt.Data)))

	if header.RequiresAck {
		if err := node.ConfirmReception(codec.AckOK); err != nil {
			logger.Warn("failed to confirm reception", "error", err)
		}
	}
}

func buildLink(logger *slog.Logger, opts options) (radio.Radio, func(), error) {
	switch opts.linkKind {
	case "stub":
		return stub.New(), func() {}, nil

	case "serial":
		if opts.serialPort == "" {
			return nil, nil, fmt.Errorf("serial link requires -serial-port")
		}
		r := serialradio.New(serialradio.Config{
			Port:    opts.serialPort,
			Channel: opts.channel,
			Logger:  logger,
		})
		if err := r.Open(); err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil

	case "mqtt":
		if opts.broker == "" {
			return nil, nil, fmt.Errorf("mqtt link requires -broker")
		}
		mac, err := parseMAC(opts.localMAC)
		if err != nil {
			return nil, nil, err
		}
		var key []byte
		if opts.keyHex != "" {
			key, err = hex.DecodeString(opts.keyHex)
			if err != nil {
				return nil, nil, fmt.Errorf("decoding psk: %w", err)
			}
		}
		r, err := mqttradio.New(mqttradio.Config{
			Broker:       opts.broker,
			LocalMAC:     mac,
			Channel:      opts.channel,
			PresharedKey: key,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := r.Open(); err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown link backend %q", opts.linkKind)
	}
}

func parseMAC(s string) (codec.MAC, error) {
	var mac codec.MAC
	raw, err := hex.DecodeString(s)
	if err != nil {
		return mac, fmt.Errorf("decoding mac: %w", err)
	}
	if len(raw) != 6 {
		return mac, fmt.Errorf("mac must be 6 bytes, got %d", len(raw))
	}
	copy(mac[:], raw)
	return mac, nil
}
