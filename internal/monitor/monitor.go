// Package monitor streams decoded frame headers to websocket clients,
// giving lab rigs a live view of the traffic a node sees.
package monitor

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kabili207/espnow-go/core/codec"
)

// FrameEvent is the JSON document sent to clients for every frame.
type FrameEvent struct {
	ReceivedAt  time.Time `json:"received_at"`
	SrcMAC      string    `json:"src_mac"`
	MsgType     string    `json:"msg_type"`
	Sequence    uint16    `json:"sequence"`
	Sender      uint8     `json:"sender"`
	Dest        uint8     `json:"dest"`
	RequiresAck bool      `json:"requires_ack"`
	PayloadLen  int       `json:"payload_len"`
	RSSI        int8      `json:"rssi"`
	CRCValid    bool      `json:"crc_valid"`
}

// Hub manages websocket clients and broadcasts frame events to them.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates an empty monitor hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log: logger.WithGroup("monitor"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("monitor client connected", "clients", count)

	// Drain (and ignore) client messages until the connection closes.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastFrame decodes the frame header and sends an event to every
// connected client. Clients that fail to write are dropped.
func (h *Hub) BroadcastFrame(pkt codec.RxPacket) {
	event := FrameEvent{
		ReceivedAt: time.Now(),
		SrcMAC:     pkt.SrcMAC.String(),
		PayloadLen: len(pkt.Data),
		RSSI:       pkt.RSSI,
		CRCValid:   codec.ValidateCRC(pkt.Data),
	}
	if header, err := codec.DecodeHeader(pkt.Data); err == nil {
		event.MsgType = header.MsgType.String()
		event.Sequence = header.SequenceNumber
		event.Sender = uint8(header.SenderNodeID)
		event.Dest = uint8(header.DestNodeID)
		event.RequiresAck = header.RequiresAck
		event.PayloadLen = len(codec.Payload(pkt.Data))
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(event); err != nil {
			h.drop(c)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, known := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if known {
		conn.Close()
		h.log.Info("monitor client disconnected")
	}
}
