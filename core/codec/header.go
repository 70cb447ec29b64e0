// Package codec implements the ESP-NOW application frame format: a fixed
// 16-byte packed header, an opaque payload, and a trailing ROM CRC-8-LE
// checksum over everything preceding it.
//
// The byte layout is shared with the device firmware and must not change:
//
//	offset  size  field
//	0       1     msg_type
//	1       2     sequence_number   (little-endian)
//	3       1     sender_type
//	4       1     sender_node_id
//	5       1     payload_type
//	6       1     requires_ack      (0 or 1)
//	7       1     dest_node_id
//	8       8     timestamp_ms      (little-endian)
//	16      N     payload           (N <= 233)
//	16+N    1     crc8
package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxFrameSize is the radio MTU: the largest frame the link layer accepts.
	MaxFrameSize = 250

	// HeaderSize is the size of the packed MessageHeader on the wire.
	HeaderSize = 16

	// CRCSize is the size of the trailing CRC-8 field.
	CRCSize = 1

	// MaxPayloadSize is the largest payload that fits a single frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize - CRCSize

	// MinFrameSize is the smallest valid frame (header plus CRC, no payload).
	MinFrameSize = HeaderSize + CRCSize
)

// NodeID is the byte-sized logical identifier of a node.
type NodeID uint8

// Reserved node IDs.
const (
	// NodeIDHub is the conventional ID of the central coordinator.
	NodeIDHub NodeID = 0x01
	// NodeIDBroadcast addresses every node in range.
	NodeIDBroadcast NodeID = 0xFF
)

// NodeType is the byte-sized role tag of a node.
type NodeType uint8

// Reserved node types. Values 0x02 and up are application-defined.
const (
	NodeTypeUnknown NodeType = 0x00
	NodeTypeHub     NodeType = 0x01
)

// PayloadType identifies the application content format of DATA and
// COMMAND frames. Values are application-defined.
type PayloadType uint8

// MessageType identifies the frame kind.
type MessageType uint8

const (
	MsgPairRequest         MessageType = 0x00
	MsgPairResponse        MessageType = 0x01
	MsgHeartbeat           MessageType = 0x02
	MsgHeartbeatResponse   MessageType = 0x03
	MsgData                MessageType = 0x10
	MsgAck                 MessageType = 0x11
	MsgCommand             MessageType = 0x20
	MsgChannelScanProbe    MessageType = 0x30
	MsgChannelScanResponse MessageType = 0x31
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MsgPairRequest:
		return "PAIR_REQUEST"
	case MsgPairResponse:
		return "PAIR_RESPONSE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgHeartbeatResponse:
		return "HEARTBEAT_RESPONSE"
	case MsgData:
		return "DATA"
	case MsgAck:
		return "ACK"
	case MsgCommand:
		return "COMMAND"
	case MsgChannelScanProbe:
		return "CHANNEL_SCAN_PROBE"
	case MsgChannelScanResponse:
		return "CHANNEL_SCAN_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// IsProtocol reports whether frames of this type are handled by the
// protocol worker rather than delivered to the application queue.
func (t MessageType) IsProtocol() bool {
	switch t {
	case MsgPairRequest, MsgPairResponse, MsgHeartbeat, MsgHeartbeatResponse,
		MsgAck, MsgChannelScanProbe, MsgChannelScanResponse:
		return true
	default:
		return false
	}
}

// IsApplication reports whether frames of this type are delivered to the
// host application queue.
func (t MessageType) IsApplication() bool {
	return t == MsgData || t == MsgCommand
}

// MAC is a six-byte link-layer address.
type MAC [6]byte

// BroadcastMAC is the link-layer broadcast address.
var BroadcastMAC = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// String formats the address as colon-separated hex.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether the address is the broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// MessageHeader is the universal header at the start of every frame.
type MessageHeader struct {
	MsgType        MessageType
	SequenceNumber uint16
	SenderType     NodeType
	SenderNodeID   NodeID
	PayloadType    PayloadType
	RequiresAck    bool
	DestNodeID     NodeID
	TimestampMs    uint64
}

// Marshal writes the header into the first HeaderSize bytes of dst.
// dst must be at least HeaderSize bytes long.
func (h *MessageHeader) Marshal(dst []byte) {
	dst[0] = byte(h.MsgType)
	binary.LittleEndian.PutUint16(dst[1:3], h.SequenceNumber)
	dst[3] = byte(h.SenderType)
	dst[4] = byte(h.SenderNodeID)
	dst[5] = byte(h.PayloadType)
	if h.RequiresAck {
		dst[6] = 1
	} else {
		dst[6] = 0
	}
	dst[7] = byte(h.DestNodeID)
	binary.LittleEndian.PutUint64(dst[8:16], h.TimestampMs)
}

// Unmarshal reads the header from the first HeaderSize bytes of src.
// src must be at least HeaderSize bytes long.
func (h *MessageHeader) Unmarshal(src []byte) {
	h.MsgType = MessageType(src[0])
	h.SequenceNumber = binary.LittleEndian.Uint16(src[1:3])
	h.SenderType = NodeType(src[3])
	h.SenderNodeID = NodeID(src[4])
	h.PayloadType = PayloadType(src[5])
	h.RequiresAck = src[6] != 0
	h.DestNodeID = NodeID(src[7])
	h.TimestampMs = binary.LittleEndian.Uint64(src[8:16])
}

// RxPacket is a frame as delivered by the radio driver, before validation.
type RxPacket struct {
	SrcMAC      MAC
	Data        []byte
	RSSI        int8
	TimestampUs int64
}

// TxPacket is a fully encoded frame queued for transmission.
// Data holds header, payload and CRC; the TX engine patches the sequence
// number and recomputes the CRC in place before handing it to the radio.
type TxPacket struct {
	DestMAC     MAC
	Data        []byte
	RequiresAck bool
}
