package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrPayloadTooShort is returned when unmarshalling a protocol payload
// from a truncated buffer.
var ErrPayloadTooShort = errors.New("payload too short")

// PairStatus is the outcome of a pairing attempt.
type PairStatus uint8

const (
	PairAccepted           PairStatus = 0x00
	PairRejectedNotAllowed PairStatus = 0x01
)

// AckStatus is the logical processing result carried in an ACK frame.
type AckStatus uint8

const (
	AckOK               AckStatus = 0x00
	AckErrorInvalidData AckStatus = 0x01
	AckErrorProcessing  AckStatus = 0x02
)

// CommandType identifies standard control commands.
type CommandType uint8

const (
	CmdStartOTA          CommandType = 0x01
	CmdReboot            CommandType = 0x02
	CmdSetReportInterval CommandType = 0x03
)

// Fixed payload sizes of the protocol messages (header excluded).
const (
	PairRequestSize       = 31
	PairResponseSize      = 11
	HeartbeatSize         = 11
	HeartbeatResponseSize = 9
	AckSize               = 7
	OtaCommandSize        = 165
)

// PairRequest is the payload of a PAIR_REQUEST frame.
type PairRequest struct {
	FirmwareVersion     [3]byte
	UptimeMs            uint64
	DeviceName          [16]byte
	HeartbeatIntervalMs uint32
}

func (p *PairRequest) Marshal() []byte {
	buf := make([]byte, PairRequestSize)
	copy(buf[0:3], p.FirmwareVersion[:])
	binary.LittleEndian.PutUint64(buf[3:11], p.UptimeMs)
	copy(buf[11:27], p.DeviceName[:])
	binary.LittleEndian.PutUint32(buf[27:31], p.HeartbeatIntervalMs)
	return buf
}

func (p *PairRequest) Unmarshal(data []byte) error {
	if len(data) < PairRequestSize {
		return fmt.Errorf("%w: pair request %d bytes", ErrPayloadTooShort, len(data))
	}
	copy(p.FirmwareVersion[:], data[0:3])
	p.UptimeMs = binary.LittleEndian.Uint64(data[3:11])
	copy(p.DeviceName[:], data[11:27])
	p.HeartbeatIntervalMs = binary.LittleEndian.Uint32(data[27:31])
	return nil
}

// PairResponse is the payload of a PAIR_RESPONSE frame.
type PairResponse struct {
	Status              PairStatus
	AssignedID          NodeID
	HeartbeatIntervalMs uint32
	ReportIntervalMs    uint32
	WifiChannel         uint8
}

func (p *PairResponse) Marshal() []byte {
	buf := make([]byte, PairResponseSize)
	buf[0] = byte(p.Status)
	buf[1] = byte(p.AssignedID)
	binary.LittleEndian.PutUint32(buf[2:6], p.HeartbeatIntervalMs)
	binary.LittleEndian.PutUint32(buf[6:10], p.ReportIntervalMs)
	buf[10] = p.WifiChannel
	return buf
}

func (p *PairResponse) Unmarshal(data []byte) error {
	if len(data) < PairResponseSize {
		return fmt.Errorf("%w: pair response %d bytes", ErrPayloadTooShort, len(data))
	}
	p.Status = PairStatus(data[0])
	p.AssignedID = NodeID(data[1])
	p.HeartbeatIntervalMs = binary.LittleEndian.Uint32(data[2:6])
	p.ReportIntervalMs = binary.LittleEndian.Uint32(data[6:10])
	p.WifiChannel = data[10]
	return nil
}

// Heartbeat is the payload of a HEARTBEAT frame.
type Heartbeat struct {
	BatteryMv uint16
	RSSI      int8
	UptimeMs  uint64
}

func (h *Heartbeat) Marshal() []byte {
	buf := make([]byte, HeartbeatSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.BatteryMv)
	buf[2] = byte(h.RSSI)
	binary.LittleEndian.PutUint64(buf[3:11], h.UptimeMs)
	return buf
}

func (h *Heartbeat) Unmarshal(data []byte) error {
	if len(data) < HeartbeatSize {
		return fmt.Errorf("%w: heartbeat %d bytes", ErrPayloadTooShort, len(data))
	}
	h.BatteryMv = binary.LittleEndian.Uint16(data[0:2])
	h.RSSI = int8(data[2])
	h.UptimeMs = binary.LittleEndian.Uint64(data[3:11])
	return nil
}

// HeartbeatResponse is the payload of a HEARTBEAT_RESPONSE frame.
// WifiChannel 0 means the hub could not report a channel (it may itself
// be scanning); receivers skip the channel update in that case.
type HeartbeatResponse struct {
	ServerTimeMs uint64
	WifiChannel  uint8
}

func (h *HeartbeatResponse) Marshal() []byte {
	buf := make([]byte, HeartbeatResponseSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.ServerTimeMs)
	buf[8] = h.WifiChannel
	return buf
}

func (h *HeartbeatResponse) Unmarshal(data []byte) error {
	if len(data) < HeartbeatResponseSize {
		return fmt.Errorf("%w: heartbeat response %d bytes", ErrPayloadTooShort, len(data))
	}
	h.ServerTimeMs = binary.LittleEndian.Uint64(data[0:8])
	h.WifiChannel = data[8]
	return nil
}

// Ack is the payload of an ACK frame acknowledging a DATA or COMMAND frame.
type Ack struct {
	AckSequence      uint16
	Status           AckStatus
	ProcessingTimeUs uint32
}

func (a *Ack) Marshal() []byte {
	buf := make([]byte, AckSize)
	binary.LittleEndian.PutUint16(buf[0:2], a.AckSequence)
	buf[2] = byte(a.Status)
	binary.LittleEndian.PutUint32(buf[3:7], a.ProcessingTimeUs)
	return buf
}

func (a *Ack) Unmarshal(data []byte) error {
	if len(data) < AckSize {
		return fmt.Errorf("%w: ack %d bytes", ErrPayloadTooShort, len(data))
	}
	a.AckSequence = binary.LittleEndian.Uint16(data[0:2])
	a.Status = AckStatus(data[2])
	a.ProcessingTimeUs = binary.LittleEndian.Uint32(data[3:7])
	return nil
}

// OtaCommand is the payload of a COMMAND frame initiating an OTA update.
type OtaCommand struct {
	CmdType      CommandType
	FirmwareURL  [128]byte
	FirmwareSize uint32
	FirmwareHash [32]byte
}

func (o *OtaCommand) Marshal() []byte {
	buf := make([]byte, OtaCommandSize)
	buf[0] = byte(o.CmdType)
	copy(buf[1:129], o.FirmwareURL[:])
	binary.LittleEndian.PutUint32(buf[129:133], o.FirmwareSize)
	copy(buf[133:165], o.FirmwareHash[:])
	return buf
}

func (o *OtaCommand) Unmarshal(data []byte) error {
	if len(data) < OtaCommandSize {
		return fmt.Errorf("%w: ota command %d bytes", ErrPayloadTooShort, len(data))
	}
	o.CmdType = CommandType(data[0])
	copy(o.FirmwareURL[:], data[1:129])
	o.FirmwareSize = binary.LittleEndian.Uint32(data[129:133])
	copy(o.FirmwareHash[:], data[133:165])
	return nil
}
