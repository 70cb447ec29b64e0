package codec

import (
	"errors"
	"fmt"
)

var (
	ErrFrameTooShort = errors.New("frame too short")
	ErrFrameTooLarge = errors.New("frame exceeds radio MTU")
)

// Encode builds a complete wire frame: the marshalled header, the payload,
// and the trailing CRC-8 over everything preceding it.
func Encode(header *MessageHeader, payload []byte) ([]byte, error) {
	total := HeaderSize + len(payload) + CRCSize
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	frame := make([]byte, total)
	header.Marshal(frame)
	copy(frame[HeaderSize:], payload)
	frame[total-1] = FrameCRC(frame[:total-1])
	return frame, nil
}

// DecodeHeader extracts the message header from a raw frame. The frame must
// be at least MinFrameSize bytes (header plus CRC trailer).
func DecodeHeader(data []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(data) < MinFrameSize {
		return h, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	h.Unmarshal(data)
	return h, nil
}

// Payload returns the payload portion of a raw frame (between the header
// and the CRC trailer). Returns nil for frames shorter than MinFrameSize.
func Payload(data []byte) []byte {
	if len(data) < MinFrameSize {
		return nil
	}
	return data[HeaderSize : len(data)-CRCSize]
}

// ValidateCRC checks the trailing CRC-8 of a raw frame.
func ValidateCRC(data []byte) bool {
	if len(data) < CRCSize {
		return false
	}
	return data[len(data)-1] == FrameCRC(data[:len(data)-1])
}

// PatchSequence rewrites the sequence number of an encoded frame in place
// and recomputes the trailing CRC. The TX engine assigns sequence numbers
// at send time, so retransmissions keep their original number.
func PatchSequence(frame []byte, seq uint16) {
	if len(frame) < MinFrameSize {
		return
	}
	frame[1] = byte(seq)
	frame[2] = byte(seq >> 8)
	frame[len(frame)-1] = FrameCRC(frame[:len(frame)-1])
}
