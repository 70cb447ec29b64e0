// Package storage implements the two-tier persistence layer for peer and
// channel state: a fast tier that survives deep sleep but not cold boot,
// and a slow non-volatile tier. Both hold the same fixed-size versioned
// blob, validated by magic, version and a trailing CRC-32.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/kabili207/espnow-go/core/codec"
)

const (
	// Magic marks a valid persistent blob ("NPSE" little-endian).
	Magic uint32 = 0x4553504E

	// Version invalidates blobs written by incompatible revisions.
	Version uint32 = 1

	// MaxPeers is the capacity of the persisted peer array.
	MaxPeers = 19

	peerSize = 14 // mac[6] + type + id + channel + paired + interval u32

	// BlobSize is the fixed on-storage size of the blob.
	BlobSize = 4 + 4 + 1 + 1 + MaxPeers*peerSize + 4
)

var (
	// ErrNotFound means no valid blob exists in a backend.
	ErrNotFound = errors.New("no persisted data")

	// ErrCorrupt means a blob was present but failed validation.
	ErrCorrupt = errors.New("persisted data corrupt")
)

// PersistentPeer is the subset of a peer record that survives restarts.
type PersistentPeer struct {
	MAC                 codec.MAC
	NodeType            codec.NodeType
	NodeID              codec.NodeID
	Channel             uint8
	Paired              bool
	HeartbeatIntervalMs uint32
}

// Snapshot is the logical content of the persistent blob.
type Snapshot struct {
	WifiChannel uint8
	Peers       []PersistentPeer
}

// Marshal encodes the snapshot into the fixed BlobSize layout, truncating
// the peer list at MaxPeers and appending the CRC-32 over every byte
// preceding it.
func (s *Snapshot) Marshal() []byte {
	buf := make([]byte, BlobSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	buf[8] = s.WifiChannel

	n := len(s.Peers)
	if n > MaxPeers {
		n = MaxPeers
	}
	buf[9] = uint8(n)

	for i := range n {
		off := 10 + i*peerSize
		p := &s.Peers[i]
		copy(buf[off:off+6], p.MAC[:])
		buf[off+6] = byte(p.NodeType)
		buf[off+7] = byte(p.NodeID)
		buf[off+8] = p.Channel
		if p.Paired {
			buf[off+9] = 1
		}
		binary.LittleEndian.PutUint32(buf[off+10:off+14], p.HeartbeatIntervalMs)
	}

	crc := crc32.ChecksumIEEE(buf[:BlobSize-4])
	binary.LittleEndian.PutUint32(buf[BlobSize-4:], crc)
	return buf
}

// UnmarshalSnapshot validates and decodes a blob. Magic, version and CRC
// must all match; any mismatch returns ErrCorrupt.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if len(data) != BlobSize {
		return s, fmt.Errorf("%w: size %d, want %d", ErrCorrupt, len(data), BlobSize)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return s, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(data[4:8]) != Version {
		return s, fmt.Errorf("%w: version mismatch", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(data[BlobSize-4:]) != crc32.ChecksumIEEE(data[:BlobSize-4]) {
		return s, fmt.Errorf("%w: crc mismatch", ErrCorrupt)
	}

	s.WifiChannel = data[8]
	n := int(data[9])
	if n > MaxPeers {
		return s, fmt.Errorf("%w: %d peers", ErrCorrupt, n)
	}

	s.Peers = make([]PersistentPeer, n)
	for i := range n {
		off := 10 + i*peerSize
		p := &s.Peers[i]
		copy(p.MAC[:], data[off:off+6])
		p.NodeType = codec.NodeType(data[off+6])
		p.NodeID = codec.NodeID(data[off+7])
		p.Channel = data[off+8]
		p.Paired = data[off+9] != 0
		p.HeartbeatIntervalMs = binary.LittleEndian.Uint32(data[off+10 : off+14])
	}
	return s, nil
}
