// Package peer implements the node's peer table: the mapping from logical
// node id to link address and liveness state. The table is LRU ordered
// (position 0 holds the most recently touched record), capped at MaxPeers,
// serialized by a single mutex, and persisted through the storage tier on
// every mutation.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kabili207/espnow-go/core/codec"
	"github.com/kabili207/espnow-go/core/storage"
)

const (
	// MaxPeers is the capacity of the table; one slot is reserved for the
	// hub, leaving room for eighteen leaves.
	MaxPeers = storage.MaxPeers

	// OfflineMultiplier scales a peer's heartbeat interval into its
	// offline threshold.
	OfflineMultiplier = 2.5
)

// ErrPeerNotFound is returned when a lookup or removal names an unknown id.
var ErrPeerNotFound = errors.New("peer not found")

// Info is one peer record.
type Info struct {
	MAC                 codec.MAC
	NodeType            codec.NodeType
	NodeID              codec.NodeID
	Channel             uint8
	LastSeenMs          uint64 // monotonic ms, 0 = never seen
	Paired              bool
	HeartbeatIntervalMs uint32 // 0 disables offline detection
}

// Registry is the slice of the radio interface the table drives: keeping
// the link layer's unicast destinations in sync with the table.
type Registry interface {
	AddPeer(mac codec.MAC, channel uint8) error
	ModPeer(mac codec.MAC, channel uint8) error
	DelPeer(mac codec.MAC) error
}

// TableConfig configures a peer Table.
type TableConfig struct {
	// Registry mirrors table mutations into the radio driver. Required.
	Registry Registry

	// Store persists snapshots. May be nil, in which case the table is
	// memory-only.
	Store *storage.Store

	// Logger for peer events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Table is the thread-safe LRU peer table.
type Table struct {
	registry Registry
	store    *storage.Store
	log      *slog.Logger

	mu    sync.Mutex
	peers []Info
}

// NewTable creates an empty table.
func NewTable(cfg TableConfig) *Table {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		registry: cfg.Registry,
		store:    cfg.Store,
		log:      logger.WithGroup("peers"),
		peers:    make([]Info, 0, MaxPeers),
	}
}

// Add inserts or updates the record for id and moves it to position 0.
//
// For an existing id whose MAC changed, the old address is removed from
// the radio before the new one is registered; a channel-only change is a
// registry modify. For a new id with a full table, the LRU victim at the
// last position is evicted first. Registry errors abort the mutation.
// On success the snapshot is persisted with the given channel.
func (t *Table) Add(id codec.NodeID, mac codec.MAC, channel uint8, nodeType codec.NodeType, heartbeatIntervalMs uint32, nowMs uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.peers {
		if t.peers[i].NodeID != id {
			continue
		}

		updated := t.peers[i]
		macChanged := updated.MAC != mac
		channelChanged := updated.Channel != channel

		if macChanged {
			if err := t.registry.DelPeer(updated.MAC); err != nil {
				t.log.Warn("failed to drop old address", "id", id, "mac", updated.MAC, "error", err)
			}
			if err := t.registry.AddPeer(mac, channel); err != nil {
				return fmt.Errorf("registering peer %d: %w", id, err)
			}
		} else if channelChanged {
			if err := t.registry.ModPeer(mac, channel); err != nil {
				return fmt.Errorf("retuning peer %d: %w", id, err)
			}
		}

		updated.MAC = mac
		updated.NodeType = nodeType
		updated.Channel = channel
		updated.HeartbeatIntervalMs = heartbeatIntervalMs
		updated.LastSeenMs = nowMs

		t.peers = append(t.peers[:i], t.peers[i+1:]...)
		t.peers = append([]Info{updated}, t.peers...)

		t.log.Debug("peer updated", "id", id, "mac", mac, "channel", channel)
		t.persistLocked(channel)
		return nil
	}

	evict := len(t.peers) >= MaxPeers
	if evict {
		victim := t.peers[len(t.peers)-1]
		t.log.Warn("peer table full, evicting least recently used",
			"victim", victim.NodeID, "mac", victim.MAC)
		if err := t.registry.DelPeer(victim.MAC); err != nil {
			t.log.Warn("failed to drop evicted peer from radio", "error", err)
		}
	}

	if err := t.registry.AddPeer(mac, channel); err != nil {
		return fmt.Errorf("registering peer %d: %w", id, err)
	}
	if evict {
		t.peers = t.peers[:len(t.peers)-1]
	}

	t.peers = append([]Info{{
		MAC:                 mac,
		NodeType:            nodeType,
		NodeID:              id,
		Channel:             channel,
		LastSeenMs:          nowMs,
		Paired:              true,
		HeartbeatIntervalMs: heartbeatIntervalMs,
	}}, t.peers...)

	t.log.Info("peer added", "id", id, "mac", mac, "channel", channel)
	t.persistLocked(channel)
	return nil
}

// Remove erases the record for id, forgets its address in the radio and
// persists. Returns ErrPeerNotFound for an unknown id.
func (t *Table) Remove(id codec.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.peers {
		if t.peers[i].NodeID != id {
			continue
		}
		victim := t.peers[i]
		if err := t.registry.DelPeer(victim.MAC); err != nil {
			t.log.Warn("failed to drop removed peer from radio", "id", id, "error", err)
		}
		t.peers = append(t.peers[:i], t.peers[i+1:]...)
		t.log.Info("peer removed", "id", id, "mac", victim.MAC)
		t.persistLocked(victim.Channel)
		return nil
	}
	return fmt.Errorf("%w: id %d", ErrPeerNotFound, id)
}

// FindMAC returns the link address for id.
func (t *Table) FindMAC(id codec.NodeID) (codec.MAC, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.peers {
		if t.peers[i].NodeID == id {
			return t.peers[i].MAC, true
		}
	}
	return codec.MAC{}, false
}

// Get returns a copy of the record for id.
func (t *Table) Get(id codec.NodeID) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.peers {
		if t.peers[i].NodeID == id {
			return t.peers[i], true
		}
	}
	return Info{}, false
}

// All returns a snapshot copy of the records in current LRU order.
func (t *Table) All() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, len(t.peers))
	copy(out, t.peers)
	return out
}

// Count returns the number of records.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Offline returns the ids of peers with offline detection enabled that
// have been seen at least once and whose silence exceeds 2.5 times their
// heartbeat interval.
func (t *Table) Offline(nowMs uint64) []codec.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var offline []codec.NodeID
	for i := range t.peers {
		p := &t.peers[i]
		if p.HeartbeatIntervalMs == 0 || p.LastSeenMs == 0 {
			continue
		}
		threshold := uint64(float64(p.HeartbeatIntervalMs) * OfflineMultiplier)
		if nowMs-p.LastSeenMs > threshold {
			offline = append(offline, p.NodeID)
		}
	}
	return offline
}

// UpdateLastSeen touches the record in place without reordering.
func (t *Table) UpdateLastSeen(id codec.NodeID, nowMs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.peers {
		if t.peers[i].NodeID == id {
			t.peers[i].LastSeenMs = nowMs
			return
		}
	}
}

// LoadFromStorage replaces the table content with the persisted snapshot
// and re-registers every restored peer with the radio. Restore failures
// are logged per peer and the peer is skipped. Returns the persisted
// wifi channel, or storage.ErrNotFound when no valid snapshot exists.
func (t *Table) LoadFromStorage() (uint8, error) {
	if t.store == nil {
		return 0, storage.ErrNotFound
	}
	snap, err := t.store.Load()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.peers = t.peers[:0]
	for _, sp := range snap.Peers {
		if err := t.registry.AddPeer(sp.MAC, sp.Channel); err != nil {
			t.log.Warn("failed to restore peer", "id", sp.NodeID, "mac", sp.MAC, "error", err)
			continue
		}
		t.peers = append(t.peers, Info{
			MAC:                 sp.MAC,
			NodeType:            sp.NodeType,
			NodeID:              sp.NodeID,
			Channel:             sp.Channel,
			Paired:              sp.Paired,
			HeartbeatIntervalMs: sp.HeartbeatIntervalMs,
		})
	}
	t.log.Info("restored peers from storage", "count", len(t.peers), "channel", snap.WifiChannel)
	return snap.WifiChannel, nil
}

// Persist writes the current snapshot with the given wifi channel.
func (t *Table) Persist(wifiChannel uint8, force bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked(wifiChannel, force)
}

// persistLocked saves after a mutation; failures are logged, never fatal
// to the in-memory change.
func (t *Table) persistLocked(wifiChannel uint8) {
	if err := t.saveLocked(wifiChannel, false); err != nil {
		t.log.Error("failed to persist peer table", "error", err)
	}
}

func (t *Table) saveLocked(wifiChannel uint8, force bool) error {
	if t.store == nil {
		return nil
	}
	snap := storage.Snapshot{WifiChannel: wifiChannel}
	for i := range t.peers {
		p := &t.peers[i]
		snap.Peers = append(snap.Peers, storage.PersistentPeer{
			MAC:                 p.MAC,
			NodeType:            p.NodeType,
			NodeID:              p.NodeID,
			Channel:             p.Channel,
			Paired:              p.Paired,
			HeartbeatIntervalMs: p.HeartbeatIntervalMs,
		})
	}
	return t.store.Save(snap, force)
}
