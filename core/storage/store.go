package storage

import (
	"fmt"
	"log/slog"
	"sync"
)

// StoreConfig configures a two-tier Store.
type StoreConfig struct {
	// Fast is the tier surviving deep sleep but not cold boot.
	// Defaults to a fresh MemBackend.
	Fast Backend

	// Slow is the non-volatile tier. Required.
	Slow Backend

	// Logger for persistence events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Store composes the fast and slow tiers behind a single load/save pair.
//
// Load prefers the fast tier; when only the slow tier validates, its
// content is mirrored back into the fast tier. Save always writes the
// fast tier and skips the slow tier when the blob is unchanged, because
// the non-volatile medium has limited write endurance.
type Store struct {
	fast Backend
	slow Backend
	log  *slog.Logger

	mu sync.Mutex
}

// NewStore creates a Store with the given configuration.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Fast == nil {
		cfg.Fast = NewMemBackend()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fast: cfg.Fast,
		slow: cfg.Slow,
		log:  logger.WithGroup("storage"),
	}
}

// Load returns the most recent valid snapshot, trying the fast tier first.
// Returns ErrNotFound when neither tier holds a valid blob.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, err := s.fast.Load(BlobSize); err == nil {
		if snap, err := UnmarshalSnapshot(data); err == nil {
			s.log.Debug("loaded snapshot from fast tier",
				"channel", snap.WifiChannel, "peers", len(snap.Peers))
			return snap, nil
		}
	}

	data, err := s.slow.Load(BlobSize)
	if err != nil {
		return Snapshot{}, ErrNotFound
	}
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		s.log.Warn("slow tier blob failed validation", "error", err)
		return Snapshot{}, ErrNotFound
	}

	// Mirror into the fast tier so the next load is cheap.
	if err := s.fast.Save(data); err != nil {
		s.log.Warn("failed to mirror snapshot into fast tier", "error", err)
	}
	s.log.Info("loaded snapshot from slow tier",
		"channel", snap.WifiChannel, "peers", len(snap.Peers))
	return snap, nil
}

// Save persists the snapshot. The fast tier is always written; the slow
// tier is written only when the blob changed or force is set. Fast-tier
// failures are logged and swallowed, slow-tier failures propagate.
func (s *Store) Save(snap Snapshot, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob := snap.Marshal()

	dirty := true
	if prev, err := s.fast.Load(BlobSize); err == nil {
		dirty = !bytesEqual(prev, blob)
	}

	if err := s.fast.Save(blob); err != nil {
		s.log.Warn("failed to save snapshot to fast tier", "error", err)
	}

	if !dirty && !force {
		return nil
	}

	if err := s.slow.Save(blob); err != nil {
		s.log.Error("failed to save snapshot to slow tier", "error", err)
		return fmt.Errorf("saving snapshot: %w", err)
	}
	s.log.Debug("saved snapshot",
		"channel", snap.WifiChannel, "peers", len(snap.Peers), "forced", force)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
