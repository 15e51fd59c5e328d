package chain

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/types"
)

var (
	bucketHeaders = []byte("headers") // hash -> record
	bucketHeights = []byte("heights") // big-endian height -> hash
	bucketMeta    = []byte("meta")

	keyTip = []byte("tip")
)

// BoltStore is a HeaderStore backed by a bbolt database file.
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger

	mu  sync.RWMutex
	tip *types.IndexedHeader
}

// NewBoltStore opens (or creates) the database at path and loads the tip.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketHeaders, bucketHeights, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.loadTip(); err != nil {
		db.Close()
		return nil, err
	}
	if s.tip != nil {
		logger.Info("loaded header store",
			zap.String("path", path),
			zap.Int64("tip_height", s.tip.Height),
			zap.String("tip", s.tip.HashHex()),
		)
	}
	return s, nil
}

func (s *BoltStore) loadTip() error {
	return s.db.View(func(tx *bolt.Tx) error {
		hash := tx.Bucket(bucketMeta).Get(keyTip)
		if hash == nil {
			return nil
		}
		data := tx.Bucket(bucketHeaders).Get(hash)
		if data == nil {
			return fmt.Errorf("tip %x missing from header bucket", hash)
		}
		tip, err := decodeRecord(data)
		if err != nil {
			return fmt.Errorf("decode tip: %w", err)
		}
		s.tip = tip
		return nil
	})
}

func (s *BoltStore) Add(h *types.IndexedHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := h.Hash()
	if s.Has(hash) {
		return ErrDuplicateHeader
	}
	if err := checkExtends(s.tip, h); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeaders).Put(hash[:], encodeRecord(h)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeights).Put(heightKey(h.Height), hash[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyTip, hash[:])
	})
	if err != nil {
		return fmt.Errorf("store header %d: %w", h.Height, err)
	}
	s.tip = h
	return nil
}

func (s *BoltStore) Get(hash [32]byte) (*types.IndexedHeader, bool) {
	var out *types.IndexedHeader
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeaders).Get(hash[:])
		if data == nil {
			return nil
		}
		h, err := decodeRecord(data)
		if err != nil {
			s.logger.Warn("corrupt header record", zap.Binary("hash", hash[:]), zap.Error(err))
			return nil
		}
		out = h
		return nil
	})
	return out, out != nil
}

func (s *BoltStore) Has(hash [32]byte) bool {
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketHeaders).Get(hash[:]) != nil
		return nil
	})
	return found
}

func (s *BoltStore) HeaderAt(height int64) (*types.IndexedHeader, bool) {
	if height < 0 {
		return nil, false
	}
	var hash [32]byte
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeights).Get(heightKey(height))
		if len(v) == len(hash) {
			copy(hash[:], v)
			found = true
		}
		return nil
	})
	if !found {
		return nil, false
	}
	return s.Get(hash)
}

func (s *BoltStore) Tip() (*types.IndexedHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip, s.tip != nil
}

func (s *BoltStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tip == nil {
		return 0
	}
	return int(s.tip.Height) + 1
}

func (s *BoltStore) GetAncestors(hash [32]byte, n int) []*types.IndexedHeader {
	start, ok := s.Get(hash)
	if !ok {
		return nil
	}
	return ancestorsFrom(start, n, s.HeaderAt)
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
