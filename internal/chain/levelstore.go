package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ds "github.com/ipfs/go-datastore"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

var levelTipKey = ds.NewKey("/meta/tip")

func levelHeaderKey(hash [32]byte) ds.Key {
	return ds.NewKey("/headers/" + util.BytesToHex(hash[:]))
}

func levelHeightKey(height int64) ds.Key {
	return ds.NewKey(fmt.Sprintf("/heights/%016x", height))
}

// LevelStore is a HeaderStore backed by a LevelDB datastore.
type LevelStore struct {
	ds     *leveldb.Datastore
	logger *zap.Logger

	mu  sync.RWMutex
	tip *types.IndexedHeader
}

// NewLevelStore opens (or creates) the LevelDB directory at path and loads
// the tip.
func NewLevelStore(path string, logger *zap.Logger) (*LevelStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}

	s := &LevelStore{ds: d, logger: logger}
	if err := s.loadTip(context.Background()); err != nil {
		d.Close()
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

func (s *LevelStore) loadTip(ctx context.Context) error {
	hash, err := s.ds.Get(ctx, levelTipKey)
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tip: %w", err)
	}
	var h [32]byte
	copy(h[:], hash)
	tip, ok := s.get(ctx, h)
	if !ok {
		return fmt.Errorf("tip %x missing from header records", hash)
	}
	s.tip = tip
	return nil
}

func (s *LevelStore) Add(h *types.IndexedHeader) error {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := h.Hash()
	if s.Has(hash) {
		return ErrDuplicateHeader
	}
	if err := checkExtends(s.tip, h); err != nil {
		return err
	}

	b, err := s.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	if err := b.Put(ctx, levelHeaderKey(hash), encodeRecord(h)); err != nil {
		return err
	}
	if err := b.Put(ctx, levelHeightKey(h.Height), hash[:]); err != nil {
		return err
	}
	if err := b.Put(ctx, levelTipKey, hash[:]); err != nil {
		return err
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("store header %d: %w", h.Height, err)
	}
	s.tip = h
	return nil
}

func (s *LevelStore) get(ctx context.Context, hash [32]byte) (*types.IndexedHeader, bool) {
	data, err := s.ds.Get(ctx, levelHeaderKey(hash))
	if err != nil {
		if !errors.Is(err, ds.ErrNotFound) {
			s.logger.Warn("header lookup failed", zap.Error(err))
		}
		return nil, false
	}
	h, err := decodeRecord(data)
	if err != nil {
		s.logger.Warn("corrupt header record", zap.Binary("hash", hash[:]), zap.Error(err))
		return nil, false
	}
	return h, true
}

func (s *LevelStore) Get(hash [32]byte) (*types.IndexedHeader, bool) {
	return s.get(context.Background(), hash)
}

func (s *LevelStore) Has(hash [32]byte) bool {
	ok, err := s.ds.Has(context.Background(), levelHeaderKey(hash))
	return err == nil && ok
}

func (s *LevelStore) HeaderAt(height int64) (*types.IndexedHeader, bool) {
	if height < 0 {
		return nil, false
	}
	ctx := context.Background()
	v, err := s.ds.Get(ctx, levelHeightKey(height))
	if err != nil || len(v) != 32 {
		return nil, false
	}
	var hash [32]byte
	copy(hash[:], v)
	return s.get(ctx, hash)
}

func (s *LevelStore) Tip() (*types.IndexedHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip, s.tip != nil
}

func (s *LevelStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tip == nil {
		return 0
	}
	return int(s.tip.Height) + 1
}

func (s *LevelStore) GetAncestors(hash [32]byte, n int) []*types.IndexedHeader {
	start, ok := s.Get(hash)
	if !ok {
		return nil
	}
	return ancestorsFrom(start, n, s.HeaderAt)
}

// Close closes the datastore.
func (s *LevelStore) Close() error {
	return s.ds.Close()
}
