// Package chain stores the connected header chain and validates headers
// before they are connected.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/types"
)

// Store backends accepted by OpenStore.
const (
	BackendMemory  = "memory"
	BackendBolt    = "bolt"
	BackendLevelDB = "leveldb"
)

var (
	// ErrDuplicateHeader is returned when adding a header already in the store.
	ErrDuplicateHeader = errors.New("header already stored")

	// ErrNotExtendingTip is returned when a header does not build on the
	// current tip. Only a single linear chain is kept.
	ErrNotExtendingTip = errors.New("header does not extend the tip")
)

// HeaderStore persists a single linear chain of headers.
type HeaderStore interface {
	// Add appends a header that extends the current tip, or the genesis
	// header to an empty store. The added header becomes the tip.
	Add(h *types.IndexedHeader) error
	Get(hash [32]byte) (*types.IndexedHeader, bool)
	Has(hash [32]byte) bool
	HeaderAt(height int64) (*types.IndexedHeader, bool)
	Tip() (*types.IndexedHeader, bool)
	Count() int
	// GetAncestors returns up to n headers walking back from hash,
	// starting with hash itself.
	GetAncestors(hash [32]byte, n int) []*types.IndexedHeader
	Close() error
}

// OpenStore opens the named backend under dir.
func OpenStore(backend, dir string, logger *zap.Logger) (HeaderStore, error) {
	if backend == BackendMemory {
		return NewMemoryStore(), nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	switch backend {
	case BackendBolt, "":
		return NewBoltStore(filepath.Join(dir, "headers.db"), logger)
	case BackendLevelDB:
		return NewLevelStore(filepath.Join(dir, "headers"), logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// checkExtends verifies that h can be appended on top of tip (nil when the
// store is empty).
func checkExtends(tip *types.IndexedHeader, h *types.IndexedHeader) error {
	if tip == nil {
		if h.Height != 0 {
			return fmt.Errorf("%w: first header has height %d", ErrNotExtendingTip, h.Height)
		}
		return nil
	}
	if h.Height != tip.Height+1 || h.Header.PrevBlock != tip.Hash() {
		return fmt.Errorf("%w: height %d prev %x, tip %d %x",
			ErrNotExtendingTip, h.Height, h.Header.PrevBlock[:8], tip.Height, tip.Hash())
	}
	return nil
}

// ancestorsFrom walks back from start through the height index at.
func ancestorsFrom(start *types.IndexedHeader, n int, at func(int64) (*types.IndexedHeader, bool)) []*types.IndexedHeader {
	if start == nil || n <= 0 {
		return nil
	}
	out := make([]*types.IndexedHeader, 0, min(n, int(start.Height)+1))
	out = append(out, start)
	for h := start.Height - 1; h >= 0 && len(out) < n; h-- {
		anc, ok := at(h)
		if !ok {
			break
		}
		out = append(out, anc)
	}
	return out
}

// recordSize is the persisted form of an IndexedHeader: big-endian height
// followed by the serialized header.
const recordSize = 8 + types.HeaderSize

func encodeRecord(h *types.IndexedHeader) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Height))
	copy(buf[8:], h.Header.Serialize())
	return buf
}

func decodeRecord(data []byte) (*types.IndexedHeader, error) {
	if len(data) != recordSize {
		return nil, fmt.Errorf("header record: got %d bytes, want %d", len(data), recordSize)
	}
	hdr, err := types.DeserializeHeader(data[8:])
	if err != nil {
		return nil, err
	}
	return types.NewIndexedHeader(int64(binary.BigEndian.Uint64(data[0:8])), *hdr), nil
}

func heightKey(height int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(height))
	return k[:]
}
