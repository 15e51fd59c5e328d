package p2p

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

// maxBatchHeaders bounds the number of headers accepted in one batch.
const maxBatchHeaders = 2000

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<20))
)

// EncodeHeaderBatch serializes headers as a varint count followed by 80-byte
// wire headers, then compresses the result with zstd.
func EncodeHeaderBatch(hdrs []*types.BlockHeader) []byte {
	raw := util.WriteVarInt(uint64(len(hdrs)))
	for _, h := range hdrs {
		raw = append(raw, h.Serialize()...)
	}
	return zstdEncoder.EncodeAll(raw, nil)
}

// DecodeHeaderBatch reverses EncodeHeaderBatch. Uncompressed batches are
// accepted as well.
func DecodeHeaderBatch(data []byte) ([]*types.BlockHeader, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress header batch: %w", err)
	}
	count, n, err := util.ReadVarInt(raw)
	if err != nil {
		return nil, fmt.Errorf("read header count: %w", err)
	}
	if count > maxBatchHeaders {
		return nil, fmt.Errorf("header batch too large: %d headers", count)
	}
	raw = raw[n:]
	if uint64(len(raw)) != count*types.HeaderSize {
		return nil, fmt.Errorf("header batch has %d bytes for %d headers", len(raw), count)
	}

	hdrs := make([]*types.BlockHeader, 0, count)
	for i := uint64(0); i < count; i++ {
		h, err := types.DeserializeHeader(raw[i*types.HeaderSize : (i+1)*types.HeaderSize])
		if err != nil {
			return nil, err
		}
		hdrs = append(hdrs, h)
	}
	return hdrs, nil
}

// decompress returns data as-is unless it starts with the zstd magic bytes.
func decompress(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0x28 || data[1] != 0xB5 || data[2] != 0x2F || data[3] != 0xFD {
		return data, nil
	}
	return zstdDecoder.DecodeAll(data, nil)
}
