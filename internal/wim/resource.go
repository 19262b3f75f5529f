package wim

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ventoy/vtoycore/internal/vterr"
)

// ReadResource loads and, when needed, decompresses one resource from the
// WIM image. Only LZX compression is supported; XPRESS surfaces as
// ErrWimUnsupported upstream before this is reached.
func ReadResource(r io.ReaderAt, res ResourceHeader) ([]byte, error) {
	raw := make([]byte, res.SizeInWim)
	if _, err := r.ReadAt(raw, int64(res.Offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("wim: read resource at %d: %w", res.Offset, err)
	}
	if !res.Compressed() {
		if res.RawSize < res.SizeInWim {
			raw = raw[:res.RawSize]
		}
		return raw, nil
	}
	return decompressChunks(raw, res.RawSize)
}

// decompressChunks walks the chunk offset table: ceil(raw/32K) chunks, the
// table holding (n-1) offsets of chunks 1..n-1 relative to the table end.
// A chunk whose stored size equals its uncompressed size is stored raw.
func decompressChunks(data []byte, rawSize uint64) ([]byte, error) {
	numChunks := int((rawSize + ChunkLen - 1) / ChunkLen)
	if numChunks == 0 {
		return nil, nil
	}

	entrySize := 4
	if rawSize > 0xffffffff {
		entrySize = 8
	}
	tableLen := (numChunks - 1) * entrySize
	if tableLen > len(data) {
		return nil, fmt.Errorf("wim: chunk table overruns resource")
	}

	offsets := make([]uint64, numChunks+1)
	for i := 1; i < numChunks; i++ {
		if entrySize == 4 {
			offsets[i] = uint64(binary.LittleEndian.Uint32(data[(i-1)*4:]))
		} else {
			offsets[i] = binary.LittleEndian.Uint64(data[(i-1)*8:])
		}
	}
	offsets[numChunks] = uint64(len(data) - tableLen)

	body := data[tableLen:]
	out := make([]byte, 0, rawSize)
	for i := 0; i < numChunks; i++ {
		start, end := offsets[i], offsets[i+1]
		if start > end || end > uint64(len(body)) {
			return nil, fmt.Errorf("wim: chunk %d bounds [%d,%d) invalid", i, start, end)
		}
		chunkRaw := ChunkLen
		if i == numChunks-1 {
			chunkRaw = int(rawSize) - i*ChunkLen
		}
		stored := body[start:end]
		if len(stored) == chunkRaw {
			out = append(out, stored...)
			continue
		}
		dec, err := lzxDecompressChunk(stored, chunkRaw)
		if err != nil {
			return nil, fmt.Errorf("wim: chunk %d: %w: %v", i, vterr.ErrWimUnsupported, err)
		}
		out = append(out, dec...)
	}
	return out, nil
}
