// Package chain composes the chain head: the single contiguous descriptor
// blob the next boot stage consumes to realize the synthetic disk. The
// layout is dense — head, chunk table, override table, virt table, then the
// virt-backed memory payload.
package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/osparam"
)

const (
	headFixedSize   = 320
	catalogCopySize = 512
	headerSize      = headFixedSize + catalogCopySize

	overrideRecSize = 8 + 4 + chunk.MaxOverrideBytes
)

// Input collects everything the composer needs. The composer itself is a
// pure builder: same input, same bytes.
type Input struct {
	Param          *osparam.Param
	Chunks         *chunk.List
	Overrides      []chunk.Override
	Virts          []chunk.Virt
	VirtMem        []byte
	DiskDrive      uint32
	DiskSectorSize uint32
	RealImgSize    uint64
	VirtImgSize    uint64
	BootCatalog    uint32
	CatalogSector  []byte // first catalog sector, BIOS path only
	DriveMap       bool
}

// Head is the composed blob plus the offsets tests and the dispatcher
// inspect.
type Head struct {
	Blob []byte

	ImgChunkOffset      uint32
	ImgChunkNum         uint32
	OverrideChunkOffset uint32
	OverrideChunkNum    uint32
	VirtChunkOffset     uint32
	VirtChunkNum        uint32
}

// Compose validates overrides and lays out the blob.
func Compose(in Input) (*Head, error) {
	if in.Chunks == nil || in.Chunks.Len() == 0 {
		return nil, fmt.Errorf("chain: empty chunk list")
	}
	if err := validateOverrides(in.Overrides, in.Chunks); err != nil {
		return nil, err
	}

	paramBytes, err := in.Param.Marshal()
	if err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}

	chunkBytes := in.Chunks.MarshalBinary()
	virtBytes := chunk.MarshalVirts(in.Virts)

	total := headerSize + len(chunkBytes) + len(in.Overrides)*overrideRecSize +
		len(virtBytes) + len(in.VirtMem)
	blob := make([]byte, total)

	copy(blob[0:osparam.ParamSize], paramBytes)
	le32 := binary.LittleEndian.PutUint32
	le64 := binary.LittleEndian.PutUint64
	le32(blob[256:], in.DiskDrive)
	le32(blob[260:], in.DiskSectorSize)
	le64(blob[264:], in.RealImgSize)
	le64(blob[272:], in.VirtImgSize)
	le32(blob[280:], in.BootCatalog)
	if in.DriveMap {
		blob[284] = 1
	}

	h := &Head{Blob: blob}
	off := uint32(headerSize)
	h.ImgChunkOffset, h.ImgChunkNum = off, uint32(in.Chunks.Len())
	le32(blob[288:], h.ImgChunkOffset)
	le32(blob[292:], h.ImgChunkNum)
	copy(blob[off:], chunkBytes)
	off += uint32(len(chunkBytes))

	h.OverrideChunkOffset, h.OverrideChunkNum = off, uint32(len(in.Overrides))
	le32(blob[296:], h.OverrideChunkOffset)
	le32(blob[300:], h.OverrideChunkNum)
	for _, ov := range in.Overrides {
		le64(blob[off:], ov.ImgOffset)
		le32(blob[off+8:], uint32(len(ov.Data)))
		copy(blob[off+12:], ov.Data)
		off += overrideRecSize
	}

	h.VirtChunkOffset, h.VirtChunkNum = off, uint32(len(in.Virts))
	le32(blob[304:], h.VirtChunkOffset)
	le32(blob[308:], h.VirtChunkNum)
	copy(blob[off:], virtBytes)
	off += uint32(len(virtBytes))

	copy(blob[off:], in.VirtMem)

	if len(in.CatalogSector) > 0 {
		copy(blob[headFixedSize:headerSize], in.CatalogSector)
	}
	return h, nil
}

// validateOverrides enforces the non-overlap invariant and that every
// override falls inside exactly one chunk's image range.
func validateOverrides(ovs []chunk.Override, list *chunk.List) error {
	for i, ov := range ovs {
		if err := ov.Validate(); err != nil {
			return fmt.Errorf("chain: %w", err)
		}
		start := ov.ImgOffset
		end := ov.ImgOffset + uint64(len(ov.Data))
		if !insideOneChunk(start, end, list) {
			return fmt.Errorf("chain: override %d [%d,%d) crosses chunk bounds", i, start, end)
		}
		for j := 0; j < i; j++ {
			oStart := ovs[j].ImgOffset
			oEnd := oStart + uint64(len(ovs[j].Data))
			if start < oEnd && oStart < end {
				return fmt.Errorf("chain: overrides %d and %d overlap", j, i)
			}
		}
	}
	return nil
}

func insideOneChunk(start, end uint64, list *chunk.List) bool {
	for _, c := range list.Slice() {
		cStart := uint64(c.ImgStartSector) * chunk.ImgSectorBytes
		cEnd := cStart + c.DiskSectors()*chunk.DiskSectorBytes
		if start >= cStart && end <= cEnd {
			return true
		}
	}
	return false
}
