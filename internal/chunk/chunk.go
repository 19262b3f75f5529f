// Package chunk holds the canonical representation of a file as mapped
// extents on the raw disk, plus the override and virt records layered on top
// of that mapping when a virtual disk is composed.
//
// The 24-byte chunk layout is an ABI shared with the guest-side agents; do
// not reorder fields.
package chunk

import (
	"encoding/binary"
	"fmt"
)

// Sector size units used throughout. Image sectors are 2 KiB (ISO9660
// logical sectors); disk sectors are 512 bytes.
const (
	ImgSectorBytes  = 2048
	DiskSectorBytes = 512

	// ChunkBinSize is the encoded size of one Chunk.
	ChunkBinSize = 24

	// initialCap is the starting capacity of a List; growth is geometric.
	initialCap = 1024
)

// Chunk maps a run of image sectors to a run of disk sectors. All bounds are
// inclusive. (ImgEnd-ImgStart+1)*4 == DiskEnd-DiskStart+1 for a full chunk.
type Chunk struct {
	ImgStartSector  uint32 // 2 KiB units
	ImgEndSector    uint32 // 2 KiB units, inclusive
	DiskStartSector uint64 // 512 B units
	DiskEndSector   uint64 // 512 B units, inclusive
}

// DiskSectors returns the number of 512-byte sectors the chunk covers.
func (c Chunk) DiskSectors() uint64 {
	return c.DiskEndSector - c.DiskStartSector + 1
}

// List is an append-only chunk container with geometric growth. It mirrors
// the grow-by-doubling buffer the boot stage consumes directly.
type List struct {
	chunks []Chunk
}

// NewList returns an empty list with the default initial capacity.
func NewList() *List {
	return &List{chunks: make([]Chunk, 0, initialCap)}
}

// Push appends one chunk.
func (l *List) Push(c Chunk) {
	l.chunks = append(l.chunks, c)
}

// Len returns the number of chunks.
func (l *List) Len() int { return len(l.chunks) }

// Slice returns the underlying chunks. Callers must not mutate after the
// list is handed to the composer.
func (l *List) Slice() []Chunk { return l.chunks }

// Last returns a pointer to the most recently pushed chunk, or nil.
func (l *List) Last() *Chunk {
	if len(l.chunks) == 0 {
		return nil
	}
	return &l.chunks[len(l.chunks)-1]
}

// AppendDiskRun extends the list with a run of disk sectors, merging into the
// previous chunk when the run is physically contiguous. A new chunk starts at
// the next free 2 KiB sector in the image space.
func (l *List) AppendDiskRun(diskStart, diskCount uint64) {
	if last := l.Last(); last != nil && last.DiskEndSector+1 == diskStart {
		last.DiskEndSector += diskCount
		last.ImgEndSector = last.ImgStartSector + uint32((last.DiskSectors()+3)/4) - 1
		return
	}
	var imgStart uint32
	if last := l.Last(); last != nil {
		imgStart = last.ImgEndSector + 1
	}
	n := uint32((diskCount + 3) / 4)
	if n == 0 {
		n = 1
	}
	l.Push(Chunk{
		ImgStartSector:  imgStart,
		ImgEndSector:    imgStart + n - 1,
		DiskStartSector: diskStart,
		DiskEndSector:   diskStart + diskCount - 1,
	})
}

// Renumber rewrites the img sector fields so consecutive chunks are
// contiguous from zero. Used for raw images (img/vhd/vtoy) and after UDF
// drivers emit short runs.
func (l *List) Renumber() {
	var next uint32
	for i := range l.chunks {
		c := &l.chunks[i]
		n := uint32((c.DiskSectors() + 3) / 4)
		c.ImgStartSector = next
		c.ImgEndSector = next + n - 1
		next += n
	}
}

// TotalDiskSectors sums the 512-byte sectors covered by all chunks.
func (l *List) TotalDiskSectors() uint64 {
	var total uint64
	for _, c := range l.chunks {
		total += c.DiskSectors()
	}
	return total
}

// Bias adds delta 512-byte sectors to every disk range. The extent
// enumerators work in partition-relative sectors; this converts to raw disk
// sectors.
func (l *List) Bias(delta uint64) {
	for i := range l.chunks {
		l.chunks[i].DiskStartSector += delta
		l.chunks[i].DiskEndSector += delta
	}
}

// MarshalBinary encodes the whole list in the 24-byte wire form.
func (l *List) MarshalBinary() []byte {
	out := make([]byte, 0, len(l.chunks)*ChunkBinSize)
	var buf [ChunkBinSize]byte
	for _, c := range l.chunks {
		binary.LittleEndian.PutUint32(buf[0:4], c.ImgStartSector)
		binary.LittleEndian.PutUint32(buf[4:8], c.ImgEndSector)
		binary.LittleEndian.PutUint64(buf[8:16], c.DiskStartSector)
		binary.LittleEndian.PutUint64(buf[16:24], c.DiskEndSector)
		out = append(out, buf[:]...)
	}
	return out
}

// Override patches a byte range of the synthetic image at read time. The
// data is served instead of the mapped disk bytes.
type Override struct {
	ImgOffset uint64
	Data      []byte
}

// MaxOverrideBytes bounds a single override record.
const MaxOverrideBytes = 512

// Validate rejects oversized or empty overrides.
func (o Override) Validate() error {
	if len(o.Data) == 0 || len(o.Data) > MaxOverrideBytes {
		return fmt.Errorf("override at %d: bad size %d", o.ImgOffset, len(o.Data))
	}
	return nil
}

// Virt extends the synthetic image with a region served partly from memory
// and partly remapped to another disk range. All sector fields are 2 KiB
// units in the synthetic image space; MemSectorOffset is the byte offset of
// the region's memory data, measured from the start of the virt table in the
// chain blob.
type Virt struct {
	MemSectorStart   uint32
	MemSectorEnd     uint32 // exclusive
	MemSectorOffset  uint32
	RemapSectorStart uint32
	RemapSectorEnd   uint32 // exclusive
	OrgSectorStart   uint32
}

// VirtBinSize is the encoded size of one Virt record.
const VirtBinSize = 24

// MarshalVirts encodes virt records back to back.
func MarshalVirts(virts []Virt) []byte {
	out := make([]byte, 0, len(virts)*VirtBinSize)
	var buf [VirtBinSize]byte
	for _, v := range virts {
		binary.LittleEndian.PutUint32(buf[0:4], v.MemSectorStart)
		binary.LittleEndian.PutUint32(buf[4:8], v.MemSectorEnd)
		binary.LittleEndian.PutUint32(buf[8:12], v.MemSectorOffset)
		binary.LittleEndian.PutUint32(buf[12:16], v.RemapSectorStart)
		binary.LittleEndian.PutUint32(buf[16:20], v.RemapSectorEnd)
		binary.LittleEndian.PutUint32(buf[20:24], v.OrgSectorStart)
		out = append(out, buf[:]...)
	}
	return out
}
