package chunk

import (
	"fmt"
	"io"
)

// Reader exposes the synthetic image as an io.ReaderAt over the raw disk,
// resolving each read through the chunk list. Overrides, when present, are
// applied on top of the mapped bytes.
type Reader struct {
	disk      io.ReaderAt
	list      *List
	overrides []Override
	size      int64
}

// NewReader builds a reader for a file of the given byte size.
func NewReader(disk io.ReaderAt, list *List, size int64) *Reader {
	return &Reader{disk: disk, list: list, size: size}
}

// SetOverrides installs override records applied to subsequent reads.
func (r *Reader) SetOverrides(ovs []Override) { r.overrides = ovs }

// Size returns the logical image size in bytes.
func (r *Reader) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt in synthetic-image byte offsets.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("chunk: negative offset %d", off)
	}
	total := 0
	for total < len(p) && off < r.size {
		n, err := r.readChunked(p[total:], off)
		if err != nil {
			return total, err
		}
		total += n
		off += int64(n)
	}
	r.applyOverrides(p[:total], off-int64(total))
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// readChunked serves bytes from the single chunk containing off.
func (r *Reader) readChunked(p []byte, off int64) (int, error) {
	c := r.find(off)
	if c == nil {
		return 0, fmt.Errorf("chunk: offset %d not covered", off)
	}
	chunkBase := int64(c.ImgStartSector) * ImgSectorBytes
	diskOff := int64(c.DiskStartSector)*DiskSectorBytes + (off - chunkBase)
	chunkEnd := chunkBase + int64(c.DiskSectors())*DiskSectorBytes
	want := int64(len(p))
	if rem := chunkEnd - off; rem < want {
		want = rem
	}
	if rem := r.size - off; rem < want {
		want = rem
	}
	n, err := r.disk.ReadAt(p[:want], diskOff)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func (r *Reader) find(off int64) *Chunk {
	sector := uint32(off / ImgSectorBytes)
	chunks := r.list.Slice()
	lo, hi := 0, len(chunks)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		c := &chunks[mid]
		switch {
		case sector < c.ImgStartSector:
			hi = mid - 1
		case sector > c.ImgEndSector:
			lo = mid + 1
		default:
			return c
		}
	}
	return nil
}

func (r *Reader) applyOverrides(p []byte, base int64) {
	end := base + int64(len(p))
	for _, ov := range r.overrides {
		oStart := int64(ov.ImgOffset)
		oEnd := oStart + int64(len(ov.Data))
		if oEnd <= base || oStart >= end {
			continue
		}
		from := max64(oStart, base)
		to := min64(oEnd, end)
		copy(p[from-base:to-base], ov.Data[from-oStart:to-oStart])
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
