package chunk

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestAppendDiskRunMergesContiguous(t *testing.T) {
	l := NewList()
	l.AppendDiskRun(1000, 64)
	l.AppendDiskRun(1064, 64)
	if l.Len() != 1 {
		t.Fatalf("expected 1 merged chunk, got %d", l.Len())
	}
	c := l.Slice()[0]
	if c.DiskStartSector != 1000 || c.DiskEndSector != 1127 {
		t.Errorf("bad disk range %d..%d", c.DiskStartSector, c.DiskEndSector)
	}
	if c.ImgStartSector != 0 || c.ImgEndSector != 31 {
		t.Errorf("bad img range %d..%d", c.ImgStartSector, c.ImgEndSector)
	}
}

func TestAppendDiskRunSplitsNonContiguous(t *testing.T) {
	l := NewList()
	l.AppendDiskRun(1000, 64)
	l.AppendDiskRun(5000, 64)
	if l.Len() != 2 {
		t.Fatalf("expected 2 chunks, got %d", l.Len())
	}
	second := l.Slice()[1]
	if second.ImgStartSector != 16 || second.ImgEndSector != 31 {
		t.Errorf("img numbering not contiguous: %d..%d", second.ImgStartSector, second.ImgEndSector)
	}
}

func TestImgCoverIsContiguous(t *testing.T) {
	l := NewList()
	l.AppendDiskRun(1000, 128)
	l.AppendDiskRun(9000, 64)
	l.AppendDiskRun(20000, 256)

	next := uint32(0)
	for i, c := range l.Slice() {
		if c.ImgStartSector != next {
			t.Errorf("chunk %d starts at %d, want %d", i, c.ImgStartSector, next)
		}
		next = c.ImgEndSector + 1
	}
}

func TestRenumber(t *testing.T) {
	l := NewList()
	l.Push(Chunk{ImgStartSector: 10, ImgEndSector: 17, DiskStartSector: 100, DiskEndSector: 131})
	l.Push(Chunk{ImgStartSector: 40, ImgEndSector: 41, DiskStartSector: 500, DiskEndSector: 507})
	l.Renumber()
	chunks := l.Slice()
	if chunks[0].ImgStartSector != 0 || chunks[0].ImgEndSector != 7 {
		t.Errorf("first chunk %d..%d", chunks[0].ImgStartSector, chunks[0].ImgEndSector)
	}
	if chunks[1].ImgStartSector != 8 || chunks[1].ImgEndSector != 9 {
		t.Errorf("second chunk %d..%d", chunks[1].ImgStartSector, chunks[1].ImgEndSector)
	}
}

func TestMarshalBinaryLayout(t *testing.T) {
	l := NewList()
	l.Push(Chunk{ImgStartSector: 0, ImgEndSector: 1048575, DiskStartSector: 4196352, DiskEndSector: 8390655})
	b := l.MarshalBinary()
	if len(b) != ChunkBinSize {
		t.Fatalf("encoded size %d", len(b))
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); got != 1048575 {
		t.Errorf("img_end = %d", got)
	}
	if got := binary.LittleEndian.Uint64(b[8:16]); got != 4196352 {
		t.Errorf("disk_start = %d", got)
	}
	if got := binary.LittleEndian.Uint64(b[16:24]); got != 8390655 {
		t.Errorf("disk_end = %d", got)
	}
}

func TestBias(t *testing.T) {
	l := NewList()
	l.AppendDiskRun(100, 8)
	l.Bias(2048)
	c := l.Slice()[0]
	if c.DiskStartSector != 2148 || c.DiskEndSector != 2155 {
		t.Errorf("bias wrong: %d..%d", c.DiskStartSector, c.DiskEndSector)
	}
}

// TestReaderRoundTrip reconstructs a scattered file through the chunk list
// and compares with the original bytes.
func TestReaderRoundTrip(t *testing.T) {
	disk := make([]byte, 64*1024)
	for i := range disk {
		disk[i] = byte(i * 7)
	}

	// File: sectors 16..23 then 64..71 of the disk (two 4 KiB extents).
	l := NewList()
	l.AppendDiskRun(16, 8)
	l.AppendDiskRun(64, 8)

	want := append([]byte{}, disk[16*512:24*512]...)
	want = append(want, disk[64*512:72*512]...)

	r := NewReader(bytes.NewReader(disk), l, int64(len(want)))
	got := make([]byte, len(want))
	if _, err := r.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("reconstructed bytes differ from original")
	}
}

func TestReaderOverride(t *testing.T) {
	disk := make([]byte, 16*1024)
	l := NewList()
	l.AppendDiskRun(0, 16)

	r := NewReader(bytes.NewReader(disk), l, 8192)
	r.SetOverrides([]Override{{ImgOffset: 100, Data: []byte{0xaa, 0xbb, 0xcc}}})

	got := make([]byte, 200)
	if _, err := r.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[99] != 0 || got[100] != 0xaa || got[101] != 0xbb || got[102] != 0xcc || got[103] != 0 {
		t.Errorf("override not applied: % x", got[98:105])
	}
}

func TestOverrideValidate(t *testing.T) {
	if err := (Override{ImgOffset: 0, Data: make([]byte, MaxOverrideBytes + 1)}).Validate(); err == nil {
		t.Error("oversized override accepted")
	}
	if err := (Override{ImgOffset: 0, Data: nil}).Validate(); err == nil {
		t.Error("empty override accepted")
	}
}

func TestMarshalVirts(t *testing.T) {
	v := []Virt{{
		MemSectorStart: 1, MemSectorEnd: 2, MemSectorOffset: 3,
		RemapSectorStart: 4, RemapSectorEnd: 5, OrgSectorStart: 6,
	}}
	b := MarshalVirts(v)
	if len(b) != VirtBinSize {
		t.Fatalf("encoded size %d", len(b))
	}
	for i := 0; i < 6; i++ {
		if got := binary.LittleEndian.Uint32(b[i*4 : i*4+4]); got != uint32(i+1) {
			t.Errorf("field %d = %d", i, got)
		}
	}
}
