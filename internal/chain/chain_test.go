package chain

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/osparam"
)

func testInput() Input {
	list := chunk.NewList()
	list.AppendDiskRun(4196352, 4194304)
	return Input{
		Param:          &osparam.Param{ImgPath: "/linux/ubuntu.iso", ImgSize: 2147483648},
		Chunks:         list,
		DiskSectorSize: 512,
		RealImgSize:    2147483648,
		VirtImgSize:    2147483648,
		BootCatalog:    45,
	}
}

func TestComposeLayout(t *testing.T) {
	in := testInput()
	in.Overrides = []chunk.Override{{ImgOffset: 4096, Data: []byte{1, 2, 3, 4}}}
	in.Virts = []chunk.Virt{{MemSectorStart: 1, MemSectorEnd: 2, MemSectorOffset: 24}}
	in.VirtMem = bytes.Repeat([]byte{0xee}, 2048)

	h, err := Compose(in)
	if err != nil {
		t.Fatal(err)
	}

	if h.ImgChunkNum != 1 || h.OverrideChunkNum != 1 || h.VirtChunkNum != 1 {
		t.Fatalf("counts %d/%d/%d", h.ImgChunkNum, h.OverrideChunkNum, h.VirtChunkNum)
	}

	// The os param leads the blob and still checksums to zero.
	if _, err := osparam.Unmarshal(h.Blob[:osparam.ParamSize]); err != nil {
		t.Errorf("embedded os param: %v", err)
	}

	// Chunk table at its recorded offset.
	c := h.Blob[h.ImgChunkOffset:]
	if got := binary.LittleEndian.Uint64(c[8:16]); got != 4196352 {
		t.Errorf("chunk disk start %d", got)
	}

	// Override record: offset, size, data.
	o := h.Blob[h.OverrideChunkOffset:]
	if got := binary.LittleEndian.Uint64(o[0:8]); got != 4096 {
		t.Errorf("override offset %d", got)
	}
	if got := binary.LittleEndian.Uint32(o[8:12]); got != 4 {
		t.Errorf("override size %d", got)
	}
	if !bytes.Equal(o[12:16], []byte{1, 2, 3, 4}) {
		t.Error("override data")
	}

	// Virt memory payload follows the virt table.
	vm := h.Blob[int(h.VirtChunkOffset)+chunk.VirtBinSize:]
	if vm[0] != 0xee || vm[2047] != 0xee {
		t.Error("virt memory payload misplaced")
	}

	if got := binary.LittleEndian.Uint32(h.Blob[280:284]); got != 45 {
		t.Errorf("boot catalog %d", got)
	}
	if got := binary.LittleEndian.Uint64(h.Blob[264:272]); got != 2147483648 {
		t.Errorf("real size %d", got)
	}
}

// Building the chain head twice for the same selection yields identical
// bytes.
func TestComposeDeterministic(t *testing.T) {
	h1, err := Compose(testInput())
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Compose(testInput())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h1.Blob, h2.Blob) {
		t.Error("compose is not deterministic")
	}
}

func TestComposeRejectsOverlappingOverrides(t *testing.T) {
	in := testInput()
	in.Overrides = []chunk.Override{
		{ImgOffset: 100, Data: make([]byte, 8)},
		{ImgOffset: 104, Data: make([]byte, 8)},
	}
	if _, err := Compose(in); err == nil {
		t.Error("overlapping overrides accepted")
	}
}

func TestComposeRejectsOverrideOutsideChunks(t *testing.T) {
	in := testInput()
	in.Overrides = []chunk.Override{
		{ImgOffset: 1 << 62, Data: make([]byte, 8)},
	}
	if _, err := Compose(in); err == nil {
		t.Error("out-of-range override accepted")
	}
}

func TestComposeRejectsEmptyChunks(t *testing.T) {
	in := testInput()
	in.Chunks = chunk.NewList()
	if _, err := Compose(in); err == nil {
		t.Error("empty chunk list accepted")
	}
}

func TestCatalogSectorCopied(t *testing.T) {
	in := testInput()
	sector := bytes.Repeat([]byte{0x77}, 512)
	in.CatalogSector = sector
	h, err := Compose(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h.Blob[headFixedSize:headFixedSize+512], sector) {
		t.Error("catalog sector not copied")
	}
}

func TestDriveMapFlag(t *testing.T) {
	in := testInput()
	in.DriveMap = true
	h, err := Compose(in)
	if err != nil {
		t.Fatal(err)
	}
	if h.Blob[284] != 1 {
		t.Error("drive map flag not set")
	}
}
