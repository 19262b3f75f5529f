package extfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildExt2 assembles a minimal ext2 volume: 1 KiB blocks, one block
// group, root directory with one file using direct blocks.
func buildExt2(t *testing.T) []byte {
	t.Helper()
	const (
		blockSize  = 1024
		inodeSize  = 128
		inodeTable = 20 // block number
		rootBlock  = 50
		fileBlockA = 60
		fileBlockB = 61
		fileBlockC = 63 // gap after 61 -> second run
		fileInode  = 12
		fileSize   = 2*blockSize + 100
	)
	img := make([]byte, 256*1024)

	sb := img[1024:2048]
	binary.LittleEndian.PutUint16(sb[56:], 0xef53)
	binary.LittleEndian.PutUint32(sb[24:], 0) // log block size -> 1024
	binary.LittleEndian.PutUint32(sb[40:], 1024)
	binary.LittleEndian.PutUint32(sb[76:], 1) // rev 1
	binary.LittleEndian.PutUint16(sb[88:], inodeSize)
	copy(sb[120:], "extvol")

	// group descriptor at block 2 (block size 1024)
	gd := img[2*blockSize:]
	binary.LittleEndian.PutUint32(gd[8:], inodeTable)

	putInode := func(n int, mode uint16, size uint32, blocks []uint32) {
		off := inodeTable*blockSize + (n-1)*inodeSize
		ino := img[off:]
		binary.LittleEndian.PutUint16(ino[0:], mode)
		binary.LittleEndian.PutUint32(ino[4:], size)
		for i, b := range blocks {
			binary.LittleEndian.PutUint32(ino[40+i*4:], b)
		}
	}
	putInode(rootInode, 0x4000|0755, blockSize, []uint32{rootBlock})
	putInode(fileInode, 0x8000|0644, fileSize, []uint32{fileBlockA, fileBlockB, fileBlockC})

	// root directory block
	dir := img[rootBlock*blockSize:]
	writeDirent := func(off int, ino uint32, name string, ftype byte, recLen int) int {
		binary.LittleEndian.PutUint32(dir[off:], ino)
		binary.LittleEndian.PutUint16(dir[off+4:], uint16(recLen))
		dir[off+6] = byte(len(name))
		dir[off+7] = ftype
		copy(dir[off+8:], name)
		return off + recLen
	}
	off := writeDirent(0, rootInode, ".", dirEntTypeDir, 12)
	off = writeDirent(off, rootInode, "..", dirEntTypeDir, 12)
	writeDirent(off, fileInode, "disk.img", 1, blockSize-off)

	// file payload
	for i := 0; i < fileSize; i++ {
		blk := []uint32{fileBlockA, fileBlockB, fileBlockC}[i/blockSize]
		img[int(blk)*blockSize+i%blockSize] = byte(i)
	}
	return img
}

func TestOpenAndLabel(t *testing.T) {
	v, err := Open(bytes.NewReader(buildExt2(t)))
	if err != nil {
		t.Fatal(err)
	}
	if v.Label() != "extvol" {
		t.Errorf("label %q", v.Label())
	}
}

func TestReadDir(t *testing.T) {
	v, err := Open(bytes.NewReader(buildExt2(t)))
	if err != nil {
		t.Fatal(err)
	}
	ents, err := v.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 1 || ents[0].Name != "disk.img" || ents[0].IsDir {
		t.Errorf("entries %+v", ents)
	}
}

func TestFileExtentsAndRead(t *testing.T) {
	v, err := Open(bytes.NewReader(buildExt2(t)))
	if err != nil {
		t.Fatal(err)
	}
	f, err := v.Open("/disk.img")
	if err != nil {
		t.Fatal(err)
	}
	ef := f.(*file)
	extents, err := ef.Extents()
	if err != nil {
		t.Fatal(err)
	}
	// blocks 60,61 merge; 63 is its own run.
	if len(extents) != 2 {
		t.Fatalf("extents %+v", extents)
	}
	if extents[0].StartSector != 60*2 || extents[0].Sectors != 4 {
		t.Errorf("first run %+v", extents[0])
	}

	got := make([]byte, f.Size())
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("byte %d = %#x", i, b)
		}
	}
}

// walkExtents descends a handcrafted single-level extent node.
func TestWalkExtentsLeaf(t *testing.T) {
	node := make([]byte, 60)
	binary.LittleEndian.PutUint16(node[0:], extentMagic)
	binary.LittleEndian.PutUint16(node[2:], 2) // entries
	binary.LittleEndian.PutUint16(node[6:], 0) // depth

	// extent 1: logical 0, len 4, physical 100
	e := node[12:]
	binary.LittleEndian.PutUint32(e[0:], 0)
	binary.LittleEndian.PutUint16(e[4:], 4)
	binary.LittleEndian.PutUint32(e[8:], 100)
	// extent 2: logical 4, len 2, physical 104 (contiguous -> merges)
	e2 := node[24:]
	binary.LittleEndian.PutUint32(e2[0:], 4)
	binary.LittleEndian.PutUint16(e2[4:], 2)
	binary.LittleEndian.PutUint32(e2[8:], 104)

	v := &Volume{blockSize: 4096}
	var runs []run
	if err := v.walkExtents(node, 0, &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].start != 100 || runs[0].count != 6 {
		t.Errorf("runs %+v", runs)
	}
}

func TestWalkExtentsBadMagic(t *testing.T) {
	v := &Volume{blockSize: 4096}
	var runs []run
	if err := v.walkExtents(make([]byte, 24), 0, &runs); err == nil {
		t.Error("bad magic accepted")
	}
}
