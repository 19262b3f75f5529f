package isofs_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/fsapi/isofs/isotest"
)

func open(t *testing.T, img []byte) *isofs.Volume {
	t.Helper()
	vol, err := isofs.Open(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	return vol
}

func TestLookupAndRead(t *testing.T) {
	content := []byte("initrd payload here")
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/boot/initrd.img", Data: content},
		{Path: "/isolinux/isolinux.cfg", Data: []byte("default linux\n")},
	}, isotest.Options{Label: "LINUXISO"})

	vol := open(t, img)
	if vol.Label() != "LINUXISO" {
		t.Errorf("label %q", vol.Label())
	}

	f, err := vol.Open("/boot/initrd.img")
	if err != nil {
		t.Fatal(err)
	}
	if f.Size() != int64(len(content)) {
		t.Errorf("size %d", f.Size())
	}
	got := make([]byte, len(content))
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/sources/boot.wim", Data: []byte("wim")},
	}, isotest.Options{})
	vol := open(t, img)
	if _, err := vol.Lookup("/SOURCES/BOOT.WIM"); err != nil {
		t.Errorf("case-insensitive lookup failed: %v", err)
	}
}

func TestReadDir(t *testing.T) {
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/isolinux/a.cfg", Data: []byte("x")},
		{Path: "/isolinux/b.cfg", Data: []byte("y")},
		{Path: "/isolinux/sub/c.cfg", Data: []byte("z")},
	}, isotest.Options{})
	vol := open(t, img)
	ents, err := vol.ReadDir("/isolinux")
	if err != nil {
		t.Fatal(err)
	}
	var files, dirs int
	for _, e := range ents {
		if e.IsDir {
			dirs++
		} else {
			files++
		}
	}
	if files != 2 || dirs != 1 {
		t.Errorf("files=%d dirs=%d", files, dirs)
	}
}

// The dirent position must point at the record whose extent fields an
// override would patch.
func TestRecordPosMatchesOnDiskRecord(t *testing.T) {
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/boot/initrd.img", Data: bytes.Repeat([]byte{1}, 4096)},
	}, isotest.Options{})
	vol := open(t, img)
	rec, err := vol.Lookup("/boot/initrd.img")
	if err != nil {
		t.Fatal(err)
	}
	// extent LBA little-endian sits 2 bytes past the record start
	gotLBA := binary.LittleEndian.Uint32(img[rec.RecordPos+2 : rec.RecordPos+6])
	if gotLBA != rec.LBA {
		t.Errorf("record pos wrong: lba at pos %d, record says %d", gotLBA, rec.LBA)
	}
	gotSize := binary.LittleEndian.Uint32(img[rec.RecordPos+10 : rec.RecordPos+14])
	if gotSize != rec.Size {
		t.Errorf("size at pos %d, record says %d", gotSize, rec.Size)
	}
}

func TestBothEndian32(t *testing.T) {
	b := isofs.BothEndian32(0x12345678).Bytes()
	if binary.LittleEndian.Uint32(b[0:4]) != 0x12345678 {
		t.Error("LE half wrong")
	}
	if binary.BigEndian.Uint32(b[4:8]) != 0x12345678 {
		t.Error("BE half wrong")
	}
}

func TestFindBootCatalog(t *testing.T) {
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/x.txt", Data: []byte("x")},
	}, isotest.Options{BootCatalog: true})
	vol := open(t, img)
	cat, err := vol.FindBootCatalog()
	if err != nil {
		t.Fatal(err)
	}
	if cat == nil {
		t.Fatal("catalog not found")
	}
	if cat.LBA == 0 {
		t.Error("catalog lba zero")
	}
	if cat.FirstSector[0] != 0x01 || cat.FirstSector[0x1e] != 0x55 {
		t.Error("catalog first sector not captured")
	}
}

func TestNoBootCatalog(t *testing.T) {
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/x.txt", Data: []byte("x")},
	}, isotest.Options{})
	vol := open(t, img)
	cat, err := vol.FindBootCatalog()
	if err != nil {
		t.Fatal(err)
	}
	if cat != nil {
		t.Error("phantom catalog")
	}
}

func TestFindSVDOffset(t *testing.T) {
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/x.txt", Data: []byte("x")},
	}, isotest.Options{WithSVD: true})
	vol := open(t, img)
	off, ok := vol.FindSVDOffset()
	if !ok {
		t.Fatal("svd not found")
	}
	if img[off] != 2 || string(img[off+1:off+6]) != "CD001" {
		t.Errorf("svd offset %d does not point at a type-2 descriptor", off)
	}
}
