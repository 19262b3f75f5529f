package vhdboot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ventoy/vtoycore/internal/fsapi/isofs/isotest"
)

// buildBCD fabricates a BCD blob with two patch slots and two winload.exe
// literals.
func buildBCD() []byte {
	bcd := make([]byte, 8192)
	slot := func(off int) {
		copy(bcd[off+patchRecordLen:], pathMarker)
	}
	slot(1000)
	slot(3000)
	copy(bcd[5000:], utf16Bytes("winload.exe"))
	copy(bcd[6000:], utf16Bytes("winload.exe"))
	return bcd
}

func buildImage(t *testing.T) *Image {
	t.Helper()
	iso := isotest.Build([]isotest.FileSpec{
		{Path: "/boot/bcd", Data: buildBCD()},
	}, isotest.Options{})
	img, err := Load(iso)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestLoadFindsBCD(t *testing.T) {
	img := buildImage(t)
	if img.bcdLen != 8192 {
		t.Errorf("bcd len %d", img.bcdLen)
	}
}

func TestLoadRejectsMissingBCD(t *testing.T) {
	iso := isotest.Build([]isotest.FileSpec{
		{Path: "/readme.txt", Data: []byte("x")},
	}, isotest.Options{})
	if _, err := Load(iso); err == nil {
		t.Error("image without BCD accepted")
	}
}

func TestPatchGPT(t *testing.T) {
	img := buildImage(t)
	id := DiskIdentity{GPT: true}
	for i := range id.DiskGuid {
		id.DiskGuid[i] = 0xde
		id.PartGuid[i] = 0xbe
	}
	if err := img.Patch("(hd0,1)/linux/boot.vhd", id, false); err != nil {
		t.Fatal(err)
	}

	bcd := img.Buf[img.bcdOffset : img.bcdOffset+img.bcdLen]
	offsets := findPatchOffsets(bcd)
	// The marker is overwritten by the real path, so slots are located by
	// their known positions.
	if len(offsets) != 0 {
		t.Errorf("markers survived patching")
	}

	for _, base := range []int{1000, 3000} {
		rec := bcd[base:]
		if rec[patchPartOff] != 0xbe {
			t.Errorf("slot %d part guid % x", base, rec[patchPartOff:patchPartOff+4])
		}
		if rec[patchDiskOff] != 0xde {
			t.Errorf("slot %d disk guid % x", base, rec[patchDiskOff:patchDiskOff+4])
		}
		if binary.LittleEndian.Uint32(rec[patchTypeOff:]) != 0 {
			t.Errorf("slot %d part type != 0", base)
		}
		wantPath := utf16Bytes(`\linux\boot.vhd`)
		if !bytes.Equal(rec[patchPathOff:patchPathOff+len(wantPath)], wantPath) {
			t.Errorf("slot %d path wrong", base)
		}
	}
}

func TestPatchMBR(t *testing.T) {
	img := buildImage(t)
	id := DiskIdentity{
		DiskSignature: 0x12345678,
		PartByteOff:   1048576,
	}
	if err := img.Patch("/os.vhd", id, false); err != nil {
		t.Fatal(err)
	}
	bcd := img.Buf[img.bcdOffset:]
	rec := bcd[1000:]
	if binary.LittleEndian.Uint64(rec[patchPartOff:]) != 1048576 {
		t.Error("partition offset not written")
	}
	if binary.LittleEndian.Uint32(rec[patchDiskOff:]) != 0x12345678 {
		t.Error("disk signature not written")
	}
	if binary.LittleEndian.Uint32(rec[patchTypeOff:]) != 1 {
		t.Error("part type != 1")
	}
}

func TestWinloadRenameOnUEFI(t *testing.T) {
	img := buildImage(t)
	if err := img.Patch("/os.vhd", DiskIdentity{}, true); err != nil {
		t.Fatal(err)
	}
	bcd := img.Buf[img.bcdOffset : img.bcdOffset+img.bcdLen]
	if bytes.Contains(bcd, utf16Bytes("winload.exe")) {
		t.Error("winload.exe survived")
	}
	if n := bytes.Count(bcd, utf16Bytes("winload.efi")); n != 2 {
		t.Errorf("winload.efi count %d", n)
	}
}

func TestWinloadKeptOnBIOS(t *testing.T) {
	img := buildImage(t)
	if err := img.Patch("/os.vhd", DiskIdentity{}, false); err != nil {
		t.Fatal(err)
	}
	bcd := img.Buf[img.bcdOffset : img.bcdOffset+img.bcdLen]
	if !bytes.Contains(bcd, utf16Bytes("winload.exe")) {
		t.Error("winload.exe renamed on bios")
	}
}
