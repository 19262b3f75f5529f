// Package vhdboot patches the in-memory vhdboot ISO so its BCD store
// addresses the selected VHD file on the host volume: disk identity,
// partition identity and the UTF-16 file path, plus the winload rename on
// UEFI.
package vhdboot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/utils/logger"
)

var log = logger.Logger()

// patch record field offsets, counted back from the path marker.
const (
	patchPartOff   = 0  // partition byte offset (MBR) or partition GUID (GPT)
	patchTypeOff   = 20 // 0 = GPT, 1 = MBR
	patchDiskOff   = 24 // disk signature (MBR) or disk GUID (GPT)
	patchPathOff   = 56
	patchRecordLen = 56
)

// pathMarker is the placeholder the BCD templates carry: "\XXXXXXXX" in
// UTF-16LE.
var pathMarker = []byte{
	0x5c, 0x00, 0x58, 0x00, 0x58, 0x00, 0x58, 0x00,
	0x58, 0x00, 0x58, 0x00, 0x58, 0x00, 0x58, 0x00,
}

var winloadExe = utf16Bytes("winload.exe")

// DiskIdentity carries the host volume identity written into the BCD.
type DiskIdentity struct {
	GPT           bool
	DiskGuid      [16]byte
	PartGuid      [16]byte
	DiskSignature uint32
	PartByteOff   uint64
}

// Image is the loaded vhdboot ISO held in memory for the session and
// re-patched per selection.
type Image struct {
	Buf []byte

	bcdOffset int
	bcdLen    int
}

// Load parses the ISO buffer and locates its BCD store (/boot/bcd or
// /boot/BCD).
func Load(buf []byte) (*Image, error) {
	vol, err := isofs.Open(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("vhdboot: %w", err)
	}
	for _, p := range []string{"/boot/bcd", "/boot/BCD"} {
		rec, err := vol.Lookup(p)
		if err != nil || rec.IsDir {
			continue
		}
		img := &Image{
			Buf:       buf,
			bcdOffset: int(rec.LBA) * isofs.SectorBytes,
			bcdLen:    int(rec.Size),
		}
		log.Debugf("vhdboot bcd at %d len %d", img.bcdOffset, img.bcdLen)
		return img, nil
	}
	return nil, fmt.Errorf("vhdboot: no BCD store in image")
}

// Patch rewrites both patch slots with the disk identity and VHD path, and
// on UEFI renames every winload.exe reference to winload.efi.
func (img *Image) Patch(vhdPath string, id DiskIdentity, uefi bool) error {
	bcd := img.Buf[img.bcdOffset : img.bcdOffset+img.bcdLen]

	offsets := findPatchOffsets(bcd)
	if len(offsets) < 2 {
		return fmt.Errorf("vhdboot: found %d of 2 patch slots", len(offsets))
	}

	if i := strings.Index(vhdPath, "/"); i > 0 {
		vhdPath = vhdPath[i:]
	}
	encodedPath := utf16Bytes(strings.ReplaceAll(vhdPath, "/", "\\"))
	encodedPath = append(encodedPath, 0, 0)

	for _, off := range offsets[:2] {
		rec := bcd[off:]
		for i := 0; i < patchPathOff; i++ {
			rec[i] = 0
		}
		if id.GPT {
			copy(rec[patchPartOff:], id.PartGuid[:])
			copy(rec[patchDiskOff:], id.DiskGuid[:])
			binary.LittleEndian.PutUint32(rec[patchTypeOff:], 0)
		} else {
			binary.LittleEndian.PutUint64(rec[patchPartOff:], id.PartByteOff)
			binary.LittleEndian.PutUint32(rec[patchDiskOff:], id.DiskSignature)
			binary.LittleEndian.PutUint32(rec[patchTypeOff:], 1)
		}
		copy(rec[patchPathOff:], encodedPath)
	}

	if uefi {
		n := renameWinload(bcd)
		log.Debugf("vhdboot winload patch %d times", n)
	}
	return nil
}

// findPatchOffsets returns the record base offsets of the two marker slots.
func findPatchOffsets(bcd []byte) []int {
	var out []int
	for i := 0; i+len(pathMarker) <= len(bcd) && len(out) < 2; i++ {
		if bcd[i] == 0x5c && bytes.Equal(bcd[i:i+len(pathMarker)], pathMarker) {
			if i >= patchRecordLen {
				out = append(out, i-patchRecordLen)
			}
		}
	}
	return out
}

// renameWinload rewrites the UTF-16 literal winload.exe to winload.efi.
func renameWinload(bcd []byte) int {
	cnt := 0
	for i := 0; i+len(winloadExe) < len(bcd); i++ {
		if bcd[i] == 'w' && bytes.Equal(bcd[i:i+len(winloadExe)], winloadExe) {
			bcd[i+len(winloadExe)-4] = 'f'
			bcd[i+len(winloadExe)-2] = 'i'
			cnt++
		}
	}
	return cnt
}

func utf16Bytes(s string) []byte {
	u := utf16.Encode([]rune(s))
	out := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(out[i*2:], c)
	}
	return out
}
