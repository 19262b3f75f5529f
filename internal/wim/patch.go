package wim

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

// replaceTargets are searched in order inside the metadata tree.
var replaceTargets = [][]string{
	{"Windows", "System32", "winpeshl.exe"},
	{"Windows", "System32", "PECMD.exe"},
}

func align16(n int) int     { return (n + 15) &^ 15 }
func align2048(n int) int   { return (n + 2047) &^ 2047 }
func alignU64(n uint64) uint64 { return (n + 2047) &^ 2047 }

// RuntimeDataSize is the fixed size of the windows runtime data block the
// jump stub hands to the Windows-side agent.
const RuntimeDataSize = 1024

// BuildRuntimeData encodes the per-selection data the agent needs: the
// auto-install script path and the injection archive path, each NUL padded.
func BuildRuntimeData(autoInstallScript, injectionArchive string) []byte {
	buf := make([]byte, RuntimeDataSize)
	copy(buf[0:384], autoInstallScript)
	copy(buf[384:768], injectionArchive)
	return buf
}

// IsPE64 reports whether a PE image is PE32+.
func IsPE64(exe []byte) bool {
	if len(exe) < 0x40 || exe[0] != 'M' || exe[1] != 'Z' {
		return false
	}
	peOff := int(binary.LittleEndian.Uint32(exe[0x3c:0x40]))
	if peOff+26 > len(exe) || string(exe[peOff:peOff+4]) != "PE\x00\x00" {
		return false
	}
	return binary.LittleEndian.Uint16(exe[peOff+24:peOff+26]) == 0x20b
}

// Input carries everything Patch needs. The WIM is addressed through the
// image-level reader so all emitted offsets are synthetic-image offsets.
type Input struct {
	Wim        io.ReaderAt
	WimSize    uint64
	WimImgOff  uint64 // byte offset of the WIM data inside the image
	DirentPos  int64  // iso9660 dirent extent-field position (+2 past the length bytes)
	ImageSize  uint64 // real image size in bytes

	// UDF form fields; used when IsUDF is set.
	IsUDF            bool
	UDFPdSizeOffset  int64
	UDFFeSizeOffset  int64
	UDFOverridePos   int64
	UDFStartBlock    uint32

	JumpExe32 []byte
	JumpExe64 []byte
	OSParam   []byte // 256-byte parameter block
	RtData    []byte // BuildRuntimeData output
}

// Result feeds the chain composer.
type Result struct {
	Overrides   []chunk.Override
	Virt        chunk.Virt
	VirtMem     []byte
	SizeDelta   uint64 // added to virt_img_size_in_bytes
	NewWimSize  uint64
	ReplaceHash [20]byte
}

// Patch builds the full winpeshl replacement. The returned records place
// the original WIM (remapped), the replacement binary, the rewritten
// metadata and the rewritten lookup table past the end of the image.
func Patch(in Input) (*Result, error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := in.Wim.ReadAt(hdrBuf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("wim: read header: %w", err)
	}
	head, err := ParseHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if head.Flags&FlagCompressXpress != 0 {
		return nil, fmt.Errorf("%w: xpress", vterr.ErrWimUnsupported)
	}

	meta, err := ReadResource(in.Wim, head.Metadata)
	if err != nil {
		return nil, err
	}
	if len(meta) < 8 {
		return nil, fmt.Errorf("wim: metadata too short")
	}

	oldHash, ok := findReplaceHash(meta)
	if !ok {
		return nil, fmt.Errorf("wim: no winpeshl.exe or PECMD.exe in metadata")
	}

	lookup, err := ReadResource(in.Wim, head.Lookup)
	if err != nil {
		return nil, err
	}

	entryIdx := findLookupEntry(lookup, oldHash)
	if entryIdx < 0 {
		return nil, fmt.Errorf("wim: no lookup entry for replace target")
	}
	entry := parseLookupEntry(lookup[entryIdx*LookupEntrySize:])

	exeData, err := ReadResource(in.Wim, entry.Resource)
	if err != nil {
		return nil, err
	}

	// Assemble the replacement binary: stub, padding, os param, runtime
	// data, then the original exe so the stub can exec it afterwards.
	stub := in.JumpExe32
	if IsPE64(exeData) {
		stub = in.JumpExe64
	}
	jumpAlign := align16(len(stub))
	binRaw := jumpAlign + len(in.OSParam) + len(in.RtData) + len(exeData)
	binAlign := align2048(binRaw)
	binData := make([]byte, binAlign)
	copy(binData, stub)
	copy(binData[jumpAlign:], in.OSParam)
	copy(binData[jumpAlign+len(in.OSParam):], in.RtData)
	copy(binData[jumpAlign+len(in.OSParam)+len(in.RtData):], exeData)
	newHash := sha1.Sum(binData[:binRaw])

	wimAlignSize := alignU64(in.WimSize)

	// Rewrite every dirent carrying the old hash.
	updateAllHashes(meta, oldHash, newHash)

	// Rewrite the replace target's lookup entry.
	entry.Resource = ResourceHeader{
		SizeInWim: uint64(binRaw),
		Flags:     0,
		Offset:    wimAlignSize,
		RawSize:   uint64(binRaw),
	}
	entry.Hash = newHash
	entry.put(lookup[entryIdx*LookupEntrySize:])

	metaAlign := align2048(len(meta))
	lookupAlign := align2048(len(lookup))

	// New header: metadata and lookup move past the replacement binary,
	// both stored uncompressed.
	head.Metadata = ResourceHeader{
		SizeInWim: uint64(len(meta)),
		Flags:     ResFlagMetadata,
		Offset:    wimAlignSize + uint64(binAlign),
		RawSize:   uint64(len(meta)),
	}
	head.Lookup = ResourceHeader{
		SizeInWim: uint64(len(lookup)),
		Flags:     0,
		Offset:    head.Metadata.Offset + uint64(metaAlign),
		RawSize:   uint64(len(lookup)),
	}

	// The boot image's metadata lookup entry follows the new header.
	if i := findMetaEntry(lookup, head.BootIndex); i >= 0 {
		me := parseLookupEntry(lookup[i*LookupEntrySize:])
		me.Resource = head.Metadata
		me.Hash = sha1.Sum(meta)
		me.put(lookup[i*LookupEntrySize:])
	} else {
		log.Debugf("wim: no metadata lookup entry for boot index %d", head.BootIndex)
	}

	newWimSize := wimAlignSize + uint64(binAlign) + uint64(metaAlign) + uint64(lookupAlign)

	res := &Result{NewWimSize: newWimSize, ReplaceHash: newHash}

	sector := alignU64(in.ImageSize) / 2048
	if in.IsUDF {
		pd := make([]byte, 4)
		binary.LittleEndian.PutUint32(pd, uint32(sector)-in.UDFStartBlock+uint32(newWimSize/2048))
		res.Overrides = append(res.Overrides, chunk.Override{ImgOffset: uint64(in.UDFPdSizeOffset), Data: pd})

		fe := make([]byte, 8)
		binary.LittleEndian.PutUint64(fe, newWimSize)
		res.Overrides = append(res.Overrides, chunk.Override{ImgOffset: uint64(in.UDFFeSizeOffset), Data: fe})

		udf := make([]byte, 8)
		binary.LittleEndian.PutUint32(udf[0:4], uint32(newWimSize))
		binary.LittleEndian.PutUint32(udf[4:8], uint32(sector)-in.UDFStartBlock)
		res.Overrides = append(res.Overrides, chunk.Override{ImgOffset: uint64(in.UDFOverridePos), Data: udf})
	} else {
		dirent := make([]byte, 16)
		isofs.BothEndian32(uint32(sector)).Put(dirent[0:8])
		isofs.BothEndian32(uint32(newWimSize)).Put(dirent[8:16])
		res.Overrides = append(res.Overrides, chunk.Override{ImgOffset: uint64(in.DirentPos), Data: dirent})
	}

	res.Overrides = append(res.Overrides, chunk.Override{
		ImgOffset: in.WimImgOff,
		Data:      head.Marshal(),
	})

	// One virt chunk: the WIM body remapped to its original location, then
	// the in-memory tail of replacement binary, metadata and lookup.
	wimSecs := uint32(wimAlignSize / 2048)
	memSecs := uint32((binAlign + metaAlign + lookupAlign) / 2048)
	res.Virt = chunk.Virt{
		RemapSectorStart: uint32(sector),
		RemapSectorEnd:   uint32(sector) + wimSecs,
		OrgSectorStart:   uint32(in.WimImgOff / 2048),
		MemSectorStart:   uint32(sector) + wimSecs,
		MemSectorEnd:     uint32(sector) + wimSecs + memSecs,
		MemSectorOffset:  chunk.VirtBinSize,
	}

	mem := make([]byte, binAlign+metaAlign+lookupAlign)
	copy(mem, binData)
	copy(mem[binAlign:], meta)
	copy(mem[binAlign+metaAlign:], lookup)
	res.VirtMem = mem

	res.SizeDelta = wimAlignSize + uint64(binAlign) + uint64(metaAlign) + uint64(lookupAlign)
	return res, nil
}

// CheckBootable verifies a WIM can be patched: valid header, supported
// compression, and a locatable replacement target in the boot metadata.
func CheckBootable(r io.ReaderAt) error {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(hdrBuf, 0); err != nil && err != io.EOF {
		return fmt.Errorf("wim: read header: %w", err)
	}
	head, err := ParseHeader(hdrBuf)
	if err != nil {
		return err
	}
	if head.Flags&FlagCompressXpress != 0 {
		return fmt.Errorf("%w: xpress", vterr.ErrWimUnsupported)
	}
	meta, err := ReadResource(r, head.Metadata)
	if err != nil {
		return err
	}
	if len(meta) < 8 {
		return fmt.Errorf("wim: metadata too short")
	}
	if _, ok := findReplaceHash(meta); !ok {
		return fmt.Errorf("wim: no winpeshl.exe or PECMD.exe in metadata")
	}
	return nil
}

// findReplaceHash walks the root directory for the replacement targets.
func findReplaceHash(meta []byte) ([20]byte, bool) {
	securityLen := binary.LittleEndian.Uint32(meta[0:4])
	rootOff := int((securityLen + 7) &^ 7)
	for _, path := range replaceTargets {
		if d := searchDirent(meta, rootOff, path); d >= 0 {
			var h [20]byte
			copy(h[:], meta[d+direntHashOff:d+direntHashOff+20])
			return h, true
		}
	}
	return [20]byte{}, false
}

// searchDirent descends the metadata tree along path; returns the dirent
// offset or -1.
func searchDirent(meta []byte, dirOff int, path []string) int {
	if len(path) == 0 {
		return -1
	}
	want := utf16LE(path[0])
	for off := dirOff; off+direntMinLen <= len(meta); {
		l := binary.LittleEndian.Uint64(meta[off : off+8])
		if l < direntMinLen {
			return -1
		}
		nameLen := int(binary.LittleEndian.Uint16(meta[off+direntNameLenOff : off+direntNameLenOff+2]))
		if nameLen == len(want) && off+direntNameOff+nameLen <= len(meta) &&
			bytes.EqualFold(meta[off+direntNameOff:off+direntNameOff+nameLen], want) {
			if len(path) == 1 {
				return off
			}
			subdir := binary.LittleEndian.Uint64(meta[off+direntSubdirOff : off+direntSubdirOff+8])
			if subdir == 0 || subdir >= uint64(len(meta)) {
				return -1
			}
			return searchDirent(meta, int(subdir), path[1:])
		}
		off += int(l)
	}
	return -1
}

// updateAllHashes rewrites the hash of every leaf dirent matching old.
func updateAllHashes(meta []byte, old, new [20]byte) {
	securityLen := binary.LittleEndian.Uint32(meta[0:4])
	walkDirents(meta, int((securityLen+7)&^7), func(off int) {
		subdir := binary.LittleEndian.Uint64(meta[off+direntSubdirOff : off+direntSubdirOff+8])
		if subdir == 0 && bytes.Equal(meta[off+direntHashOff:off+direntHashOff+20], old[:]) {
			copy(meta[off+direntHashOff:], new[:])
		}
	})
}

func walkDirents(meta []byte, dirOff int, visit func(off int)) {
	for off := dirOff; off+direntMinLen <= len(meta); {
		l := binary.LittleEndian.Uint64(meta[off : off+8])
		if l < direntMinLen {
			return
		}
		visit(off)
		subdir := binary.LittleEndian.Uint64(meta[off+direntSubdirOff : off+direntSubdirOff+8])
		if subdir != 0 && subdir < uint64(len(meta)) && int(subdir) > off {
			walkDirents(meta, int(subdir), visit)
		}
		off += int(l)
	}
}

func findLookupEntry(lookup []byte, hash [20]byte) int {
	n := len(lookup) / LookupEntrySize
	for i := 0; i < n; i++ {
		e := lookup[i*LookupEntrySize : (i+1)*LookupEntrySize]
		if bytes.Equal(e[30:50], hash[:]) {
			return i
		}
	}
	return -1
}

// findMetaEntry returns the index of the metadata lookup entry matching the
// boot index (1-based among metadata entries; 0 selects the first).
func findMetaEntry(lookup []byte, bootIndex uint32) int {
	n := len(lookup) / LookupEntrySize
	count := uint32(0)
	for i := 0; i < n; i++ {
		e := parseLookupEntry(lookup[i*LookupEntrySize:])
		if e.Resource.Flags&ResFlagMetadata == 0 {
			continue
		}
		count++
		if bootIndex == 0 || count == bootIndex {
			return i
		}
	}
	return -1
}

func utf16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}
