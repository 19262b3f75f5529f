package linuxboot

import (
	"fmt"

	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/overlay"
)

// appendExtSize is the extra zero region some Lenovo EasyStartup firmware
// needs past the last initrd for its boundary check.
const appendExtSize = 4096

// ConfReplaceItem is one resolved conf-replace rule: the dirent of the
// original file inside the ISO and the replacement content.
type ConfReplaceItem struct {
	DirentPos int64 // extent fields position (record + 2)
	NewData   []byte
}

// ChainData is the injector output consumed by the composer.
type ChainData struct {
	Virts       []chunk.Virt
	VirtMem     []byte
	Overrides   []chunk.Override
	VirtImgSize uint64
}

func align2048(n uint64) uint64 { return (n + 2047) &^ 2047 }

// BuildChainData lays out the virt regions: one cpio+remap pair per valid
// initrd, the optional append-ext zero region, then one memory region per
// conf replacement. paramBytes is stamped into the shared overlay before
// each per-initrd copy.
func BuildChainData(isoSize uint64, cpio *overlay.Cpio, refs []*InitrdRef,
	paramBytes []byte, confReplace []ConfReplaceItem, appendExt bool) (*ChainData, error) {

	if err := cpio.SetOSParam(paramBytes); err != nil {
		return nil, err
	}

	cpioSize := uint64(cpio.Size())
	cpioSecs := uint32(cpioSize / 2048)

	count := 0
	for _, r := range refs {
		if r.Valid {
			count++
		}
	}
	totalVirts := count + len(confReplace)
	if appendExt {
		totalVirts++
	}

	out := &ChainData{VirtImgSize: align2048(isoSize)}
	sector := uint32(align2048(isoSize) / 2048)
	offset := uint32(totalVirts * chunk.VirtBinSize)

	id := 0
	for _, ref := range refs {
		if !ref.Valid {
			continue
		}
		id++
		initrdSecs := uint32((ref.Size + 2047) / 2048)

		if err := cpio.SetInitrdEntry(fmt.Sprintf("initrd%03d", id), uint32(ref.Size)); err != nil {
			return nil, err
		}

		v := chunk.Virt{
			MemSectorStart:   sector,
			MemSectorEnd:     sector + cpioSecs,
			MemSectorOffset:  offset,
			RemapSectorStart: sector + cpioSecs,
			RemapSectorEnd:   sector + cpioSecs + initrdSecs,
			OrgSectorStart:   uint32(ref.Offset / 2048),
		}
		out.Virts = append(out.Virts, v)
		out.VirtMem = append(out.VirtMem, cpio.Bytes()...)

		out.Overrides = append(out.Overrides, direntOverride(ref.DirentPos, sector, uint32(cpioSize+ref.Size)))

		out.VirtImgSize += cpioSize + uint64(initrdSecs)*2048
		sector += cpioSecs + initrdSecs
		offset += uint32(cpioSize)
	}

	if appendExt {
		secs := uint32(appendExtSize / 2048)
		out.Virts = append(out.Virts, chunk.Virt{
			MemSectorStart:  sector,
			MemSectorEnd:    sector + secs,
			MemSectorOffset: offset,
		})
		out.VirtMem = append(out.VirtMem, make([]byte, appendExtSize)...)
		out.VirtImgSize += appendExtSize
		sector += secs
		offset += appendExtSize
	}

	for _, cr := range confReplace {
		alignedLen := uint32(align2048(uint64(len(cr.NewData))))
		secs := alignedLen / 2048
		out.Virts = append(out.Virts, chunk.Virt{
			MemSectorStart:  sector,
			MemSectorEnd:    sector + secs,
			MemSectorOffset: offset,
		})
		mem := make([]byte, alignedLen)
		copy(mem, cr.NewData)
		out.VirtMem = append(out.VirtMem, mem...)

		out.Overrides = append(out.Overrides, direntOverride(cr.DirentPos, sector, uint32(len(cr.NewData))))

		out.VirtImgSize += uint64(alignedLen)
		sector += secs
		offset += alignedLen
	}

	return out, nil
}

// direntOverride rewrites an iso9660 dirent's extent start and length, both
// endiannesses at once.
func direntOverride(pos int64, newSector, newSize uint32) chunk.Override {
	data := make([]byte, 16)
	isofs.BothEndian32(newSector).Put(data[0:8])
	isofs.BothEndian32(newSize).Put(data[8:16])
	return chunk.Override{ImgOffset: uint64(pos), Data: data}
}

// FindSVD locates a supplementary volume descriptor in sectors 17..26 and
// returns the override that marks it invalid, hiding Joliet from loaders
// that would bypass the patched primary tree.
func FindSVD(vol *isofs.Volume) (chunk.Override, bool) {
	off, ok := vol.FindSVDOffset()
	if !ok {
		return chunk.Override{}, false
	}
	return chunk.Override{ImgOffset: uint64(off), Data: []byte{0xff}}, true
}
