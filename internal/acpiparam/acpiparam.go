// Package acpiparam wraps the OS parameter block and the image location
// table in a well-formed ACPI table for UEFI delivery to the guest.
package acpiparam

import (
	"encoding/binary"
	"fmt"

	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/osparam"
)

const (
	headerSize   = 36
	locationSize = 28 // guid + image_sector_size + disk_sector_size + region_count
	regionSize   = 16
)

// Region is one mapped run in image-location units.
type Region struct {
	ImageSectorCount uint32
	ImageStartSector uint32
	DiskStartSector  uint64
}

// Build produces the complete VTOY table. imageSectorSize selects the region
// units: 512 converts chunk img sectors from 2 KiB units; anything else
// copies the chunk fields verbatim.
func Build(p *osparam.Param, list *chunk.List, imageSectorSize uint32) ([]byte, error) {
	regions := Regions(list, imageSectorSize)

	total := headerSize + osparam.ParamSize + locationSize + len(regions)*regionSize
	p.ImgLocationLen = uint32(osparam.ParamSize + locationSize + len(regions)*regionSize)
	paramBytes, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal os param: %w", err)
	}

	buf := make([]byte, 0, total)
	hdr := make([]byte, headerSize)
	copy(hdr[0:4], "VTOY")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(total))
	hdr[8] = 1 // revision
	// hdr[9] is the table checksum, fixed up below.
	copy(hdr[10:16], "VENTOY")
	copy(hdr[16:24], "OSPARAMS")
	binary.LittleEndian.PutUint32(hdr[24:28], 1) // OEM revision
	copy(hdr[28:32], "VTOY")
	binary.LittleEndian.PutUint32(hdr[32:36], 1) // creator revision
	buf = append(buf, hdr...)
	buf = append(buf, paramBytes...)

	loc := make([]byte, locationSize)
	copy(loc[0:16], osparam.Guid[:])
	binary.LittleEndian.PutUint32(loc[16:20], imageSectorSize)
	binary.LittleEndian.PutUint32(loc[20:24], chunk.DiskSectorBytes)
	binary.LittleEndian.PutUint32(loc[24:28], uint32(len(regions)))
	buf = append(buf, loc...)

	reg := make([]byte, regionSize)
	for _, r := range regions {
		binary.LittleEndian.PutUint32(reg[0:4], r.ImageSectorCount)
		binary.LittleEndian.PutUint32(reg[4:8], r.ImageStartSector)
		binary.LittleEndian.PutUint64(reg[8:16], r.DiskStartSector)
		buf = append(buf, reg...)
	}

	buf[9] = tableChecksum(buf)
	return buf, nil
}

// Regions converts the chunk list to image-location regions.
func Regions(list *chunk.List, imageSectorSize uint32) []Region {
	chunks := list.Slice()
	regions := make([]Region, 0, len(chunks))
	for _, c := range chunks {
		if imageSectorSize == chunk.DiskSectorBytes {
			regions = append(regions, Region{
				ImageSectorCount: uint32(c.ImgEndSector-c.ImgStartSector+1) * 4,
				ImageStartSector: c.ImgStartSector * 4,
				DiskStartSector:  c.DiskStartSector,
			})
		} else {
			regions = append(regions, Region{
				ImageSectorCount: c.ImgEndSector - c.ImgStartSector + 1,
				ImageStartSector: c.ImgStartSector,
				DiskStartSector:  c.DiskStartSector,
			})
		}
	}
	return regions
}

// tableChecksum returns the byte that zeroes the table's sum. buf[9] must be
// zero when called.
func tableChecksum(buf []byte) uint8 {
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	return uint8(0x100 - uint16(sum))
}
