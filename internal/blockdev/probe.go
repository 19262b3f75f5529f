package blockdev

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ventoy/vtoycore/internal/osparam"
	"github.com/ventoy/vtoycore/internal/vterr"
)

// FSKind is a probed partition filesystem type.
type FSKind string

// Probe results.
const (
	FSExfat   FSKind = "exfat"
	FSNtfs    FSKind = "ntfs"
	FSExt     FSKind = "ext"
	FSXfs     FSKind = "xfs"
	FSUdf     FSKind = "udf"
	FSFat     FSKind = "fat"
	FSIso9660 FSKind = "iso9660"
)

// PartType maps the probe result to the os-param enum.
func (k FSKind) PartType() osparam.PartType {
	switch k {
	case FSExfat:
		return osparam.PartTypeExfat
	case FSNtfs:
		return osparam.PartTypeNtfs
	case FSExt:
		return osparam.PartTypeExt
	case FSXfs:
		return osparam.PartTypeXfs
	case FSUdf, FSIso9660:
		return osparam.PartTypeUdf
	default:
		return osparam.PartTypeFat
	}
}

// ProbeFS sniffs magic bytes at the partition start. Order matters: exFAT
// and NTFS both present a FAT-like BPB, so they are checked before FAT.
func ProbeFS(r io.ReaderAt) (FSKind, error) {
	sector := make([]byte, SectorSize)
	if _, err := r.ReadAt(sector, 0); err != nil {
		return "", fmt.Errorf("%w: probe read: %v", vterr.ErrBadDevice, err)
	}

	switch {
	case string(sector[3:11]) == "EXFAT   ":
		return FSExfat, nil
	case string(sector[3:7]) == "NTFS":
		return FSNtfs, nil
	case string(sector[0:4]) == "XFSB":
		return FSXfs, nil
	}

	// ext magic 0xEF53 at offset 1024+56
	ext := make([]byte, 2)
	if _, err := r.ReadAt(ext, 1024+56); err == nil {
		if binary.LittleEndian.Uint16(ext) == 0xef53 {
			return FSExt, nil
		}
	}

	// ISO9660 / UDF volume recognition sequence at 32 KiB
	vrs := make([]byte, 6)
	if _, err := r.ReadAt(vrs, 32768); err == nil {
		switch string(vrs[1:6]) {
		case "CD001":
			if k, ok := probeUDF(r); ok {
				return k, nil
			}
			return FSIso9660, nil
		case "BEA01", "NSR02", "NSR03":
			return FSUdf, nil
		}
	}

	// FAT12/16/32: jump opcode plus one of the FS type strings
	if sector[0] == 0xeb || sector[0] == 0xe9 {
		if string(sector[54:59]) == "FAT12" || string(sector[54:59]) == "FAT16" ||
			string(sector[82:87]) == "FAT32" {
			return FSFat, nil
		}
	}

	return "", fmt.Errorf("%w: unknown magic", vterr.ErrUnsupportedFS)
}

// probeUDF walks the volume recognition sequence past a CD001 descriptor
// looking for an NSR descriptor, which marks the volume as UDF.
func probeUDF(r io.ReaderAt) (FSKind, bool) {
	buf := make([]byte, 6)
	for s := int64(1); s < 64; s++ {
		if _, err := r.ReadAt(buf, 32768+s*2048); err != nil {
			return "", false
		}
		switch string(buf[1:6]) {
		case "NSR02", "NSR03":
			return FSUdf, true
		case "TEA01":
			return "", false
		}
		if buf[0] == 0xff { // terminator descriptor
			return "", false
		}
	}
	return "", false
}
