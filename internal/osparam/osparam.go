// Package osparam builds the 256-byte checksummed control block handed to
// the booted OS. The layout is an ABI: guest agents validate the guid and
// the byte checksum before trusting any field.
package osparam

import (
	"encoding/binary"
	"fmt"

	"github.com/ventoy/vtoycore/internal/vterr"
)

// ParamSize is the fixed encoded size.
const ParamSize = 256

// Guid identifies a ventoy parameter block. The bytes spell
// "  www.ventoy.net".
var Guid = [16]byte{
	0x20, 0x20, 0x77, 0x77, 0x77, 0x2e, 0x76, 0x65,
	0x6e, 0x74, 0x6f, 0x79, 0x2e, 0x6e, 0x65, 0x74,
}

// PartType is the filesystem type of the hosting partition.
type PartType uint8

// Partition filesystem types, in ABI order.
const (
	PartTypeExfat PartType = iota
	PartTypeNtfs
	PartTypeExt
	PartTypeXfs
	PartTypeUdf
	PartTypeFat
)

// ChainType selects the boot flavor the guest agent applies.
type ChainType uint8

// Chain types.
const (
	ChainLinux ChainType = iota
	ChainWindows
	ChainWim
	ChainRaw
)

// MaxImgPath bounds the stored image path.
const MaxImgPath = 175

// Param is the decoded form. Mutate fields, then call Marshal; the checksum
// is recomputed on every encode.
type Param struct {
	DiskSize      uint64
	DiskPartID    uint8 // 1-based
	DiskPartType  PartType
	DiskGuid      [16]byte
	DiskSignature [4]byte
	ImgPath       string
	ImgSize       uint64

	ImgLocationAddr uint64
	ImgLocationLen  uint32

	BreakLevel      uint8
	DebugLevel      uint8
	ChainType       ChainType
	IsUdf           bool
	WindowsCDPrompt bool
	LinuxRemount    bool
	Vlnk            bool
	AppendExtSector bool
}

// Marshal encodes the block. The checksum byte is chosen so that the sum of
// all 256 bytes mod 256 is zero.
func (p *Param) Marshal() ([]byte, error) {
	if len(p.ImgPath) > MaxImgPath {
		return nil, fmt.Errorf("image path too long (%d bytes)", len(p.ImgPath))
	}
	buf := make([]byte, ParamSize)
	copy(buf[0:16], Guid[:])
	// buf[16] is the checksum, filled last.
	buf[17] = p.DiskPartID
	buf[18] = byte(p.DiskPartType)
	buf[19] = p.BreakLevel
	buf[20] = p.DebugLevel
	buf[21] = byte(p.ChainType)
	buf[22] = bool2b(p.IsUdf)
	buf[23] = bool2b(p.WindowsCDPrompt)
	buf[24] = bool2b(p.LinuxRemount)
	buf[25] = bool2b(p.Vlnk)
	copy(buf[26:30], p.DiskSignature[:])
	buf[30] = bool2b(p.AppendExtSector)
	// buf[31] spare
	binary.LittleEndian.PutUint64(buf[32:40], p.DiskSize)
	binary.LittleEndian.PutUint64(buf[40:48], p.ImgSize)
	binary.LittleEndian.PutUint64(buf[48:56], p.ImgLocationAddr)
	binary.LittleEndian.PutUint32(buf[56:60], p.ImgLocationLen)
	copy(buf[60:64], p.DiskSignature[:])
	copy(buf[64:80], p.DiskGuid[:])
	copy(buf[80:80+len(p.ImgPath)], p.ImgPath)
	buf[16] = checksum(buf)
	return buf, nil
}

// Unmarshal decodes and validates a block.
func Unmarshal(buf []byte) (*Param, error) {
	if len(buf) != ParamSize {
		return nil, fmt.Errorf("os param: bad size %d", len(buf))
	}
	if [16]byte(buf[0:16]) != Guid {
		return nil, fmt.Errorf("os param: %w: guid", vterr.ErrChecksumMismatch)
	}
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	if sum != 0 {
		return nil, fmt.Errorf("os param: %w: byte sum %#x", vterr.ErrChecksumMismatch, sum)
	}
	p := &Param{
		DiskPartID:      buf[17],
		DiskPartType:    PartType(buf[18]),
		BreakLevel:      buf[19],
		DebugLevel:      buf[20],
		ChainType:       ChainType(buf[21]),
		IsUdf:           buf[22] != 0,
		WindowsCDPrompt: buf[23] != 0,
		LinuxRemount:    buf[24] != 0,
		Vlnk:            buf[25] != 0,
		AppendExtSector: buf[30] != 0,
		DiskSize:        binary.LittleEndian.Uint64(buf[32:40]),
		ImgSize:         binary.LittleEndian.Uint64(buf[40:48]),
		ImgLocationAddr: binary.LittleEndian.Uint64(buf[48:56]),
		ImgLocationLen:  binary.LittleEndian.Uint32(buf[56:60]),
	}
	copy(p.DiskSignature[:], buf[60:64])
	copy(p.DiskGuid[:], buf[64:80])
	path := buf[80:ParamSize]
	for i, b := range path {
		if b == 0 {
			path = path[:i]
			break
		}
	}
	p.ImgPath = string(path)
	return p, nil
}

// checksum returns the byte that zeroes the block's sum. buf[16] must be
// zero when called.
func checksum(buf []byte) uint8 {
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	return uint8(0x100 - uint16(sum))
}

func bool2b(v bool) byte {
	if v {
		return 1
	}
	return 0
}
