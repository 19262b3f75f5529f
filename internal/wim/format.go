// Package wim parses enough of the Windows Imaging Format to relocate
// winpeshl.exe: header, resource headers, the lookup table and the
// LZX-compressed metadata resource. The patch never rewrites the source
// file; everything lands in override and virt records.
package wim

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the on-disk WIM header length.
const HeaderSize = 208

// Signature opens every WIM file.
var Signature = []byte("MSWIM\x00\x00\x00")

// Header flag bits.
const (
	FlagCompressXpress = 0x00020000
	FlagCompressLZX    = 0x00040000
)

// Resource header flag bits (the top byte of the packed size field).
const (
	ResFlagFree       = 0x01
	ResFlagMetadata   = 0x02
	ResFlagCompressed = 0x04
	ResFlagSpanned    = 0x08
)

// ChunkLen is the uncompressed chunk size of compressed resources.
const ChunkLen = 32768

// ResourceHeader describes one stored resource.
type ResourceHeader struct {
	SizeInWim uint64 // compressed length, 56 bits
	Flags     uint8
	Offset    uint64
	RawSize   uint64
}

const resourceHeaderSize = 24

func parseResourceHeader(b []byte) ResourceHeader {
	packed := binary.LittleEndian.Uint64(b[0:8])
	return ResourceHeader{
		SizeInWim: packed & 0x00ffffffffffffff,
		Flags:     uint8(packed >> 56),
		Offset:    binary.LittleEndian.Uint64(b[8:16]),
		RawSize:   binary.LittleEndian.Uint64(b[16:24]),
	}
}

func (r ResourceHeader) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], r.SizeInWim&0x00ffffffffffffff|uint64(r.Flags)<<56)
	binary.LittleEndian.PutUint64(b[8:16], r.Offset)
	binary.LittleEndian.PutUint64(b[16:24], r.RawSize)
}

// Compressed reports whether the resource needs chunk decompression.
func (r ResourceHeader) Compressed() bool { return r.Flags&ResFlagCompressed != 0 }

// Header is the decoded WIM header.
type Header struct {
	HeaderLen uint32
	Version   uint32
	Flags     uint32
	ChunkLen  uint32
	Guid      [16]byte
	Part      uint16
	Parts     uint16
	Images    uint32
	Lookup    ResourceHeader
	XML       ResourceHeader
	Metadata  ResourceHeader
	BootIndex uint32
	Integrity ResourceHeader

	reserved [60]byte
}

// ParseHeader decodes and validates the 208-byte header.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("wim: short header %d", len(b))
	}
	if !bytes.Equal(b[0:8], Signature) {
		return nil, fmt.Errorf("wim: bad signature")
	}
	h := &Header{
		HeaderLen: binary.LittleEndian.Uint32(b[8:12]),
		Version:   binary.LittleEndian.Uint32(b[12:16]),
		Flags:     binary.LittleEndian.Uint32(b[16:20]),
		ChunkLen:  binary.LittleEndian.Uint32(b[20:24]),
		Part:      binary.LittleEndian.Uint16(b[40:42]),
		Parts:     binary.LittleEndian.Uint16(b[42:44]),
		Images:    binary.LittleEndian.Uint32(b[44:48]),
		Lookup:    parseResourceHeader(b[48:72]),
		XML:       parseResourceHeader(b[72:96]),
		Metadata:  parseResourceHeader(b[96:120]),
		BootIndex: binary.LittleEndian.Uint32(b[120:124]),
		Integrity: parseResourceHeader(b[124:148]),
	}
	copy(h.Guid[:], b[24:40])
	copy(h.reserved[:], b[148:208])
	return h, nil
}

// Marshal re-encodes the header.
func (h *Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:8], Signature)
	binary.LittleEndian.PutUint32(b[8:12], h.HeaderLen)
	binary.LittleEndian.PutUint32(b[12:16], h.Version)
	binary.LittleEndian.PutUint32(b[16:20], h.Flags)
	binary.LittleEndian.PutUint32(b[20:24], h.ChunkLen)
	copy(b[24:40], h.Guid[:])
	binary.LittleEndian.PutUint16(b[40:42], h.Part)
	binary.LittleEndian.PutUint16(b[42:44], h.Parts)
	binary.LittleEndian.PutUint32(b[44:48], h.Images)
	h.Lookup.put(b[48:72])
	h.XML.put(b[72:96])
	h.Metadata.put(b[96:120])
	binary.LittleEndian.PutUint32(b[120:124], h.BootIndex)
	h.Integrity.put(b[124:148])
	copy(b[148:208], h.reserved[:])
	return b
}

// LookupEntrySize is the size of one lookup table record.
const LookupEntrySize = resourceHeaderSize + 2 + 4 + 20 // resource + part + refcnt + sha1

// LookupEntry is one lookup table record.
type LookupEntry struct {
	Resource ResourceHeader
	Part     uint16
	RefCnt   uint32
	Hash     [20]byte
}

func parseLookupEntry(b []byte) LookupEntry {
	e := LookupEntry{
		Resource: parseResourceHeader(b[0:24]),
		Part:     binary.LittleEndian.Uint16(b[24:26]),
		RefCnt:   binary.LittleEndian.Uint32(b[26:30]),
	}
	copy(e.Hash[:], b[30:50])
	return e
}

func (e LookupEntry) put(b []byte) {
	e.Resource.put(b[0:24])
	binary.LittleEndian.PutUint16(b[24:26], e.Part)
	binary.LittleEndian.PutUint32(b[26:30], e.RefCnt)
	copy(b[30:50], e.Hash[:])
}

// Field offsets within the fixed prefix of a metadata directory entry.
const (
	direntLenOff     = 0
	direntSubdirOff  = 16
	direntHashOff    = 64
	direntStreamsOff = 96
	direntShortOff   = 98
	direntNameLenOff = 100
	direntNameOff    = 102
	direntMinLen     = 102
)
