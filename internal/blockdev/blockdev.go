// Package blockdev reads sectors from an underlying disk or disk image,
// exposes its partitions, and probes partition filesystem types. Reads are
// deterministic and idempotent; the caller serializes access.
package blockdev

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

// SectorSize is the logical sector size assumed for all disks.
const SectorSize = 512

// Disk is an open raw disk or disk image.
type Disk struct {
	Name          string
	Size          int64
	DiskSignature uint32   // MBR disk signature at 0x1b8
	DiskGuid      [16]byte // GPT disk GUID, zero for pure MBR
	TableType     string   // "mbr" or "gpt"
	Partitions    []Partition

	r      io.ReaderAt
	closer io.Closer
}

// Partition is one entry of the disk's partition table.
type Partition struct {
	Index    int // 1-based
	StartLBA uint64
	Sectors  uint64
	Type     byte     // MBR type id, 0xEE under GPT
	PartGuid [16]byte // GPT unique partition GUID
}

// Offset returns the partition start in bytes.
func (p Partition) Offset() int64 { return int64(p.StartLBA) * SectorSize }

// Open opens a device node or image file read-only and parses its partition
// table.
func Open(name string) (*Disk, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", vterr.ErrBadDevice, name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", vterr.ErrBadDevice, name, err)
	}
	d, err := FromReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	d.Name = name
	d.closer = f
	return d, nil
}

// FromReader builds a Disk over an arbitrary ReaderAt (tests use in-memory
// images).
func FromReader(r io.ReaderAt, size int64) (*Disk, error) {
	d := &Disk{Size: size, r: r}
	if err := d.parseTable(); err != nil {
		return nil, err
	}
	return d, nil
}

// Close releases the backing file, if any.
func (d *Disk) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// ReadSectors reads count 512-byte sectors starting at lba.
func (d *Disk) ReadSectors(lba, count uint64, out []byte) error {
	need := int(count) * SectorSize
	if len(out) < need {
		return fmt.Errorf("short buffer: %d < %d", len(out), need)
	}
	if _, err := d.r.ReadAt(out[:need], int64(lba)*SectorSize); err != nil {
		return fmt.Errorf("%w: read lba %d: %v", vterr.ErrBadDevice, lba, err)
	}
	return nil
}

// ReaderAt exposes the raw disk bytes.
func (d *Disk) ReaderAt() io.ReaderAt { return d.r }

// SizeSectors returns the disk size in 512-byte sectors.
func (d *Disk) SizeSectors() uint64 { return uint64(d.Size) / SectorSize }

// PartReaderAt returns a ReaderAt positioned at the partition start.
func (d *Disk) PartReaderAt(p Partition) io.ReaderAt {
	return io.NewSectionReader(d.r, p.Offset(), d.Size-p.Offset())
}

// FindPartition returns the 1-based partition, or an error.
func (d *Disk) FindPartition(index int) (Partition, error) {
	for _, p := range d.Partitions {
		if p.Index == index {
			return p, nil
		}
	}
	return Partition{}, fmt.Errorf("%w: partition %d on %s", vterr.ErrBadDevice, index, d.Name)
}

// GuidString formats the GPT disk GUID.
func (d *Disk) GuidString() string {
	u, err := uuid.FromBytes(mixedToRFC(d.DiskGuid))
	if err != nil {
		return ""
	}
	return u.String()
}

const (
	mbrSignatureOff = 0x1fe
	mbrDiskSigOff   = 0x1b8
	mbrTableOff     = 0x1be
	gptTypeID       = 0xee
)

func (d *Disk) parseTable() error {
	sector := make([]byte, SectorSize)
	if _, err := d.r.ReadAt(sector, 0); err != nil {
		return fmt.Errorf("%w: read mbr: %v", vterr.ErrBadDevice, err)
	}
	if binary.LittleEndian.Uint16(sector[mbrSignatureOff:]) != 0xaa55 {
		return fmt.Errorf("%w: no mbr signature", vterr.ErrBadDevice)
	}
	d.DiskSignature = binary.LittleEndian.Uint32(sector[mbrDiskSigOff:])

	gpt := false
	for i := 0; i < 4; i++ {
		e := sector[mbrTableOff+i*16 : mbrTableOff+(i+1)*16]
		ptype := e[4]
		start := binary.LittleEndian.Uint32(e[8:12])
		count := binary.LittleEndian.Uint32(e[12:16])
		if ptype == gptTypeID {
			gpt = true
			break
		}
		if ptype == 0 || count == 0 {
			continue
		}
		d.Partitions = append(d.Partitions, Partition{
			Index:    len(d.Partitions) + 1,
			StartLBA: uint64(start),
			Sectors:  uint64(count),
			Type:     ptype,
		})
	}
	if gpt {
		d.TableType = "gpt"
		d.Partitions = nil
		return d.parseGPT()
	}
	d.TableType = "mbr"
	return nil
}

// parseGPT reads the primary GPT header at LBA 1 and its entry array.
func (d *Disk) parseGPT() error {
	hdr := make([]byte, SectorSize)
	if _, err := d.r.ReadAt(hdr, SectorSize); err != nil {
		return fmt.Errorf("%w: read gpt header: %v", vterr.ErrBadDevice, err)
	}
	if string(hdr[0:8]) != "EFI PART" {
		return fmt.Errorf("%w: no gpt header behind protective mbr", vterr.ErrBadDevice)
	}
	copy(d.DiskGuid[:], hdr[56:72])
	entryLBA := binary.LittleEndian.Uint64(hdr[72:80])
	numEntries := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])
	if entrySize < 128 || numEntries > 1024 {
		return fmt.Errorf("%w: bad gpt entry geometry %d/%d", vterr.ErrBadDevice, entrySize, numEntries)
	}

	buf := make([]byte, int(numEntries)*int(entrySize))
	if _, err := d.r.ReadAt(buf, int64(entryLBA)*SectorSize); err != nil {
		return fmt.Errorf("%w: read gpt entries: %v", vterr.ErrBadDevice, err)
	}
	for i := 0; i < int(numEntries); i++ {
		e := buf[i*int(entrySize) : (i+1)*int(entrySize)]
		var typeGuid [16]byte
		copy(typeGuid[:], e[0:16])
		if typeGuid == ([16]byte{}) {
			continue
		}
		first := binary.LittleEndian.Uint64(e[32:40])
		last := binary.LittleEndian.Uint64(e[40:48])
		p := Partition{
			Index:    len(d.Partitions) + 1,
			StartLBA: first,
			Sectors:  last - first + 1,
			Type:     gptTypeID,
		}
		copy(p.PartGuid[:], e[16:32])
		d.Partitions = append(d.Partitions, p)
	}
	log.Debugf("gpt: %d partitions on %s", len(d.Partitions), d.Name)
	return nil
}

// IterateDisks opens every disk named by the platform enumerator and calls
// cb until it returns false. The enumerator is injectable for tests.
func IterateDisks(names []string, cb func(*Disk) bool) {
	for _, n := range names {
		d, err := Open(n)
		if err != nil {
			log.Debugf("skip disk %s: %v", n, err)
			continue
		}
		cont := cb(d)
		d.Close()
		if !cont {
			return
		}
	}
}

// mixedToRFC converts the GPT on-disk GUID (mixed endianness) to RFC 4122
// byte order for uuid.FromBytes.
func mixedToRFC(g [16]byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = g[3], g[2], g[1], g[0]
	out[4], out[5] = g[5], g[4]
	out[6], out[7] = g[7], g[6]
	copy(out[8:], g[8:])
	return out
}
