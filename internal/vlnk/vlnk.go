// Package vlnk resolves virtual link files: 32 KiB marker files whose
// payload names a file on another partition. Opens of the link are
// transparently redirected to the target.
package vlnk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/fsapi"
	"github.com/ventoy/vtoycore/internal/fsapi/mount"
	"github.com/ventoy/vtoycore/internal/osparam"
	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

// FileSize is the exact size of a vlnk file.
const FileSize = 32768

const (
	headerSize = 32
	pathSize   = 384
	// RecordSize covers the fields the CRC protects.
	RecordSize = headerSize + pathSize
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is the decoded vlnk payload.
type Record struct {
	DiskSignature uint32
	PartOffset    uint64 // partition start in bytes on the target disk
	Path          string
}

// Parse validates the guid and CRC and decodes the record. Data must hold
// at least RecordSize bytes.
func Parse(data []byte) (*Record, error) {
	if len(data) < RecordSize {
		return nil, fmt.Errorf("vlnk: short record %d", len(data))
	}
	if [16]byte(data[0:16]) != osparam.Guid {
		return nil, fmt.Errorf("vlnk: %w: guid", vterr.ErrChecksumMismatch)
	}
	stored := binary.LittleEndian.Uint32(data[16:20])
	scratch := make([]byte, RecordSize)
	copy(scratch, data[:RecordSize])
	scratch[16], scratch[17], scratch[18], scratch[19] = 0, 0, 0, 0
	if crc32.Checksum(scratch, castagnoli) != stored {
		return nil, fmt.Errorf("vlnk: %w: crc32c", vterr.ErrChecksumMismatch)
	}
	rec := &Record{
		DiskSignature: binary.LittleEndian.Uint32(data[20:24]),
		PartOffset:    binary.LittleEndian.Uint64(data[24:32]),
	}
	path := data[headerSize:RecordSize]
	for i, b := range path {
		if b == 0 {
			path = path[:i]
			break
		}
	}
	rec.Path = string(path)
	if rec.Path == "" {
		return nil, fmt.Errorf("vlnk: empty target path")
	}
	return rec, nil
}

// Marshal encodes a record into a full vlnk file image.
func Marshal(rec *Record) ([]byte, error) {
	if len(rec.Path) >= pathSize {
		return nil, fmt.Errorf("vlnk: path too long")
	}
	data := make([]byte, FileSize)
	copy(data[0:16], osparam.Guid[:])
	binary.LittleEndian.PutUint32(data[20:24], rec.DiskSignature)
	binary.LittleEndian.PutUint64(data[24:32], rec.PartOffset)
	copy(data[headerSize:], rec.Path)
	crc := crc32.Checksum(data[:RecordSize], castagnoli)
	binary.LittleEndian.PutUint32(data[16:20], crc)
	return data, nil
}

// Suffix reports whether name carries a vlnk suffix (".vlnk.<imgext>") and
// returns the effective suffix.
func Suffix(name string) (string, bool) {
	low := strings.ToLower(name)
	i := strings.Index(low, ".vlnk.")
	if i < 0 {
		return "", false
	}
	ext := low[i+5:] // ".iso" etc.
	switch ext {
	case ".iso", ".wim", ".efi", ".img", ".vhd", ".vhdx", ".vtoy":
		return ext, true
	}
	return "", false
}

// partEntry is one cached candidate partition.
type partEntry struct {
	DiskName   string
	DiskSig    uint32
	PartOffset uint64
	Part       blockdev.Partition
}

// Target is a resolved vlnk destination.
type Target struct {
	DiskName string
	Part     blockdev.Partition
	FS       fsapi.Filesystem
	Path     string
	Size     int64
}

// Resolver matches vlnk records against all other disks' partitions. The
// partition index is built lazily on first use and kept for the session.
type Resolver struct {
	// ListDisks names candidate disks; injectable for tests.
	ListDisks func() []string

	// SelfSignature is the ventoy install disk's MBR signature; its
	// partitions are never vlnk targets.
	SelfSignature uint32

	cache   []partEntry
	rewrite map[string]*Target
}

// NewResolver builds a resolver bound to the install disk signature.
func NewResolver(selfSig uint32, listDisks func() []string) *Resolver {
	return &Resolver{
		ListDisks:     listDisks,
		SelfSignature: selfSig,
		rewrite:       make(map[string]*Target),
	}
}

// Add parses record data read from linkPath and registers the rewrite rule.
func (r *Resolver) Add(linkPath string, data []byte) error {
	rec, err := Parse(data)
	if err != nil {
		return err
	}
	t, err := r.resolve(rec)
	if err != nil {
		return err
	}
	r.rewrite[linkPath] = t
	log.Debugf("vlnk %s -> %s on %s", linkPath, t.Path, t.DiskName)
	return nil
}

// Lookup returns the target registered for linkPath, if any.
func (r *Resolver) Lookup(linkPath string) (*Target, bool) {
	t, ok := r.rewrite[linkPath]
	return t, ok
}

func (r *Resolver) resolve(rec *Record) (*Target, error) {
	if err := r.buildCache(); err != nil {
		return nil, err
	}
	for _, e := range r.cache {
		if e.DiskSig != rec.DiskSignature || e.PartOffset != rec.PartOffset {
			continue
		}
		d, err := blockdev.Open(e.DiskName)
		if err != nil {
			continue
		}
		pr := d.PartReaderAt(e.Part)
		fs, _, err := mount.Probe(pr, d.Size-e.Part.Offset())
		if err != nil {
			d.Close()
			continue
		}
		f, err := fs.Open(rec.Path)
		if err != nil {
			d.Close()
			continue
		}
		return &Target{
			DiskName: e.DiskName,
			Part:     e.Part,
			FS:       fs,
			Path:     rec.Path,
			Size:     f.Size(),
		}, nil
	}
	return nil, fmt.Errorf("%w: vlnk target %08x@%d not found",
		vterr.ErrBadDevice, rec.DiskSignature, rec.PartOffset)
}

// buildCache walks every disk and partition once.
func (r *Resolver) buildCache() error {
	if r.cache != nil {
		return nil
	}
	r.cache = []partEntry{}
	blockdev.IterateDisks(r.ListDisks(), func(d *blockdev.Disk) bool {
		if d.DiskSignature == r.SelfSignature {
			return true
		}
		for _, p := range d.Partitions {
			r.cache = append(r.cache, partEntry{
				DiskName:   d.Name,
				DiskSig:    d.DiskSignature,
				PartOffset: uint64(p.Offset()),
				Part:       p,
			})
		}
		return true
	})
	return nil
}
