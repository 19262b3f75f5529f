// Package extent resolves a file on a mounted filesystem into the chunk
// list describing its runs on the raw disk. FAT, exFAT and ext enumerate
// runs directly; every other driver goes through the hooked sequential-read
// path.
package extent

import (
	"fmt"
	"io"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/fsapi"
	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

// Options adjusts resolution behavior per file type.
type Options struct {
	// LoadPrompt paints read progress for very large files.
	LoadPrompt bool

	// Remount reopens the filesystem over the given reader; required for
	// drivers without direct extent enumeration.
	Remount func(io.ReaderAt) (fsapi.Filesystem, error)

	// PartReader is the partition-relative reader backing the filesystem.
	PartReader io.ReaderAt
}

// RawImageSuffix reports whether the name is a raw-image type whose
// synthetic image is the plain file byte concatenation.
func RawImageSuffix(name string) bool {
	low := strings.ToLower(name)
	for _, s := range []string{".img", ".vhd", ".vhdx", ".vtoy"} {
		if strings.HasSuffix(low, s) {
			return true
		}
	}
	return false
}

// Resolve produces the biased, validated chunk list for path. partStartLBA
// is the partition's first 512-byte sector on the raw disk.
func Resolve(fs fsapi.Filesystem, path string, partStartLBA uint64, opt Options) (*chunk.List, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	size := f.Size()

	var list *chunk.List
	if ef, ok := f.(fsapi.ExtentFile); ok {
		list, err = fromExtents(ef)
	} else {
		list, err = fromHookedRead(path, size, opt)
	}
	if err != nil {
		return nil, 0, err
	}

	list.Bias(partStartLBA)

	if fs.Kind() == blockdev.FSUdf || RawImageSuffix(path) {
		// UDF drivers emit short runs; raw images must be byte-contiguous.
		list.Renumber()
	}

	if err := CheckBlockList(list, size, partStartLBA); err != nil {
		return nil, 0, err
	}
	return list, size, nil
}

// fromExtents converts driver-enumerated runs.
func fromExtents(f fsapi.ExtentFile) (*chunk.List, error) {
	extents, err := f.Extents()
	if err != nil {
		return nil, fmt.Errorf("enumerate extents: %w", err)
	}
	list := chunk.NewList()
	for _, e := range extents {
		list.AppendDiskRun(e.StartSector, e.Sectors)
	}
	return list, nil
}

// fromHookedRead reads the whole file sequentially while a recorder wrapped
// around the partition reader captures every data read the driver issues.
func fromHookedRead(path string, size int64, opt Options) (*chunk.List, error) {
	if opt.Remount == nil || opt.PartReader == nil {
		return nil, fmt.Errorf("%w: driver has no extent support and no remount hook", vterr.ErrUnsupportedFS)
	}
	rec := newRecorder(opt.PartReader)
	hfs, err := opt.Remount(rec)
	if err != nil {
		return nil, fmt.Errorf("remount for hook: %w", err)
	}
	hf, err := hfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hooked open: %w", err)
	}

	var bar *progressbar.ProgressBar
	if opt.LoadPrompt {
		bar = progressbar.DefaultBytes(size, "loading")
	}

	rec.arm()
	buf := make([]byte, 4<<20)
	var off int64
	for off < size {
		want := int64(len(buf))
		if rem := size - off; rem < want {
			want = rem
		}
		n, err := hf.ReadAt(buf[:want], off)
		if n == 0 && err != nil {
			return nil, fmt.Errorf("hooked read at %d: %w", off, err)
		}
		off += int64(n)
		if bar != nil {
			_ = bar.Add(n)
		}
	}
	return rec.list, nil
}

// CheckBlockList validates the chunk list against the file size and the
// partition start. A single missing tail sector is tolerated when the size
// is not sector aligned.
func CheckBlockList(list *chunk.List, size int64, partStartLBA uint64) error {
	for i, c := range list.Slice() {
		if c.DiskStartSector <= partStartLBA {
			log.Debugf("chunk %d disk start %d inside partition start %d", i, c.DiskStartSector, partStartLBA)
			return fmt.Errorf("%w: chunk %d below partition start", vterr.ErrUnsupportedExtents, i)
		}
	}
	total := list.TotalDiskSectors()
	fileblk := (uint64(size) + 511) / 512
	if total != fileblk {
		if size%512 != 0 && total+1 == fileblk {
			return nil
		}
		log.Debugf("invalid total %d fileblk %d", total, fileblk)
		return fmt.Errorf("%w: covered %d of %d sectors", vterr.ErrUnsupportedExtents, total, fileblk)
	}
	return nil
}
