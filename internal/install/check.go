// Package install validates the bit-exact ventoy install layout: the data
// partition at sector 2048, the 32 MiB FAT private partition behind it, the
// MBR boot code template and the required runtime files.
package install

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/fsapi/fatfs"
	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

const (
	dataPartStart      = 2048
	installPartSectors = 65536

	mbrCodeLen    = 0x30
	mbrCode2Off   = 0x190
	mbrCode2Len   = 16
	bootImagePath = "/ventoy/boot.img"
)

// requiredFiles must exist on the install partition.
var requiredFiles = []string{
	"/ventoy/ventoy.cpio",
	"/grub/localboot.cfg",
	"/tool/mount.exfat-fuse_aarch64",
}

// Report is the outcome of a layout check.
type Report struct {
	TableType       string
	DataStartLBA    uint64
	DataSectors     uint64
	InstallStartLBA uint64
	InstallSectors  uint64
	MBRMatch        bool
	MissingFiles    []string
}

// Check opens the device and validates the whole layout. A nil error means
// the device is a standard ventoy install.
func Check(devPath string) (*Report, error) {
	d, err := diskfs.Open(devPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vterr.ErrBadDevice, err)
	}
	defer d.Close()

	pt, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("%w: partition table: %v", vterr.ErrBadDevice, err)
	}

	rep := &Report{}
	switch t := pt.(type) {
	case *gpt.Table:
		rep.TableType = "gpt"
		if len(t.Partitions) < 2 {
			return rep, fmt.Errorf("%w: %d partitions", vterr.ErrChecksumMismatch, len(t.Partitions))
		}
		rep.DataStartLBA = t.Partitions[0].Start
		rep.DataSectors = t.Partitions[0].End - t.Partitions[0].Start + 1
		rep.InstallStartLBA = t.Partitions[1].Start
		rep.InstallSectors = t.Partitions[1].End - t.Partitions[1].Start + 1
	case *mbr.Table:
		rep.TableType = "mbr"
		if len(t.Partitions) < 2 {
			return rep, fmt.Errorf("%w: %d partitions", vterr.ErrChecksumMismatch, len(t.Partitions))
		}
		rep.DataStartLBA = uint64(t.Partitions[0].Start)
		rep.DataSectors = uint64(t.Partitions[0].Size)
		rep.InstallStartLBA = uint64(t.Partitions[1].Start)
		rep.InstallSectors = uint64(t.Partitions[1].Size)
	default:
		return rep, fmt.Errorf("%w: unsupported table %T", vterr.ErrBadDevice, t)
	}

	if rep.DataStartLBA != dataPartStart {
		return rep, fmt.Errorf("%w: data partition at %d, not %d",
			vterr.ErrChecksumMismatch, rep.DataStartLBA, dataPartStart)
	}
	if rep.InstallSectors != installPartSectors {
		return rep, fmt.Errorf("%w: install partition %d sectors, not %d",
			vterr.ErrChecksumMismatch, rep.InstallSectors, installPartSectors)
	}
	if rep.InstallStartLBA != rep.DataStartLBA+rep.DataSectors {
		return rep, fmt.Errorf("%w: install partition not adjacent to data partition",
			vterr.ErrChecksumMismatch)
	}

	f, err := os.Open(devPath)
	if err != nil {
		return rep, fmt.Errorf("%w: %v", vterr.ErrBadDevice, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return rep, fmt.Errorf("%w: %v", vterr.ErrBadDevice, err)
	}

	if err := checkContent(f, fi.Size(), rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// checkContent validates the MBR template against the install partition's
// boot.img copy and confirms the required files exist.
func checkContent(r io.ReaderAt, size int64, rep *Report) error {
	vol, err := fatfs.Open(io.NewSectionReader(r,
		int64(rep.InstallStartLBA)*blockdev.SectorSize,
		int64(rep.InstallSectors)*blockdev.SectorSize))
	if err != nil {
		return fmt.Errorf("%w: install partition not FAT: %v", vterr.ErrChecksumMismatch, err)
	}

	for _, p := range requiredFiles {
		if _, err := vol.Open(p); err != nil {
			rep.MissingFiles = append(rep.MissingFiles, p)
		}
	}
	if len(rep.MissingFiles) > 0 {
		return fmt.Errorf("%w: missing %v", vterr.ErrMissingBootResource, rep.MissingFiles)
	}

	mbrSector := make([]byte, blockdev.SectorSize)
	if _, err := r.ReadAt(mbrSector, 0); err != nil {
		return fmt.Errorf("%w: read mbr: %v", vterr.ErrBadDevice, err)
	}

	rep.MBRMatch = true
	if tmplFile, err := vol.Open(bootImagePath); err == nil {
		tmpl := make([]byte, blockdev.SectorSize)
		if _, err := tmplFile.ReadAt(tmpl, 0); err == nil {
			rep.MBRMatch = bytes.Equal(mbrSector[:mbrCodeLen], tmpl[:mbrCodeLen]) &&
				bytes.Equal(mbrSector[mbrCode2Off:mbrCode2Off+mbrCode2Len],
					tmpl[mbrCode2Off:mbrCode2Off+mbrCode2Len])
		}
	} else {
		log.Debugf("no %s on install partition, mbr template check skipped", bootImagePath)
	}
	if !rep.MBRMatch {
		return fmt.Errorf("%w: mbr boot code does not match template (sub-code 2)",
			vterr.ErrChecksumMismatch)
	}
	return nil
}
