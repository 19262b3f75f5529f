// Package mount maps a probed filesystem kind to its read driver.
package mount

import (
	"fmt"
	"io"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/fsapi"
	"github.com/ventoy/vtoycore/internal/fsapi/exfatfs"
	"github.com/ventoy/vtoycore/internal/fsapi/extfs"
	"github.com/ventoy/vtoycore/internal/fsapi/fatfs"
	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/vterr"
)

// Mount opens the driver for kind over a partition-relative reader.
// NTFS and XFS have no in-tree read driver; resolving files on them needs an
// external fsapi implementation.
func Mount(kind blockdev.FSKind, r io.ReaderAt, size int64) (fsapi.Filesystem, error) {
	switch kind {
	case blockdev.FSFat:
		return fatfs.Open(r)
	case blockdev.FSExfat:
		return exfatfs.Open(r, size)
	case blockdev.FSExt:
		return extfs.Open(r)
	case blockdev.FSIso9660, blockdev.FSUdf:
		return isofs.Open(r, size)
	default:
		return nil, fmt.Errorf("%w: no driver for %s", vterr.ErrUnsupportedFS, kind)
	}
}

// Probe sniffs and mounts in one step.
func Probe(r io.ReaderAt, size int64) (fsapi.Filesystem, blockdev.FSKind, error) {
	kind, err := blockdev.ProbeFS(r)
	if err != nil {
		return nil, "", err
	}
	fs, err := Mount(kind, r, size)
	if err != nil {
		return nil, kind, err
	}
	return fs, kind, nil
}
