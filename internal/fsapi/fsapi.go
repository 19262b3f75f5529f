// Package fsapi is the minimal read interface the image-boot core consumes
// from filesystem drivers. Drivers see the partition as an io.ReaderAt whose
// offset zero is the partition start; all extent results are
// partition-relative 512-byte sectors.
package fsapi

import (
	"io"

	"github.com/ventoy/vtoycore/internal/blockdev"
)

// DirEntry is one directory listing result.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// File is an open file on a mounted filesystem.
type File interface {
	io.ReaderAt
	Size() int64
}

// Extent is a contiguous run of partition-relative 512-byte sectors.
type Extent struct {
	StartSector uint64
	Sectors     uint64
}

// ExtentFile is implemented by drivers that can enumerate a file's on-disk
// runs directly (FAT, exFAT, ext). Other drivers fall back to the
// hooked-read path in the extent resolver.
type ExtentFile interface {
	File
	Extents() ([]Extent, error)
}

// Filesystem is a mounted read-only filesystem.
type Filesystem interface {
	Kind() blockdev.FSKind
	Label() string
	Open(path string) (File, error)
	ReadDir(path string) ([]DirEntry, error)
}
