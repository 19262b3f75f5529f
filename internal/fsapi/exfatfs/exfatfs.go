// Package exfatfs adapts the dsoprea go-exfat reader to the fsapi surface
// and enumerates file cluster runs for the extent resolver.
package exfatfs

import (
	"fmt"
	"io"
	"strings"

	exfat "github.com/dsoprea/go-exfat"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/fsapi"
)

// Volume is a mounted exFAT filesystem.
type Volume struct {
	er   *exfat.ExfatReader
	tree *exfat.Tree
	raw  io.ReaderAt

	heapByteOff  int64
	clusterBytes int64
	sectorSize   int64
}

// Open mounts the exFAT volume found at offset zero of r.
func Open(r io.ReaderAt, size int64) (*Volume, error) {
	er := exfat.NewExfatReader(io.NewSectionReader(r, 0, size))
	if err := er.Parse(); err != nil {
		return nil, fmt.Errorf("exfat: parse: %w", err)
	}
	tree := exfat.NewTree(er)
	if err := tree.Load(); err != nil {
		return nil, fmt.Errorf("exfat: load tree: %w", err)
	}
	bsh := er.ActiveBootRegion()
	v := &Volume{
		er:         er,
		tree:       tree,
		raw:        r,
		sectorSize: int64(bsh.SectorSize()),
	}
	v.clusterBytes = int64(bsh.SectorsPerCluster()) * v.sectorSize
	v.heapByteOff = int64(bsh.ClusterHeapOffset) * v.sectorSize
	return v, nil
}

// Kind implements fsapi.Filesystem.
func (v *Volume) Kind() blockdev.FSKind { return blockdev.FSExfat }

// Label implements fsapi.Filesystem. go-exfat exposes the label through the
// volume-label directory entry; an empty label is fine for our callers.
func (v *Volume) Label() string { return "" }

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ReadDir implements fsapi.Filesystem.
func (v *Volume) ReadDir(dir string) ([]fsapi.DirEntry, error) {
	node, err := v.lookup(splitPath(dir))
	if err != nil {
		return nil, err
	}
	var out []fsapi.DirEntry
	for _, name := range node.ChildFolders() {
		out = append(out, fsapi.DirEntry{Name: name, IsDir: true})
	}
	for _, name := range node.ChildFiles() {
		var size int64
		if c := node.GetChild(name); c != nil && c.StreamDirectoryEntry() != nil {
			size = int64(c.StreamDirectoryEntry().ValidDataLength)
		}
		out = append(out, fsapi.DirEntry{Name: name, Size: size})
	}
	return out, nil
}

func (v *Volume) lookup(parts []string) (*exfat.TreeNode, error) {
	node, err := v.tree.Lookup(parts)
	if err != nil {
		return nil, fmt.Errorf("exfat: lookup %v: %w", parts, err)
	}
	if node == nil {
		return nil, fmt.Errorf("exfat: %v not found", parts)
	}
	return node, nil
}

// Open implements fsapi.Filesystem. Returned files satisfy
// fsapi.ExtentFile.
func (v *Volume) Open(path string) (fsapi.File, error) {
	node, err := v.lookup(splitPath(path))
	if err != nil {
		return nil, err
	}
	if node.IsDirectory() {
		return nil, fmt.Errorf("exfat: %s is a directory", path)
	}
	sede := node.StreamDirectoryEntry()
	if sede == nil {
		return nil, fmt.Errorf("exfat: %s has no stream entry", path)
	}
	return &file{vol: v, sede: sede}, nil
}

type file struct {
	vol  *Volume
	sede *exfat.ExfatStreamExtensionDirectoryEntry

	extents []fsapi.Extent // cached
}

func (f *file) Size() int64 { return int64(f.sede.ValidDataLength) }

// Extents returns the file's cluster runs in partition-relative 512-byte
// sectors. A NoFatChain stream is one contiguous run; otherwise the FAT
// chain is walked.
func (f *file) Extents() ([]fsapi.Extent, error) {
	if f.extents != nil {
		return f.extents, nil
	}
	v := f.vol
	size := int64(f.sede.ValidDataLength)
	if size == 0 || f.sede.FirstCluster < 2 {
		return nil, nil
	}
	clusters := (size + v.clusterBytes - 1) / v.clusterBytes
	clusSectors := uint64(v.clusterBytes / 512)

	var out []fsapi.Extent
	appendCluster := func(n uint32) {
		start := uint64(v.clusterByteOff(n)) / 512
		if ln := len(out); ln > 0 && out[ln-1].StartSector+out[ln-1].Sectors == start {
			out[ln-1].Sectors += clusSectors
		} else {
			out = append(out, fsapi.Extent{StartSector: start, Sectors: clusSectors})
		}
	}

	if f.sede.GeneralSecondaryFlags.NoFatChain() {
		for i := int64(0); i < clusters; i++ {
			appendCluster(f.sede.FirstCluster + uint32(i))
		}
	} else {
		var visited int64
		err := v.er.EnumerateClusters(f.sede.FirstCluster, func(ec *exfat.ExfatCluster) (bool, error) {
			appendCluster(ec.ClusterNumber())
			visited++
			return visited < clusters, nil
		}, true)
		if err != nil {
			return nil, fmt.Errorf("exfat: cluster chain: %w", err)
		}
	}

	// Trim the tail run to the file's sector count.
	want := (uint64(size) + 511) / 512
	var have uint64
	for i := range out {
		if have+out[i].Sectors >= want {
			out[i].Sectors = want - have
			out = out[:i+1]
			break
		}
		have += out[i].Sectors
	}
	f.extents = out
	return out, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.Size() {
		return 0, io.EOF
	}
	extents, err := f.Extents()
	if err != nil {
		return 0, err
	}
	total := 0
	pos := off
	for total < len(p) && pos < f.Size() {
		diskOff, run, ok := locate(extents, pos)
		if !ok {
			return total, fmt.Errorf("exfat: offset %d beyond extents", pos)
		}
		want := run
		if rem := int64(len(p) - total); rem < want {
			want = rem
		}
		if rem := f.Size() - pos; rem < want {
			want = rem
		}
		n, rerr := f.vol.partReadAt(p[total:total+int(want)], diskOff)
		total += n
		pos += int64(n)
		if rerr != nil && rerr != io.EOF {
			return total, rerr
		}
		if n == 0 {
			break
		}
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// locate maps a logical byte offset to (partition byte offset, bytes left in
// the containing run).
func locate(extents []fsapi.Extent, off int64) (int64, int64, bool) {
	var logical int64
	for _, e := range extents {
		bytes := int64(e.Sectors) * 512
		if off < logical+bytes {
			delta := off - logical
			return int64(e.StartSector)*512 + delta, bytes - delta, true
		}
		logical += bytes
	}
	return 0, 0, false
}

func (v *Volume) clusterByteOff(n uint32) int64 {
	return v.heapByteOff + int64(n-2)*v.clusterBytes
}

// partReadAt reads raw partition bytes from the reader the volume was opened
// over.
func (v *Volume) partReadAt(p []byte, off int64) (int, error) {
	return v.raw.ReadAt(p, off)
}
