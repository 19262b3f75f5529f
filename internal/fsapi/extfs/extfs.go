// Package extfs is a raw ext2/3/4 read driver over an io.ReaderAt. It walks
// the on-disk structures directly because the core needs the physical block
// runs of a file, which no mounted-filesystem API exposes.
package extfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/fsapi"
)

const (
	sbOffset       = 1024
	sbMagic        = 0xef53
	rootInode      = 2
	extentsFlag    = 0x80000
	extentMagic    = 0xf30a
	incompat64Bit  = 0x80
	oldInodeSize   = 128
	dirEntTypeDir  = 2
	maxExtentDepth = 6
)

// Volume is a mounted ext filesystem.
type Volume struct {
	r io.ReaderAt

	blockSize      int64
	inodesPerGroup uint32
	inodeSize      int64
	descSize       int64
	gdtStart       int64
	label          string
}

// Open parses the superblock at offset 1024 of r.
func Open(r io.ReaderAt) (*Volume, error) {
	sb := make([]byte, 1024)
	if _, err := r.ReadAt(sb, sbOffset); err != nil {
		return nil, fmt.Errorf("ext: read superblock: %w", err)
	}
	if binary.LittleEndian.Uint16(sb[56:58]) != sbMagic {
		return nil, fmt.Errorf("ext: superblock magic mismatch")
	}
	v := &Volume{r: r}
	v.blockSize = int64(1024) << binary.LittleEndian.Uint32(sb[24:28])
	v.inodesPerGroup = binary.LittleEndian.Uint32(sb[40:44])
	v.inodeSize = oldInodeSize
	if rev := binary.LittleEndian.Uint32(sb[76:80]); rev >= 1 {
		v.inodeSize = int64(binary.LittleEndian.Uint16(sb[88:90]))
	}
	v.descSize = 32
	if binary.LittleEndian.Uint32(sb[96:100])&incompat64Bit != 0 {
		if ds := binary.LittleEndian.Uint16(sb[254:256]); ds >= 32 {
			v.descSize = int64(ds)
		}
	}
	v.label = strings.TrimRight(string(sb[120:136]), "\x00")

	// The group descriptor table follows the block containing the superblock.
	if v.blockSize == 1024 {
		v.gdtStart = 2 * 1024
	} else {
		v.gdtStart = v.blockSize
	}
	if v.inodesPerGroup == 0 || v.inodeSize == 0 {
		return nil, fmt.Errorf("ext: bad superblock geometry")
	}
	return v, nil
}

// Kind implements fsapi.Filesystem.
func (v *Volume) Kind() blockdev.FSKind { return blockdev.FSExt }

// Label implements fsapi.Filesystem.
func (v *Volume) Label() string { return v.label }

type inode struct {
	mode  uint16
	size  int64
	flags uint32
	block [60]byte
}

func (ino *inode) isDir() bool { return ino.mode&0xf000 == 0x4000 }

func (v *Volume) readInode(n uint32) (*inode, error) {
	if n == 0 {
		return nil, fmt.Errorf("ext: inode 0")
	}
	group := (n - 1) / v.inodesPerGroup
	index := (n - 1) % v.inodesPerGroup

	desc := make([]byte, v.descSize)
	if _, err := v.r.ReadAt(desc, v.gdtStart+int64(group)*v.descSize); err != nil {
		return nil, fmt.Errorf("ext: read group desc %d: %w", group, err)
	}
	tableBlock := uint64(binary.LittleEndian.Uint32(desc[8:12]))
	if v.descSize >= 64 {
		tableBlock |= uint64(binary.LittleEndian.Uint32(desc[40:44])) << 32
	}

	raw := make([]byte, v.inodeSize)
	off := int64(tableBlock)*v.blockSize + int64(index)*v.inodeSize
	if _, err := v.r.ReadAt(raw, off); err != nil {
		return nil, fmt.Errorf("ext: read inode %d: %w", n, err)
	}
	ino := &inode{
		mode:  binary.LittleEndian.Uint16(raw[0:2]),
		size:  int64(binary.LittleEndian.Uint32(raw[4:8])),
		flags: binary.LittleEndian.Uint32(raw[32:36]),
	}
	if v.inodeSize > 108 {
		ino.size |= int64(binary.LittleEndian.Uint32(raw[108:112])) << 32
	}
	copy(ino.block[:], raw[40:100])
	return ino, nil
}

// run is a stretch of contiguous physical blocks; fileRuns returns a file's
// blocks merged into runs.
type run struct {
	start uint64 // block number
	count uint64
}

func (v *Volume) fileRuns(ino *inode) ([]run, error) {
	if ino.flags&extentsFlag != 0 {
		var out []run
		if err := v.walkExtents(ino.block[:], 0, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return v.walkBlockMap(ino)
}

func appendRun(out *[]run, start, count uint64) {
	if n := len(*out); n > 0 && (*out)[n-1].start+(*out)[n-1].count == start {
		(*out)[n-1].count += count
		return
	}
	*out = append(*out, run{start: start, count: count})
}

// walkExtents descends an ext4 extent tree node.
func (v *Volume) walkExtents(node []byte, depth int, out *[]run) error {
	if depth > maxExtentDepth {
		return fmt.Errorf("ext: extent tree too deep")
	}
	if binary.LittleEndian.Uint16(node[0:2]) != extentMagic {
		return fmt.Errorf("ext: bad extent magic")
	}
	entries := int(binary.LittleEndian.Uint16(node[2:4]))
	treeDepth := binary.LittleEndian.Uint16(node[6:8])

	for i := 0; i < entries; i++ {
		e := node[12+i*12 : 24+i*12]
		if treeDepth == 0 {
			length := uint64(binary.LittleEndian.Uint16(e[4:6]))
			if length > 32768 { // uninitialized extent
				length -= 32768
			}
			start := uint64(binary.LittleEndian.Uint16(e[6:8]))<<32 |
				uint64(binary.LittleEndian.Uint32(e[8:12]))
			appendRun(out, start, length)
			continue
		}
		child := uint64(binary.LittleEndian.Uint32(e[4:8])) |
			uint64(binary.LittleEndian.Uint16(e[8:10]))<<32
		buf := make([]byte, v.blockSize)
		if _, err := v.r.ReadAt(buf, int64(child)*v.blockSize); err != nil {
			return fmt.Errorf("ext: read extent block %d: %w", child, err)
		}
		if err := v.walkExtents(buf, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}

// walkBlockMap handles the classic ext2/3 direct/indirect block map.
func (v *Volume) walkBlockMap(ino *inode) ([]run, error) {
	var out []run
	blocks := (ino.size + v.blockSize - 1) / v.blockSize
	perBlock := v.blockSize / 4
	var visited int64

	add := func(n uint32) {
		if n != 0 {
			appendRun(&out, uint64(n), 1)
		}
		visited++
	}

	var walkIndirect func(block uint32, level int) error
	walkIndirect = func(block uint32, level int) error {
		if block == 0 || visited >= blocks {
			visited += pow(perBlock, level)
			return nil
		}
		buf := make([]byte, v.blockSize)
		if _, err := v.r.ReadAt(buf, int64(block)*v.blockSize); err != nil {
			return err
		}
		for i := int64(0); i < perBlock && visited < blocks; i++ {
			n := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
			if level == 1 {
				add(n)
			} else if err := walkIndirect(n, level-1); err != nil {
				return err
			}
		}
		return nil
	}

	for i := 0; i < 12 && visited < blocks; i++ {
		add(binary.LittleEndian.Uint32(ino.block[i*4 : i*4+4]))
	}
	for level := 1; level <= 3 && visited < blocks; level++ {
		n := binary.LittleEndian.Uint32(ino.block[(11+level)*4 : (12+level)*4])
		if err := walkIndirect(n, level); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func pow(base int64, exp int) int64 {
	out := int64(1)
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// lookup resolves a path to an inode number.
func (v *Volume) lookup(path string) (uint32, *inode, error) {
	cur := uint32(rootInode)
	ino, err := v.readInode(cur)
	if err != nil {
		return 0, nil, err
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if !ino.isDir() {
			return 0, nil, fmt.Errorf("ext: %s: not a directory", part)
		}
		next, err := v.findInDir(ino, part)
		if err != nil {
			return 0, nil, err
		}
		cur = next
		if ino, err = v.readInode(cur); err != nil {
			return 0, nil, err
		}
	}
	return cur, ino, nil
}

func (v *Volume) findInDir(dir *inode, name string) (uint32, error) {
	var found uint32
	err := v.iterDir(dir, func(ino uint32, entName string, isDir bool) bool {
		if entName == name {
			found = ino
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, os.ErrNotExist
	}
	return found, nil
}

func (v *Volume) iterDir(dir *inode, cb func(ino uint32, name string, isDir bool) bool) error {
	data, err := v.readWhole(dir)
	if err != nil {
		return err
	}
	for off := 0; off+8 <= len(data); {
		ino := binary.LittleEndian.Uint32(data[off : off+4])
		recLen := int(binary.LittleEndian.Uint16(data[off+4 : off+6]))
		nameLen := int(data[off+6])
		ftype := data[off+7]
		if recLen < 8 {
			break
		}
		if ino != 0 && nameLen > 0 && off+8+nameLen <= len(data) {
			name := string(data[off+8 : off+8+nameLen])
			if !cb(ino, name, ftype == dirEntTypeDir) {
				return nil
			}
		}
		off += recLen
	}
	return nil
}

func (v *Volume) readWhole(ino *inode) ([]byte, error) {
	runs, err := v.fileRuns(ino)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, ino.size)
	for _, r := range runs {
		buf := make([]byte, int64(r.count)*v.blockSize)
		if _, err := v.r.ReadAt(buf, int64(r.start)*v.blockSize); err != nil && err != io.EOF {
			return nil, err
		}
		out = append(out, buf...)
	}
	if int64(len(out)) > ino.size {
		out = out[:ino.size]
	}
	return out, nil
}

// ReadDir implements fsapi.Filesystem.
func (v *Volume) ReadDir(dir string) ([]fsapi.DirEntry, error) {
	_, ino, err := v.lookup(dir)
	if err != nil {
		return nil, err
	}
	if !ino.isDir() {
		return nil, fmt.Errorf("ext: %s is not a directory", dir)
	}
	var out []fsapi.DirEntry
	err = v.iterDir(ino, func(n uint32, name string, isDir bool) bool {
		if name == "." || name == ".." {
			return true
		}
		e := fsapi.DirEntry{Name: name, IsDir: isDir}
		if !isDir {
			if child, err := v.readInode(n); err == nil {
				e.Size = child.size
			}
		}
		out = append(out, e)
		return true
	})
	return out, err
}

// Open implements fsapi.Filesystem. Returned files satisfy
// fsapi.ExtentFile.
func (v *Volume) Open(path string) (fsapi.File, error) {
	_, ino, err := v.lookup(path)
	if err != nil {
		return nil, err
	}
	if ino.isDir() {
		return nil, fmt.Errorf("ext: %s is a directory", path)
	}
	return &file{vol: v, ino: ino}, nil
}

type file struct {
	vol *Volume
	ino *inode
}

func (f *file) Size() int64 { return f.ino.size }

// Extents converts block runs to partition-relative 512-byte sector runs,
// trimmed to the file's sector count.
func (f *file) Extents() ([]fsapi.Extent, error) {
	runs, err := f.vol.fileRuns(f.ino)
	if err != nil {
		return nil, err
	}
	secPerBlock := uint64(f.vol.blockSize / 512)
	out := make([]fsapi.Extent, 0, len(runs))
	for _, r := range runs {
		start := r.start * secPerBlock
		if n := len(out); n > 0 && out[n-1].StartSector+out[n-1].Sectors == start {
			out[n-1].Sectors += r.count * secPerBlock
		} else {
			out = append(out, fsapi.Extent{StartSector: start, Sectors: r.count * secPerBlock})
		}
	}
	want := (uint64(f.ino.size) + 511) / 512
	var have uint64
	for i := range out {
		if have+out[i].Sectors >= want {
			out[i].Sectors = want - have
			out = out[:i+1]
			break
		}
		have += out[i].Sectors
	}
	return out, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.ino.size {
		return 0, io.EOF
	}
	extents, err := f.Extents()
	if err != nil {
		return 0, err
	}
	total := 0
	pos := off
	for total < len(p) && pos < f.ino.size {
		var diskOff, remain int64
		var logical int64
		found := false
		for _, e := range extents {
			bytes := int64(e.Sectors) * 512
			if pos < logical+bytes {
				diskOff = int64(e.StartSector)*512 + (pos - logical)
				remain = logical + bytes - pos
				found = true
				break
			}
			logical += bytes
		}
		if !found {
			break
		}
		want := remain
		if rem := int64(len(p) - total); rem < want {
			want = rem
		}
		if rem := f.ino.size - pos; rem < want {
			want = rem
		}
		n, rerr := f.vol.r.ReadAt(p[total:total+int(want)], diskOff)
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
