// Package fatfs is a raw FAT12/16/32 read driver over an io.ReaderAt. It
// exists so the core can walk the data partition and enumerate file cluster
// runs without mounting anything on the host.
package fatfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/fsapi"
)

type fatKind int

const (
	fat12 fatKind = iota
	fat16
	fat32
)

// Volume is an opened FAT filesystem.
type Volume struct {
	r io.ReaderAt

	kind fatKind

	bytsPerSec uint16
	secPerClus uint8
	rsvdSecCnt uint16
	numFATs    uint8
	rootEntCnt uint16
	totSec     uint32
	fatSz      uint32
	rootClus   uint32
	label      string

	fatStart       int64
	rootDirStart   int64
	rootDirSectors uint32
	dataStart      int64
	clusterSize    uint32
}

type dirEntry struct {
	name         string
	isDir        bool
	firstCluster uint32
	size         uint32
}

// Open parses the BPB at offset zero of r and derives the volume geometry.
func Open(r io.ReaderAt) (*Volume, error) {
	bpb := make([]byte, 512)
	if _, err := r.ReadAt(bpb, 0); err != nil {
		return nil, fmt.Errorf("fat: read bpb: %w", err)
	}
	if binary.LittleEndian.Uint16(bpb[510:512]) != 0xaa55 {
		return nil, fmt.Errorf("fat: missing boot signature")
	}

	v := &Volume{
		r:          r,
		bytsPerSec: binary.LittleEndian.Uint16(bpb[11:13]),
		secPerClus: bpb[13],
		rsvdSecCnt: binary.LittleEndian.Uint16(bpb[14:16]),
		numFATs:    bpb[16],
		rootEntCnt: binary.LittleEndian.Uint16(bpb[17:19]),
	}
	if v.bytsPerSec == 0 || v.secPerClus == 0 || v.numFATs == 0 {
		return nil, fmt.Errorf("fat: bad bpb geometry")
	}

	v.totSec = uint32(binary.LittleEndian.Uint16(bpb[19:21]))
	if v.totSec == 0 {
		v.totSec = binary.LittleEndian.Uint32(bpb[32:36])
	}
	v.fatSz = uint32(binary.LittleEndian.Uint16(bpb[22:24]))
	if v.fatSz == 0 {
		v.fatSz = binary.LittleEndian.Uint32(bpb[36:40])
	}

	v.rootDirSectors = (uint32(v.rootEntCnt)*32 + uint32(v.bytsPerSec) - 1) / uint32(v.bytsPerSec)
	dataSec := v.totSec - (uint32(v.rsvdSecCnt) + uint32(v.numFATs)*v.fatSz + v.rootDirSectors)
	clusters := dataSec / uint32(v.secPerClus)
	switch {
	case clusters < 4085:
		v.kind = fat12
	case clusters < 65525:
		v.kind = fat16
	default:
		v.kind = fat32
	}

	v.fatStart = int64(v.rsvdSecCnt) * int64(v.bytsPerSec)
	v.rootDirStart = v.fatStart + int64(v.numFATs)*int64(v.fatSz)*int64(v.bytsPerSec)
	v.dataStart = v.rootDirStart + int64(v.rootDirSectors)*int64(v.bytsPerSec)
	v.clusterSize = uint32(v.secPerClus) * uint32(v.bytsPerSec)

	if v.kind == fat32 {
		v.rootClus = binary.LittleEndian.Uint32(bpb[44:48])
		v.label = strings.TrimRight(string(bpb[71:82]), " ")
	} else {
		v.label = strings.TrimRight(string(bpb[43:54]), " ")
	}
	return v, nil
}

// Kind implements fsapi.Filesystem.
func (v *Volume) Kind() blockdev.FSKind { return blockdev.FSFat }

// Label implements fsapi.Filesystem.
func (v *Volume) Label() string { return v.label }

// ReadDir implements fsapi.Filesystem.
func (v *Volume) ReadDir(dir string) ([]fsapi.DirEntry, error) {
	ents, err := v.listDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]fsapi.DirEntry, 0, len(ents))
	for _, e := range ents {
		out = append(out, fsapi.DirEntry{Name: e.name, IsDir: e.isDir, Size: int64(e.size)})
	}
	return out, nil
}

// Open implements fsapi.Filesystem. The returned file also satisfies
// fsapi.ExtentFile.
func (v *Volume) Open(path string) (fsapi.File, error) {
	e, err := v.findPath(path)
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, fmt.Errorf("fat: %s is a directory", path)
	}
	return &file{vol: v, ent: *e}, nil
}

type file struct {
	vol *Volume
	ent dirEntry
}

func (f *file) Size() int64 { return int64(f.ent.size) }

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(f.ent.size) {
		return 0, io.EOF
	}
	cs := int64(f.vol.clusterSize)
	total := 0
	c, err := f.vol.seekCluster(f.ent.firstCluster, off/cs)
	if err != nil {
		return 0, err
	}
	pos := off
	for total < len(p) && pos < int64(f.ent.size) {
		inClus := pos % cs
		want := cs - inClus
		if rem := int64(len(p) - total); rem < want {
			want = rem
		}
		if rem := int64(f.ent.size) - pos; rem < want {
			want = rem
		}
		n, err := f.vol.r.ReadAt(p[total:total+int(want)], f.vol.clusterOff(c)+inClus)
		total += n
		pos += int64(n)
		if err != nil && err != io.EOF {
			return total, err
		}
		if pos%cs == 0 && pos < int64(f.ent.size) {
			c, err = f.vol.fatEntry(c)
			if err != nil {
				return total, err
			}
			if f.vol.isEOC(c) {
				break
			}
		}
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// Extents walks the cluster chain and merges physically adjacent clusters
// into runs of partition-relative 512-byte sectors.
func (f *file) Extents() ([]fsapi.Extent, error) {
	var out []fsapi.Extent
	v := f.vol
	clusSectors := uint64(v.clusterSize) / 512
	remaining := int64(f.ent.size)

	c := f.ent.firstCluster
	seen := map[uint32]bool{}
	for c >= 2 && !v.isEOC(c) && remaining > 0 {
		if seen[c] {
			return nil, fmt.Errorf("fat: cluster loop at %d", c)
		}
		seen[c] = true

		start := uint64(v.clusterOff(c)) / 512
		if n := len(out); n > 0 && out[n-1].StartSector+out[n-1].Sectors == start {
			out[n-1].Sectors += clusSectors
		} else {
			out = append(out, fsapi.Extent{StartSector: start, Sectors: clusSectors})
		}
		remaining -= int64(v.clusterSize)

		next, err := v.fatEntry(c)
		if err != nil {
			return nil, err
		}
		c = next
	}
	// Trim the tail run to the file's sector count.
	if want := (uint64(f.ent.size) + 511) / 512; want > 0 {
		var have uint64
		for i := range out {
			if have+out[i].Sectors >= want {
				out[i].Sectors = want - have
				out = out[:i+1]
				break
			}
			have += out[i].Sectors
		}
	}
	return out, nil
}

func (v *Volume) seekCluster(first uint32, skip int64) (uint32, error) {
	c := first
	for i := int64(0); i < skip; i++ {
		next, err := v.fatEntry(c)
		if err != nil {
			return 0, err
		}
		if v.isEOC(next) {
			return 0, io.EOF
		}
		c = next
	}
	return c, nil
}

func (v *Volume) listDir(dir string) ([]dirEntry, error) {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return v.readRootDir()
	}
	e, err := v.findPath(dir)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, fmt.Errorf("fat: not a directory: %s", dir)
	}
	return v.readDirFromCluster(e.firstCluster)
}

func (v *Volume) findPath(p string) (*dirEntry, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, fmt.Errorf("fat: empty path")
	}
	parts := strings.Split(p, "/")

	ents, err := v.readRootDir()
	if err != nil {
		return nil, err
	}
	for i, part := range parts {
		var match *dirEntry
		for _, e := range ents {
			if strings.EqualFold(e.name, part) {
				tmp := e
				match = &tmp
				break
			}
		}
		if match == nil {
			return nil, os.ErrNotExist
		}
		if i == len(parts)-1 {
			return match, nil
		}
		if !match.isDir {
			return nil, fmt.Errorf("fat: not a directory: %s", part)
		}
		ents, err = v.readDirFromCluster(match.firstCluster)
		if err != nil {
			return nil, err
		}
	}
	return nil, os.ErrNotExist
}

func (v *Volume) readRootDir() ([]dirEntry, error) {
	if v.kind == fat32 {
		return v.readDirFromCluster(v.rootClus)
	}
	buf := make([]byte, int64(v.rootDirSectors)*int64(v.bytsPerSec))
	if _, err := v.r.ReadAt(buf, v.rootDirStart); err != nil && err != io.EOF {
		return nil, err
	}
	return parseDirEntries(buf)
}

func (v *Volume) readDirFromCluster(start uint32) ([]dirEntry, error) {
	var all []byte
	c := start
	seen := map[uint32]bool{}
	for c >= 2 && !v.isEOC(c) {
		if seen[c] {
			return nil, fmt.Errorf("fat: cluster loop at %d", c)
		}
		seen[c] = true
		buf := make([]byte, v.clusterSize)
		if _, err := v.r.ReadAt(buf, v.clusterOff(c)); err != nil && err != io.EOF {
			return nil, err
		}
		all = append(all, buf...)
		next, err := v.fatEntry(c)
		if err != nil {
			return nil, err
		}
		c = next
	}
	return parseDirEntries(all)
}

func parseDirEntries(buf []byte) ([]dirEntry, error) {
	var out []dirEntry
	var lfnParts []string

	for off := 0; off+32 <= len(buf); off += 32 {
		e := buf[off : off+32]
		if e[0] == 0x00 {
			break
		}
		if e[0] == 0xe5 {
			lfnParts = nil
			continue
		}
		attr := e[11]
		if attr == 0x0f {
			if part := decodeLFNPart(e); part != "" {
				lfnParts = append(lfnParts, part)
			}
			continue
		}
		if attr&0x08 != 0 { // volume label
			lfnParts = nil
			continue
		}

		name := ""
		if len(lfnParts) > 0 {
			for i, j := 0, len(lfnParts)-1; i < j; i, j = i+1, j-1 {
				lfnParts[i], lfnParts[j] = lfnParts[j], lfnParts[i]
			}
			name = strings.Join(lfnParts, "")
		} else {
			name = decode83Name(e[0:11])
		}
		lfnParts = nil

		if name == "." || name == ".." {
			continue
		}
		clusHi := binary.LittleEndian.Uint16(e[20:22])
		clusLo := binary.LittleEndian.Uint16(e[26:28])
		out = append(out, dirEntry{
			name:         name,
			isDir:        attr&0x10 != 0,
			firstCluster: uint32(clusHi)<<16 | uint32(clusLo),
			size:         binary.LittleEndian.Uint32(e[28:32]),
		})
	}
	return out, nil
}

func decode83Name(b []byte) string {
	base := strings.TrimRight(string(b[0:8]), " ")
	ext := strings.TrimRight(string(b[8:11]), " ")
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func decodeLFNPart(e []byte) string {
	chars := make([]uint16, 0, 13)
	readU16 := func(i int) uint16 { return binary.LittleEndian.Uint16(e[i : i+2]) }
	for _, i := range []int{1, 3, 5, 7, 9} {
		chars = append(chars, readU16(i))
	}
	for _, i := range []int{14, 16, 18, 20, 22, 24} {
		chars = append(chars, readU16(i))
	}
	for _, i := range []int{28, 30} {
		chars = append(chars, readU16(i))
	}
	var sb strings.Builder
	for _, c := range chars {
		if c == 0x0000 || c == 0xffff {
			break
		}
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func (v *Volume) isEOC(c uint32) bool {
	switch v.kind {
	case fat32:
		return c >= 0x0ffffff8
	case fat16:
		return c >= 0xfff8
	default:
		return c >= 0xff8
	}
}

func (v *Volume) clusterOff(cluster uint32) int64 {
	if cluster < 2 {
		return v.dataStart
	}
	return v.dataStart + int64(cluster-2)*int64(v.clusterSize)
}

func (v *Volume) fatEntry(cluster uint32) (uint32, error) {
	switch v.kind {
	case fat32:
		var b [4]byte
		if _, err := v.r.ReadAt(b[:], v.fatStart+int64(cluster)*4); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]) & 0x0fffffff, nil
	case fat16:
		var b [2]byte
		if _, err := v.r.ReadAt(b[:], v.fatStart+int64(cluster)*2); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(b[:])), nil
	default:
		var b [2]byte
		if _, err := v.r.ReadAt(b[:], v.fatStart+int64(cluster)*3/2); err != nil {
			return 0, err
		}
		val := binary.LittleEndian.Uint16(b[:])
		if cluster&1 != 0 {
			return uint32(val >> 4), nil
		}
		return uint32(val & 0x0fff), nil
	}
}
