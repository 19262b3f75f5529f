// Package isotest synthesizes minimal ISO9660 images for tests: a primary
// descriptor, nested directories, file extents and optionally an El Torito
// boot catalog and a supplementary descriptor.
package isotest

import (
	"encoding/binary"
	"sort"
	"strings"
)

const sectorBytes = 2048

// FileSpec is one file to place in the image.
type FileSpec struct {
	Path string
	Data []byte
}

// Options toggles optional descriptors.
type Options struct {
	Label       string
	BootCatalog bool
	WithSVD     bool
}

type node struct {
	name     string
	isDir    bool
	data     []byte
	children map[string]*node

	lba  uint32
	size uint32
}

// Build assembles the image.
func Build(files []FileSpec, opt Options) []byte {
	root := &node{isDir: true, children: map[string]*node{}}
	for _, f := range files {
		parts := strings.Split(strings.Trim(f.Path, "/"), "/")
		cur := root
		for i, p := range parts {
			if i == len(parts)-1 {
				cur.children[p] = &node{name: p, data: f.Data}
				break
			}
			next, ok := cur.children[p]
			if !ok {
				next = &node{name: p, isDir: true, children: map[string]*node{}}
				cur.children[p] = next
			}
			cur = next
		}
	}

	// Descriptor area: 16 PVD, 17 boot record (optional), then optional
	// SVD, then terminator.
	next := uint32(17)
	bootRecSector := uint32(0)
	if opt.BootCatalog {
		bootRecSector = next
		next++
	}
	svdSector := uint32(0)
	if opt.WithSVD {
		svdSector = next
		next++
	}
	termSector := next
	next++
	catalogSector := uint32(0)
	if opt.BootCatalog {
		catalogSector = next
		next++
	}

	// Assign extents: directories first (one sector each), then files.
	var dirs []*node
	var walk func(n *node)
	walk = func(n *node) {
		if n.isDir {
			dirs = append(dirs, n)
			for _, name := range sortedNames(n) {
				walk(n.children[name])
			}
		}
	}
	walk(root)
	for _, d := range dirs {
		d.lba = next
		d.size = sectorBytes
		next++
	}
	var assignFiles func(n *node)
	assignFiles = func(n *node) {
		for _, name := range sortedNames(n) {
			c := n.children[name]
			if c.isDir {
				assignFiles(c)
				continue
			}
			c.lba = next
			c.size = uint32(len(c.data))
			next += uint32((len(c.data) + sectorBytes - 1) / sectorBytes)
			if len(c.data) == 0 {
				next++
			}
		}
	}
	assignFiles(root)

	img := make([]byte, int(next)*sectorBytes)

	// PVD
	pvd := img[16*sectorBytes:]
	pvd[0] = 1
	copy(pvd[1:6], "CD001")
	pvd[6] = 1
	label := opt.Label
	if label == "" {
		label = "TESTISO"
	}
	copy(pvd[40:72], padRight(label, 32))
	putRecord(pvd[156:], root, "\x00")

	if opt.BootCatalog {
		br := img[bootRecSector*sectorBytes:]
		br[0] = 0
		copy(br[1:6], "CD001")
		br[6] = 1
		copy(br[7:], "EL TORITO SPECIFICATION")
		binary.LittleEndian.PutUint32(br[0x47:], catalogSector)

		cat := img[catalogSector*sectorBytes:]
		cat[0] = 0x01
		cat[0x1e], cat[0x1f] = 0x55, 0xaa
		var sum uint16
		for i := 0; i < 32; i += 2 {
			sum += binary.LittleEndian.Uint16(cat[i : i+2])
		}
		binary.LittleEndian.PutUint16(cat[0x1c:], uint16(0x10000-uint32(sum)))
		// default entry: bootable, no emulation
		cat[32] = 0x88
		binary.LittleEndian.PutUint32(cat[40:], catalogSector+1)
	}

	if opt.WithSVD {
		svd := img[svdSector*sectorBytes:]
		svd[0] = 2
		copy(svd[1:6], "CD001")
		svd[6] = 1
	}

	term := img[termSector*sectorBytes:]
	term[0] = 255
	copy(term[1:6], "CD001")
	term[6] = 1

	// Directory extents and file data.
	for _, d := range dirs {
		writeDir(img, d)
	}
	var writeFiles func(n *node)
	writeFiles = func(n *node) {
		for _, name := range sortedNames(n) {
			c := n.children[name]
			if c.isDir {
				writeFiles(c)
				continue
			}
			copy(img[int(c.lba)*sectorBytes:], c.data)
		}
	}
	writeFiles(root)

	return img
}

func sortedNames(n *node) []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeDir(img []byte, d *node) {
	buf := img[int(d.lba)*sectorBytes : (int(d.lba)+1)*sectorBytes]
	off := 0
	off += putRecord(buf[off:], d, "\x00")
	off += putRecord(buf[off:], d, "\x01")
	for _, name := range sortedNames(d) {
		c := d.children[name]
		recName := c.name
		if !c.isDir {
			recName += ";1"
		}
		off += putRecord(buf[off:], c, recName)
	}
}

// putRecord encodes one directory record and returns its length.
func putRecord(b []byte, n *node, name string) int {
	l := 33 + len(name)
	if l%2 != 0 {
		l++
	}
	b[0] = byte(l)
	binary.LittleEndian.PutUint32(b[2:6], n.lba)
	binary.BigEndian.PutUint32(b[6:10], n.lba)
	binary.LittleEndian.PutUint32(b[10:14], n.size)
	binary.BigEndian.PutUint32(b[14:18], n.size)
	if n.isDir {
		b[25] = 0x02
	}
	binary.LittleEndian.PutUint16(b[28:30], 1)
	binary.BigEndian.PutUint16(b[30:32], 1)
	b[32] = byte(len(name))
	copy(b[33:], name)
	return l
}

func padRight(s string, n int) []byte {
	b := []byte(s)
	for len(b) < n {
		b = append(b, ' ')
	}
	return b[:n]
}
