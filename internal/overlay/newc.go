// Package overlay assembles the initramfs prefix injected ahead of a Linux
// initrd: the newc-format cpio carrying the ventoy agent, the image map and
// per-selection data. The buffer is built once per cpio load and reused
// across selections by patching the os-param and initrd placeholder slots.
package overlay

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	newcMagic   = "070701"
	headerSize  = 110
	trailerName = "TRAILER!!!"

	// entryMode is the fixed mode of injected entries (0100777 octal).
	entryMode = 0100777
)

// inode numbers count down from here so injected entries never collide with
// the base archive's.
const firstInode = 0xfffffff0

func align4(n int) int { return (n + 3) &^ 3 }

// fillHead writes a newc header plus name into buf and returns the header
// length (header + padded name). buf must have room.
func fillHead(buf []byte, ino uint32, filesize int, name string) int {
	namelen := len(name) + 1
	headlen := align4(headerSize + namelen)

	for i := 0; i < headerSize; i++ {
		buf[i] = '0'
	}
	for i := headerSize; i < headlen; i++ {
		buf[i] = 0
	}
	copy(buf[0:6], newcMagic)
	fillHex(buf[6:14], ino)            // c_ino
	fillHex(buf[14:22], entryMode)     // c_mode
	fillHex(buf[38:46], 1)             // c_nlink
	fillHex(buf[54:62], uint32(filesize))
	fillHex(buf[94:102], uint32(namelen))
	copy(buf[headerSize:], name)
	buf[headerSize+len(name)] = 0
	return headlen
}

// fillHex right-aligns the hex form of v into an 8-byte field pre-filled
// with '0'.
func fillHex(field []byte, v uint32) {
	s := fmt.Sprintf("%X", v)
	if len(s) > len(field) {
		s = s[len(s)-len(field):]
	}
	copy(field[len(field)-len(s):], s)
}

// readHex parses an 8-byte hex field.
func readHex(field []byte) uint32 {
	var v uint32
	for _, c := range field {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint32(c-'0')
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint32(c-'A'+10)
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint32(c-'a'+10)
		default:
			return v
		}
	}
	return v
}

// entryAt walks one archive record; returns name and total record length.
func entryAt(buf []byte, off int) (name string, recLen int, ok bool) {
	if off+headerSize > len(buf) || string(buf[off:off+6]) != newcMagic {
		return "", 0, false
	}
	namesize := int(readHex(buf[off+94 : off+102]))
	filesize := int(readHex(buf[off+54 : off+62]))
	if namesize <= 0 || off+headerSize+namesize > len(buf) {
		return "", 0, false
	}
	name = string(buf[off+headerSize : off+headerSize+namesize-1])
	recLen = align4(headerSize+namesize) + align4(filesize)
	return name, recLen, true
}

// findTailMagic scans backwards for the last 4-aligned "0707" word, which
// marks the trailer entry's header. Appends overwrite from there.
func findTailMagic(buf []byte) (int, error) {
	for off := (len(buf) - 4) &^ 3; off >= 0; off -= 4 {
		if binary.LittleEndian.Uint32(buf[off:]) == 0x37303730 {
			return off, nil
		}
	}
	return 0, fmt.Errorf("overlay: no cpio magic found")
}

// trailer encodes the closing TRAILER!!! record.
func trailer() []byte {
	buf := make([]byte, align4(headerSize+len(trailerName)+1))
	fillHead(buf, 0, 0, trailerName)
	// The trailer carries inode 0 and nlink 1 by convention.
	fillHex(buf[6:14], 0)
	return buf
}

// renameEntry rewrites an entry name in place; the replacement must have
// the same length.
func renameEntry(buf []byte, oldName, newName string) bool {
	if len(oldName) != len(newName) {
		return false
	}
	for off := 0; ; {
		name, recLen, ok := entryAt(buf, off)
		if !ok {
			return false
		}
		if name == oldName {
			copy(buf[off+headerSize:], newName)
			return true
		}
		if name == trailerName {
			return false
		}
		off += recLen
	}
}

// hasDuplicateNames reports a repeated entry name, which would shadow files
// when the kernel unpacks the archive.
func hasDuplicateNames(buf []byte) (string, bool) {
	seen := make(map[string]struct{})
	for off := 0; ; {
		name, recLen, ok := entryAt(buf, off)
		if !ok || name == trailerName {
			return "", false
		}
		if !strings.HasPrefix(name, "ventoy/") {
			off += recLen
			continue
		}
		if _, dup := seen[name]; dup {
			return name, true
		}
		seen[name] = struct{}{}
		off += recLen
	}
}
