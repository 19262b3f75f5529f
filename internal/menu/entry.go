// Package menu walks the data partition, filters and classifies image
// files, and renders the tree and flat menus the boot-side engine consumes.
package menu

import (
	"fmt"
	"strings"
)

// ImgType classifies a bootable image file.
type ImgType int

// Image types in menu-prefix order.
const (
	TypeISO ImgType = iota
	TypeWIM
	TypeEFI
	TypeIMG
	TypeVHD
	TypeVTOY
)

// Prefix returns the stable menu-prefix string.
func (t ImgType) Prefix() string {
	switch t {
	case TypeISO:
		return "iso"
	case TypeWIM:
		return "wim"
	case TypeEFI:
		return "efi"
	case TypeIMG:
		return "img"
	case TypeVHD:
		return "vhd"
	default:
		return "vtoy"
	}
}

// Class returns the default menu class string.
func (t ImgType) Class() string { return "vtoy" + t.Prefix() }

// ClassifySuffix maps a file name to its image type.
func ClassifySuffix(name string) (ImgType, bool) {
	low := strings.ToLower(name)
	switch {
	case strings.HasSuffix(low, ".iso"):
		return TypeISO, true
	case strings.HasSuffix(low, ".wim"):
		return TypeWIM, true
	case strings.HasSuffix(low, ".efi"):
		return TypeEFI, true
	case strings.HasSuffix(low, ".img"):
		return TypeIMG, true
	case strings.HasSuffix(low, ".vhd"), strings.HasSuffix(low, ".vhdx"):
		return TypeVHD, true
	case strings.HasSuffix(low, ".vtoy"):
		return TypeVTOY, true
	}
	return 0, false
}

// Entry is one selectable image.
type Entry struct {
	ID        int
	Path      string // absolute in partition
	Name      string
	Size      int64
	Type      ImgType
	Class     string
	Alias     string
	Tip1      string
	Tip2      string
	ListIndex int // allow-list position, 0 when no list active
	IsVlnk    bool
}

// Display returns the menu text for the entry.
func (e *Entry) Display() string {
	if e.Alias != "" {
		return e.Alias
	}
	return e.Name
}

// Dir is one directory node of the menu tree.
type Dir struct {
	Path  string
	Name  string
	Class string
	Alias string

	Subdirs []*Dir
	Entries []*Entry
}

// Display returns the menu text for the directory.
func (d *Dir) Display() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Name
}

// Slab issues stable integer handles for entries; the menu language carries
// them as --id=VID_<n>.
type Slab struct {
	entries []*Entry
}

// Put registers an entry and assigns its id.
func (s *Slab) Put(e *Entry) int {
	e.ID = len(s.entries) + 1
	s.entries = append(s.entries, e)
	return e.ID
}

// Get resolves a handle; nil when out of range.
func (s *Slab) Get(id int) *Entry {
	if id < 1 || id > len(s.entries) {
		return nil
	}
	return s.entries[id-1]
}

// Len returns the number of issued handles.
func (s *Slab) Len() int { return len(s.entries) }

// HandleString renders the id the way the menu text embeds it.
func HandleString(id int) string { return fmt.Sprintf("VID_%d", id) }
