package menu

import (
	"sort"
	"strings"

	"github.com/ventoy/vtoycore/internal/fsapi"
	"github.com/ventoy/vtoycore/internal/plugin"
	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vlnk"
)

var log = logger.Logger()

// MinFileSize filters out files too small to be a real image.
const MinFileSize = 32768

// ignoreMarker aborts enumeration of the directory containing it.
const ignoreMarker = ".ventoyignore"

// trashDirs are skipped during the walk.
var trashDirs = []string{
	"$RECYCLE.BIN", "$Extend", ".Trashes", "System Volume Information",
}

// tinySizeExempt names pass the minimum-size filter regardless.
var tinySizeExempt = []string{"initrd.gz", "initrd.xz", "minirt.gz"}

// reservedImages are ventoy's own runtime payloads, never listed.
var reservedImages = []string{"ventoy_wimboot.img", "ventoy_vhdboot.img"}

// Options tunes the walk; defaults come from the plugin control table.
type Options struct {
	MaxSearchLevel     int // 0 means unlimited
	CaseSensitiveSort  bool
	FiltDotUnderscore  bool
	FiltTrashDir       bool
	TypeEnabled        map[ImgType]bool // nil enables all
}

// OptionsFromControl reads the VTOY_* switches.
func OptionsFromControl(ctl map[string]string) Options {
	opt := Options{FiltTrashDir: true}
	if v, ok := ctl["VTOY_MAX_SEARCH_LEVEL"]; ok {
		var n int
		for _, c := range v {
			if c < '0' || c > '9' {
				n = 0
				break
			}
			n = n*10 + int(c-'0')
		}
		opt.MaxSearchLevel = n
	}
	opt.CaseSensitiveSort = ctl["VTOY_SORT_CASE_SENSITIVE"] == "1"
	opt.FiltDotUnderscore = ctl["VTOY_FILT_DOT_UNDERSCORE_FILE"] == "1"
	if v, ok := ctl["VTOY_FILT_TRASH_DIR"]; ok {
		opt.FiltTrashDir = v != "0"
	}
	opt.TypeEnabled = map[ImgType]bool{
		TypeISO:  ctl["VTOY_FILE_FLT_ISO"] != "1",
		TypeWIM:  ctl["VTOY_FILE_FLT_WIM"] != "1",
		TypeEFI:  ctl["VTOY_FILE_FLT_EFI"] != "1",
		TypeIMG:  ctl["VTOY_FILE_FLT_IMG"] != "1",
		TypeVHD:  ctl["VTOY_FILE_FLT_VHD"] != "1",
		TypeVTOY: ctl["VTOY_FILE_FLT_VTOY"] != "1",
	}
	return opt
}

// Enumerator builds the image list and menu tree for one partition.
type Enumerator struct {
	FS      fsapi.Filesystem
	Store   *plugin.Store
	Opt     Options
	Vlnk    *vlnk.Resolver // optional
	Slab    *Slab

	flat []*Entry
}

// Flat returns the image list in emitted order.
func (en *Enumerator) Flat() []*Entry { return en.flat }

// Enumerate walks the partition breadth-first from the root and returns the
// menu tree. The image list is rebuilt from scratch.
func (en *Enumerator) Enumerate() (*Dir, error) {
	if en.Slab == nil {
		en.Slab = &Slab{}
	}
	en.flat = nil
	root := &Dir{Path: "/", Name: "/"}

	type qItem struct {
		dir   *Dir
		level int
	}
	queue := []qItem{{dir: root, level: 0}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		subdirs := en.scanDir(item.dir)
		if en.Opt.MaxSearchLevel > 0 && item.level+1 > en.Opt.MaxSearchLevel {
			continue
		}
		for _, sd := range subdirs {
			queue = append(queue, qItem{dir: sd, level: item.level + 1})
		}
	}

	prune(root)
	en.collectFlat(root)
	return root, nil
}

// scanDir fills one directory node and returns the subdirs to descend into.
func (en *Enumerator) scanDir(dir *Dir) []*Dir {
	ents, err := en.FS.ReadDir(dir.Path)
	if err != nil {
		log.Debugf("menu: readdir %s: %v", dir.Path, err)
		return nil
	}

	for _, e := range ents {
		if !e.IsDir && e.Name == ignoreMarker {
			dir.Subdirs, dir.Entries = nil, nil
			return nil
		}
	}

	var subdirs []*Dir
	for _, e := range ents {
		if e.IsDir {
			if en.skipDir(e.Name) {
				continue
			}
			sub := &Dir{Path: joinPath(dir.Path, e.Name), Name: e.Name}
			if en.Store != nil && en.Store.ListIndex(sub.Path+"/") == 0 && len(en.Store.ImageList) > 0 && !en.Store.IsBlacklist {
				if !en.listCoversPrefix(sub.Path) {
					continue
				}
			}
			sub.Class = en.lookupClass(sub.Path, true)
			sub.Alias = en.lookupAlias(sub.Path, true)
			subdirs = append(subdirs, sub)
			continue
		}
		if ent := en.classifyFile(dir, e); ent != nil {
			dir.Entries = append(dir.Entries, ent)
		}
	}

	en.sortDir(dir, subdirs)
	dir.Subdirs = subdirs
	return subdirs
}

// listCoversPrefix keeps a directory when any allow-list path lives below
// it.
func (en *Enumerator) listCoversPrefix(dirPath string) bool {
	prefix := dirPath + "/"
	for _, p := range en.Store.ImageList {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (en *Enumerator) skipDir(name string) bool {
	if name == "." || name == ".." {
		return true
	}
	if en.Opt.FiltTrashDir {
		for _, t := range trashDirs {
			if strings.EqualFold(name, t) {
				return true
			}
		}
		if strings.HasPrefix(strings.ToLower(name), ".trash-") {
			return true
		}
	}
	if en.Opt.FiltDotUnderscore && strings.HasPrefix(name, "._") {
		return true
	}
	return false
}

func (en *Enumerator) classifyFile(dir *Dir, e fsapi.DirEntry) *Entry {
	name := e.Name
	if en.Opt.FiltDotUnderscore && strings.HasPrefix(name, "._") {
		return nil
	}

	path := joinPath(dir.Path, name)

	if strings.HasSuffix(strings.ToLower(name), ".vcfg") {
		en.registerVcfg(path)
		return nil
	}

	t, ok := ClassifySuffix(name)
	if !ok {
		return nil
	}
	if en.Opt.TypeEnabled != nil && !en.Opt.TypeEnabled[t] {
		return nil
	}
	for _, r := range reservedImages {
		if strings.EqualFold(name, r) {
			return nil
		}
	}

	listIndex := 1
	if en.Store != nil {
		listIndex = en.Store.ListIndex(path)
		if listIndex == 0 {
			return nil
		}
		if len(en.Store.ImageList) == 0 || en.Store.IsBlacklist {
			listIndex = 0
		}
	}

	isVlnk := false
	if _, hasVlnkSuffix := vlnk.Suffix(name); hasVlnkSuffix || e.Size == 0 {
		if !en.registerVlnk(path) {
			return nil
		}
		isVlnk = true
	} else if e.Size < MinFileSize && !isSizeExempt(name) {
		return nil
	}

	ent := &Entry{
		Path:      path,
		Name:      name,
		Size:      e.Size,
		Type:      t,
		Class:     t.Class(),
		ListIndex: listIndex,
		IsVlnk:    isVlnk,
	}
	if en.Store != nil {
		if cls := en.Store.FindClass(path, false); cls != "" {
			ent.Class = cls
		}
		ent.Alias = en.Store.FindAlias(path, false)
		ent.Tip1, ent.Tip2 = en.Store.FindTip(path, false)
	}
	en.Slab.Put(ent)
	return ent
}

func isSizeExempt(name string) bool {
	low := strings.ToLower(name)
	for _, t := range tinySizeExempt {
		if low == t {
			return true
		}
	}
	return false
}

func (en *Enumerator) registerVlnk(path string) bool {
	if en.Vlnk == nil {
		return false
	}
	f, err := en.FS.Open(path)
	if err != nil || f.Size() != vlnk.FileSize {
		return false
	}
	buf := make([]byte, vlnk.RecordSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return false
	}
	if err := en.Vlnk.Add(path, buf); err != nil {
		log.Debugf("menu: vlnk %s rejected: %v", path, err)
		return false
	}
	return true
}

func (en *Enumerator) registerVcfg(path string) {
	if en.Store == nil {
		return
	}
	image := strings.TrimSuffix(path, ".vcfg")
	en.Store.CustomBoot = append(en.Store.CustomBoot, plugin.CustomBoot{
		Image: image,
		VCfg:  path,
	})
	log.Debugf("menu: custom boot %s -> %s", image, path)
}

func (en *Enumerator) lookupClass(path string, isDir bool) string {
	if en.Store == nil {
		return ""
	}
	return en.Store.FindClass(path, isDir)
}

func (en *Enumerator) lookupAlias(path string, isDir bool) string {
	if en.Store == nil {
		return ""
	}
	return en.Store.FindAlias(path, isDir)
}

// sortDir orders files and subdirectories separately: allow-list position
// first when active, then name, case-insensitively unless configured.
func (en *Enumerator) sortDir(dir *Dir, subdirs []*Dir) {
	less := func(a, b string) bool {
		if !en.Opt.CaseSensitiveSort {
			return strings.ToUpper(a) < strings.ToUpper(b)
		}
		return a < b
	}
	sort.SliceStable(dir.Entries, func(i, j int) bool {
		a, b := dir.Entries[i], dir.Entries[j]
		if a.ListIndex != b.ListIndex && a.ListIndex > 0 && b.ListIndex > 0 {
			return a.ListIndex < b.ListIndex
		}
		return less(a.Name, b.Name)
	})
	sort.SliceStable(subdirs, func(i, j int) bool {
		return less(subdirs[i].Name, subdirs[j].Name)
	})
}

// prune removes directory nodes with nothing selectable below them.
func prune(d *Dir) bool {
	kept := d.Subdirs[:0]
	for _, sd := range d.Subdirs {
		if prune(sd) {
			kept = append(kept, sd)
		}
	}
	d.Subdirs = kept
	return len(d.Subdirs) > 0 || len(d.Entries) > 0
}

// collectFlat flattens the tree in emitted order: list order when an
// allow-list is active, otherwise tree order.
func (en *Enumerator) collectFlat(root *Dir) {
	var walk func(d *Dir)
	walk = func(d *Dir) {
		en.flat = append(en.flat, d.Entries...)
		for _, sd := range d.Subdirs {
			walk(sd)
		}
	}
	walk(root)

	if en.Store != nil && len(en.Store.ImageList) > 0 && !en.Store.IsBlacklist {
		sort.SliceStable(en.flat, func(i, j int) bool {
			return en.flat[i].ListIndex < en.flat[j].ListIndex
		})
	}
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
