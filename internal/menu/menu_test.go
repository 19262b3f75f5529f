package menu

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/fsapi"
	"github.com/ventoy/vtoycore/internal/plugin"
)

// fakeFS serves an in-memory path->size map.
type fakeFS struct {
	files map[string]int64 // path -> size; a trailing slash marks a dir
}

func newFakeFS(paths map[string]int64) *fakeFS {
	return &fakeFS{files: paths}
}

func (f *fakeFS) Kind() blockdev.FSKind { return blockdev.FSExfat }
func (f *fakeFS) Label() string         { return "FAKE" }

func (f *fakeFS) Open(path string) (fsapi.File, error) {
	size, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	return fakeFile(size), nil
}

func (f *fakeFS) ReadDir(dir string) ([]fsapi.DirEntry, error) {
	if dir != "/" {
		dir = strings.TrimSuffix(dir, "/") + "/"
	}
	seen := map[string]fsapi.DirEntry{}
	for p, size := range f.files {
		if !strings.HasPrefix(p, dir) || p == dir {
			continue
		}
		rest := strings.TrimPrefix(p, dir)
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			seen[name] = fsapi.DirEntry{Name: name, IsDir: true}
		} else {
			seen[rest] = fsapi.DirEntry{Name: rest, Size: size}
		}
	}
	var out []fsapi.DirEntry
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakeFile int64

func (f fakeFile) Size() int64                        { return int64(f) }
func (f fakeFile) ReadAt(p []byte, off int64) (int, error) { return len(p), nil }

const mib = 1 << 20

func enumerate(t *testing.T, fs fsapi.Filesystem, store *plugin.Store, opt Options) (*Dir, *Enumerator) {
	t.Helper()
	en := &Enumerator{FS: fs, Store: store, Opt: opt, Slab: &Slab{}}
	tree, err := en.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	return tree, en
}

func TestEnumerateBasics(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/linux/ubuntu.iso":  700 * mib,
		"/linux/arch.iso":    800 * mib,
		"/windows/win10.iso": 4000 * mib,
		"/notes.txt":         100,
		"/tiny.iso":          1000, // below the size filter
	})
	tree, en := enumerate(t, fs, plugin.NewStore(), Options{FiltTrashDir: true})

	flat := en.Flat()
	if len(flat) != 3 {
		t.Fatalf("flat has %d entries: %+v", len(flat), names(flat))
	}
	if len(tree.Subdirs) != 2 {
		t.Errorf("tree subdirs %d", len(tree.Subdirs))
	}
	for _, e := range flat {
		if e.ID == 0 {
			t.Error("entry without slab id")
		}
	}
}

func names(entries []*Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestVentoyIgnore(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/skip/.ventoyignore": 0,
		"/skip/hidden.iso":    700 * mib,
		"/keep/seen.iso":      700 * mib,
	})
	_, en := enumerate(t, fs, plugin.NewStore(), Options{})
	got := names(en.Flat())
	if len(got) != 1 || got[0] != "/keep/seen.iso" {
		t.Errorf("flat %v", got)
	}
}

func TestTrashAndDotUnderscore(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/$RECYCLE.BIN/x.iso":               700 * mib,
		"/System Volume Information/y.iso":  700 * mib,
		"/.Trash-1000/z.iso":                700 * mib,
		"/._resource.iso":                   700 * mib,
		"/real.iso":                         700 * mib,
	})
	_, en := enumerate(t, fs, plugin.NewStore(), Options{FiltTrashDir: true, FiltDotUnderscore: true})
	got := names(en.Flat())
	if len(got) != 1 || got[0] != "/real.iso" {
		t.Errorf("flat %v", got)
	}
}

func TestReservedImagesHidden(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/ventoy_wimboot.img": 10 * mib,
		"/ventoy_vhdboot.img": 10 * mib,
		"/normal.img":         10 * mib,
	})
	_, en := enumerate(t, fs, plugin.NewStore(), Options{})
	got := names(en.Flat())
	if len(got) != 1 || got[0] != "/normal.img" {
		t.Errorf("flat %v", got)
	}
}

func TestSizeFilter(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/boot/other.img": 1000,
		"/boot/full.img":  64 * mib,
	})
	_, en := enumerate(t, fs, plugin.NewStore(), Options{})
	got := names(en.Flat())
	if len(got) != 1 || got[0] != "/boot/full.img" {
		t.Errorf("flat %v", got)
	}
}

func TestTinyInitrdExemptNames(t *testing.T) {
	for _, name := range []string{"initrd.gz", "initrd.xz", "minirt.gz"} {
		if !isSizeExempt(name) {
			t.Errorf("%s not exempt", name)
		}
	}
	if isSizeExempt("other.img") {
		t.Error("other.img exempt")
	}
}

// Allow-list order wins over name order, and unlisted images disappear.
func TestAllowListOrder(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/linux/alpha.iso": 700 * mib,
		"/linux/beta.iso":  700 * mib,
		"/linux/gamma.iso": 700 * mib,
	})
	store, err := plugin.Load([]byte(`{"image_list": ["/linux/beta.iso", "/linux/alpha.iso"]}`), false)
	if err != nil {
		t.Fatal(err)
	}
	_, en := enumerate(t, fs, store, Options{})
	got := names(en.Flat())
	want := []string{"/linux/beta.iso", "/linux/alpha.iso"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("flat %v, want %v", got, want)
	}
}

func TestSortCaseInsensitiveDefault(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/a/Bravo.iso": 700 * mib,
		"/a/alpha.iso": 700 * mib,
		"/a/Zulu.iso":  700 * mib,
	})
	tree, _ := enumerate(t, fs, plugin.NewStore(), Options{})
	a := tree.Subdirs[0]
	var got []string
	for _, e := range a.Entries {
		got = append(got, e.Name)
	}
	want := []string{"alpha.iso", "Bravo.iso", "Zulu.iso"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted %v, want %v", got, want)
		}
	}
}

func TestMaxSearchLevel(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/a/top.iso":        700 * mib,
		"/a/b/deep.iso":     700 * mib,
	})
	_, en := enumerate(t, fs, plugin.NewStore(), Options{MaxSearchLevel: 1})
	got := names(en.Flat())
	if len(got) != 1 || got[0] != "/a/top.iso" {
		t.Errorf("flat %v", got)
	}
}

func TestClassAndAlias(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/os/win.iso": 700 * mib,
	})
	store, err := plugin.Load([]byte(`{
		"menu_class": [ { "key": "/os/win.iso", "class": "win10" } ],
		"menu_alias": [ { "image": "/os/win.iso", "alias": "Windows Ten" } ]
	}`), false)
	if err != nil {
		t.Fatal(err)
	}
	_, en := enumerate(t, fs, store, Options{})
	e := en.Flat()[0]
	if e.Class != "win10" || e.Display() != "Windows Ten" {
		t.Errorf("entry %+v", e)
	}
}

func TestEmitTree(t *testing.T) {
	fs := newFakeFS(map[string]int64{
		"/linux/ubuntu.iso": 700 * mib,
		"/top.wim":          700 * mib,
	})
	tree, en := enumerate(t, fs, plugin.NewStore(), Options{})

	w := NewWriter(0)
	if err := EmitTree(w, tree); err != nil {
		t.Fatal(err)
	}
	out := w.String()
	if !strings.Contains(out, `submenu "linux" --class=vtoydir {`) {
		t.Errorf("no submenu block:\n%s", out)
	}
	if !strings.Contains(out, `menuentry "ubuntu.iso" --class=vtoyiso --id=VID_`) {
		t.Errorf("no iso menuentry:\n%s", out)
	}
	if !strings.Contains(out, "wim_common_menuentry") {
		t.Errorf("no wim command:\n%s", out)
	}

	// ids resolve back through the slab
	for _, e := range en.Flat() {
		if en.Slab.Get(e.ID) != e {
			t.Errorf("slab lookup broken for %s", e.Path)
		}
	}
}

func TestWriterCapacity(t *testing.T) {
	w := NewWriter(16)
	if err := w.Printf("0123456789"); err != nil {
		t.Fatal(err)
	}
	if err := w.Printf("0123456789"); err == nil {
		t.Error("capacity overrun not detected")
	}
	if w.Len() != 10 {
		t.Errorf("partial write leaked: %d", w.Len())
	}
}

func TestClassifySuffix(t *testing.T) {
	cases := map[string]string{
		"a.iso": "iso", "b.WIM": "wim", "c.efi": "efi",
		"d.img": "img", "e.vhd": "vhd", "f.vhdx": "vhd", "g.vtoy": "vtoy",
	}
	for name, want := range cases {
		typ, ok := ClassifySuffix(name)
		if !ok || typ.Prefix() != want {
			t.Errorf("ClassifySuffix(%q) = %v/%v", name, typ, ok)
		}
	}
	if _, ok := ClassifySuffix("readme.txt"); ok {
		t.Error("txt classified")
	}
}
