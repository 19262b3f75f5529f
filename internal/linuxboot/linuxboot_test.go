package linuxboot

import (
	"bytes"
	"testing"

	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/fsapi/isofs/isotest"
	"github.com/ventoy/vtoycore/internal/overlay"
)

func TestParseIsolinuxCfg(t *testing.T) {
	c := NewCollector()
	c.ParseIsolinuxCfg(`
default linux
append initrd=/casper/initrd.gz boot=casper quiet
label two
  append initrd=initrd-a.img,initrd-b.img root=/dev/ram0
INITRD /install/initrd.gz
`, "/isolinux")

	want := []string{
		"/casper/initrd.gz",
		"/isolinux/initrd-a.img",
		"/isolinux/initrd-b.img",
		"/install/initrd.gz",
	}
	refs := c.Refs()
	if len(refs) != len(want) {
		t.Fatalf("collected %d refs: %+v", len(refs), refs)
	}
	for i, w := range want {
		if refs[i].Name != w {
			t.Errorf("ref %d = %q, want %q", i, refs[i].Name, w)
		}
	}
}

func TestParseIsolinuxXenSyntax(t *testing.T) {
	c := NewCollector()
	c.ParseIsolinuxCfg("append xen.gz --- vmlinuz --- /install.img\n", "/isolinux")
	refs := c.Refs()
	if len(refs) != 1 || refs[0].Name != "/install.img" {
		t.Fatalf("xen refs %+v", refs)
	}
}

func TestParseGrubCfg(t *testing.T) {
	c := NewCollector()
	dollar := c.ParseGrubCfg(`
menuentry "a" {
  linux /boot/vmlinuz
  initrd /boot/initrd.img
}
menuentry "b" {
  initrd "/boot/quoted.img"
}
menuentry "c" {
  initrdefi /efi/initrd.img
}
`)
	if dollar {
		t.Error("unexpected dollar")
	}
	want := []string{"/boot/initrd.img", "/boot/quoted.img", "/efi/initrd.img"}
	refs := c.Refs()
	if len(refs) != len(want) {
		t.Fatalf("refs %+v", refs)
	}
	for i, w := range want {
		if refs[i].Name != w {
			t.Errorf("ref %d = %q, want %q", i, refs[i].Name, w)
		}
	}
}

func TestParseGrubCfgDollar(t *testing.T) {
	c := NewCollector()
	dollar := c.ParseGrubCfg("initrd /boot/initrd$suffix.img\n")
	if !dollar {
		t.Error("dollar form not detected")
	}
	if len(c.Refs()) != 0 {
		t.Errorf("dollar name collected: %+v", c.Refs())
	}
}

func TestDedup(t *testing.T) {
	c := NewCollector()
	c.ParseGrubCfg("initrd /boot/initrd.img\ninitrd /boot/initrd.img\n")
	if len(c.Refs()) != 1 {
		t.Errorf("dedup failed: %+v", c.Refs())
	}
}

// blankCpio hand-assembles a newc archive with empty files plus the
// trailer record.
func blankCpio(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf []byte
	rec := func(name string) {
		head := make([]byte, 110)
		for i := range head {
			head[i] = '0'
		}
		copy(head[0:6], "070701")
		copy(head[94:102], fmtHex8(uint32(len(name)+1)))
		buf = append(buf, head...)
		buf = append(buf, name...)
		buf = append(buf, 0)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}
	for _, n := range names {
		rec(n)
	}
	rec("TRAILER!!!")
	return buf
}

func fmtHex8(v uint32) []byte {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = hex[v&0xf]
		v >>= 4
	}
	return out
}

func buildTestOverlay(t *testing.T) *overlay.Cpio {
	t.Helper()
	comm := blankCpio(t, "init")
	arch := blankCpio(t, "arch")
	cp, err := overlay.New(comm, arch)
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Append("ventoy/ventoy_image_map", make([]byte, 24)); err != nil {
		t.Fatal(err)
	}
	if err := cp.Seal(); err != nil {
		t.Fatal(err)
	}
	return cp
}

// scenario: one initrd of 64 MiB at image byte offset 8 MiB.
func TestBuildChainData(t *testing.T) {
	isoSize := uint64(2_000_000_000)
	cp := buildTestOverlay(t)
	cpioSecs := uint32(cp.Size() / 2048)

	refs := []*InitrdRef{{
		Name:      "/arch/boot/initrd.img",
		Size:      67_108_864,
		Offset:    8_388_608,
		DirentPos: 123456,
		Valid:     true,
	}}
	param := make([]byte, 256)

	data, err := BuildChainData(isoSize, cp, refs, param, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Virts) != 1 {
		t.Fatalf("virts %d", len(data.Virts))
	}
	v := data.Virts[0]
	isoSecs := uint32((isoSize + 2047) / 2048)
	if v.MemSectorStart != isoSecs {
		t.Errorf("mem start %d, want %d", v.MemSectorStart, isoSecs)
	}
	if v.MemSectorEnd != isoSecs+cpioSecs {
		t.Errorf("mem end %d", v.MemSectorEnd)
	}
	if v.RemapSectorStart != v.MemSectorEnd {
		t.Error("remap must follow the cpio region")
	}
	if v.RemapSectorEnd != v.RemapSectorStart+uint32(67_108_864/2048) {
		t.Errorf("remap end %d", v.RemapSectorEnd)
	}
	if v.OrgSectorStart != uint32(8_388_608/2048) {
		t.Errorf("org start %d", v.OrgSectorStart)
	}
	if v.MemSectorOffset != uint32(chunk.VirtBinSize) {
		t.Errorf("mem offset %d", v.MemSectorOffset)
	}
	if len(data.VirtMem) != cp.Size() {
		t.Errorf("virt mem %d, want %d", len(data.VirtMem), cp.Size())
	}

	if len(data.Overrides) != 1 {
		t.Fatalf("overrides %d", len(data.Overrides))
	}
	ov := data.Overrides[0]
	if ov.ImgOffset != 123456 || len(ov.Data) != 16 {
		t.Errorf("override %d len %d", ov.ImgOffset, len(ov.Data))
	}

	// The effective initrd is cpio || original, reflected in the dirent
	// size patch.
	wantSize := uint32(cp.Size()) + 67_108_864
	gotSize := uint32(ov.Data[8]) | uint32(ov.Data[9])<<8 | uint32(ov.Data[10])<<16 | uint32(ov.Data[11])<<24
	if gotSize != wantSize {
		t.Errorf("patched size %d, want %d", gotSize, wantSize)
	}

	wantVirtSize := (isoSize+2047)/2048*2048 + uint64(cp.Size()) + 67_108_864
	if data.VirtImgSize != wantVirtSize {
		t.Errorf("virt img size %d, want %d", data.VirtImgSize, wantVirtSize)
	}
}

func TestBuildChainDataAppendExt(t *testing.T) {
	cp := buildTestOverlay(t)
	data, err := BuildChainData(10000, cp, nil, make([]byte, 256), nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Virts) != 1 {
		t.Fatalf("virts %d", len(data.Virts))
	}
	v := data.Virts[0]
	if v.MemSectorEnd-v.MemSectorStart != 2 {
		t.Errorf("append-ext region %d sectors, want 2", v.MemSectorEnd-v.MemSectorStart)
	}
	if v.RemapSectorStart != 0 || v.RemapSectorEnd != 0 {
		t.Error("append-ext region must not remap")
	}
	for _, b := range data.VirtMem {
		if b != 0 {
			t.Fatal("append-ext region not zeroed")
		}
	}
}

func TestCollectFromISOAndLocate(t *testing.T) {
	initrd := bytes.Repeat([]byte{0xab}, 64*1024)
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/isolinux/isolinux.cfg", Data: []byte("append initrd=/boot/initrd.img\n")},
		{Path: "/boot/initrd.img", Data: initrd},
	}, isotest.Options{})

	vol, err := isofs.Open(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}

	c := NewCollector()
	c.CollectFromISO(vol, "", "")
	if len(c.Refs()) != 1 {
		t.Fatalf("refs %+v", c.Refs())
	}

	valid := c.Locate(vol, 2048)
	if valid != 1 {
		t.Fatalf("valid %d", valid)
	}
	ref := c.Refs()[0]
	if !ref.Valid || ref.Size != uint64(len(initrd)) {
		t.Errorf("ref %+v", ref)
	}
	if ref.Offset%2048 != 0 || ref.Offset == 0 {
		t.Errorf("offset %d", ref.Offset)
	}
}

// Size filter drops small initrds, then retries without the filter when
// nothing survives.
func TestLocateSizeFilterFallback(t *testing.T) {
	small := bytes.Repeat([]byte{1}, 1024)
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/boot/small.img", Data: small},
	}, isotest.Options{})
	vol, err := isofs.Open(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	c := NewCollector()
	c.ParseGrubCfg("initrd /boot/small.img\n")
	if valid := c.Locate(vol, 1<<20); valid != 1 {
		t.Errorf("fallback pass did not accept the only candidate: %d", valid)
	}
}

func TestFindSVD(t *testing.T) {
	img := isotest.Build([]isotest.FileSpec{
		{Path: "/x", Data: []byte("x")},
	}, isotest.Options{WithSVD: true})
	vol, err := isofs.Open(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatal(err)
	}
	ov, ok := FindSVD(vol)
	if !ok {
		t.Fatal("svd not found")
	}
	if len(ov.Data) != 1 || ov.Data[0] != 0xff {
		t.Errorf("override % x", ov.Data)
	}
}
