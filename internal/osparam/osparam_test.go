package osparam

import (
	"strings"
	"testing"
)

func sum(b []byte) uint8 {
	var s uint8
	for _, c := range b {
		s += c
	}
	return s
}

func TestChecksumZeroesByteSum(t *testing.T) {
	p := &Param{
		DiskSize:     64 * 1024 * 1024 * 1024,
		DiskPartID:   1,
		DiskPartType: PartTypeExfat,
		ImgPath:      "/linux/ubuntu.iso",
		ImgSize:      2147483648,
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != ParamSize {
		t.Fatalf("size %d", len(b))
	}
	if sum(b) != 0 {
		t.Errorf("byte sum %#x, want 0", sum(b))
	}
}

func TestChecksumRecomputedAfterMutation(t *testing.T) {
	p := &Param{ImgPath: "/a.iso"}
	b1, _ := p.Marshal()
	p.BreakLevel = 2
	p.ImgSize = 12345
	b2, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if sum(b2) != 0 {
		t.Errorf("byte sum after mutation %#x", sum(b2))
	}
	if b1[16] == b2[16] {
		t.Log("checksum unchanged; acceptable only if mutations cancel")
	}
}

func TestRoundTrip(t *testing.T) {
	p := &Param{
		DiskSize:        123456789,
		DiskPartID:      1,
		DiskPartType:    PartTypeNtfs,
		ImgPath:         "/images/win.iso",
		ImgSize:         999,
		ChainType:       ChainWindows,
		WindowsCDPrompt: true,
		Vlnk:            true,
		DiskSignature:   [4]byte{0x78, 0x56, 0x34, 0x12},
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	q, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if q.DiskSize != p.DiskSize || q.ImgPath != p.ImgPath || q.ChainType != p.ChainType ||
		!q.WindowsCDPrompt || !q.Vlnk || q.DiskSignature != p.DiskSignature {
		t.Errorf("round trip mismatch: %+v", q)
	}
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	p := &Param{ImgPath: "/x.iso"}
	b, _ := p.Marshal()
	b[40] ^= 0xff
	if _, err := Unmarshal(b); err == nil {
		t.Error("corrupted block accepted")
	}

	b2, _ := p.Marshal()
	b2[0] = 'X' // guid
	if _, err := Unmarshal(b2); err == nil {
		t.Error("bad guid accepted")
	}
}

func TestImgPathTooLong(t *testing.T) {
	p := &Param{ImgPath: "/" + strings.Repeat("a", MaxImgPath)}
	if _, err := p.Marshal(); err == nil {
		t.Error("over-long path accepted")
	}
}

func TestGuidSpellsVentoy(t *testing.T) {
	if string(Guid[:]) != "  www.ventoy.net" {
		t.Errorf("guid bytes %q", Guid)
	}
}
