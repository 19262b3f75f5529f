package dispatch

import (
	"strings"
	"testing"

	"github.com/ventoy/vtoycore/internal/core"
	"github.com/ventoy/vtoycore/internal/menu"
	"github.com/ventoy/vtoycore/internal/plugin"
)

func testState() *core.State {
	return &core.State{
		Platform: core.PlatformUEFI,
		Plugins:  plugin.NewStore(),
		Slab:     &menu.Slab{},
	}
}

func TestUnknownCommand(t *testing.T) {
	d := New()
	var out strings.Builder
	if rc := d.Run(testState(), "vt_no_such_cmd", nil, &out); rc == 0 {
		t.Error("unknown command succeeded")
	}
}

func TestCommandsRegistered(t *testing.T) {
	d := New()
	want := []string{
		"vt_load_plugin", "vt_list_img", "vt_list_img_flat", "vt_clear_img",
		"vt_img_name", "vt_linux_chain_data", "vt_windows_chain_data",
		"vt_raw_chain_data", "vt_patch_vhdboot", "vt_acpi_param",
		"vt_skip_svd", "vt_append_ext_sector", "vt_set_wim_prompt",
		"vt_wim_locate", "vt_add_replace_file", "vt_del_replace_file",
		"vt_push_last_entry", "vt_pop_last_entry", "vt_pwd_begin", "vt_pwd_end",
		"vt_dump_img_sector",
	}
	have := map[string]bool{}
	for _, n := range d.Commands() {
		have[n] = true
	}
	for _, n := range want {
		if !have[n] {
			t.Errorf("command %s not registered", n)
		}
	}
}

func TestImgNameResolvesHandle(t *testing.T) {
	s := testState()
	e := &menu.Entry{Path: "/linux/a.iso", Name: "a.iso"}
	s.Slab.Put(e)

	d := New()
	var out strings.Builder
	if rc := d.Run(s, "vt_img_name", []string{menu.HandleString(e.ID)}, &out); rc != 0 {
		t.Fatalf("rc %d", rc)
	}
	if out.String() != "/linux/a.iso" {
		t.Errorf("out %q", out.String())
	}
}

func TestImgNameBadHandle(t *testing.T) {
	d := New()
	var out strings.Builder
	if rc := d.Run(testState(), "vt_img_name", []string{"VID_99"}, &out); rc == 0 {
		t.Error("bad handle accepted")
	}
	if rc := d.Run(testState(), "vt_img_name", []string{"garbage"}, &out); rc == 0 {
		t.Error("garbage handle accepted")
	}
}

func TestLastEntryStack(t *testing.T) {
	d := New()
	s := testState()
	var out strings.Builder
	d.Run(s, "vt_push_last_entry", []string{"7"}, &out)
	d.Run(s, "vt_push_last_entry", []string{"9"}, &out)

	out.Reset()
	d.Run(s, "vt_pop_last_entry", nil, &out)
	if out.String() != "9" {
		t.Errorf("pop %q", out.String())
	}
	out.Reset()
	d.Run(s, "vt_pop_last_entry", nil, &out)
	if out.String() != "7" {
		t.Errorf("pop %q", out.String())
	}
	out.Reset()
	d.Run(s, "vt_pop_last_entry", nil, &out)
	if out.String() != "" {
		t.Errorf("empty pop %q", out.String())
	}
}

func TestFlagCommands(t *testing.T) {
	d := New()
	s := testState()
	var out strings.Builder
	d.Run(s, "vt_skip_svd", nil, &out)
	if !s.SkipSVD {
		t.Error("skip svd not set")
	}
	d.Run(s, "vt_append_ext_sector", []string{"1"}, &out)
	if !s.AppendExtSector {
		t.Error("append ext not set")
	}
	d.Run(s, "vt_append_ext_sector", []string{"0"}, &out)
	if s.AppendExtSector {
		t.Error("append ext not cleared")
	}
	d.Run(s, "vt_set_wim_prompt", []string{"1"}, &out)
	if !s.WimPrompt {
		t.Error("wim prompt not set")
	}
}

func TestReplaceFileRegistry(t *testing.T) {
	d := New()
	s := testState()
	var out strings.Builder
	d.Run(s, "vt_add_replace_file", []string{"/boot/grub/grub.cfg", "/ventoy/my.cfg"}, &out)
	d.Run(s, "vt_add_replace_file", []string{"/syslinux/syslinux.cfg", "/ventoy/sys.cfg"}, &out)
	if len(s.ReplaceFiles) != 2 {
		t.Fatalf("registered %d", len(s.ReplaceFiles))
	}
	d.Run(s, "vt_del_replace_file", []string{"/boot/grub/grub.cfg"}, &out)
	if len(s.ReplaceFiles) != 1 || s.ReplaceFiles[0][0] != "/syslinux/syslinux.cfg" {
		t.Errorf("after delete %+v", s.ReplaceFiles)
	}
}

func TestChainCommandsRequireArgs(t *testing.T) {
	d := New()
	var out strings.Builder
	for _, cmd := range []string{"vt_linux_chain_data", "vt_windows_chain_data", "vt_raw_chain_data"} {
		if rc := d.Run(testState(), cmd, nil, &out); rc == 0 {
			t.Errorf("%s without args succeeded", cmd)
		}
	}
}
