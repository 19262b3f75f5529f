// Package dispatch is the public command surface: string-keyed handlers
// the menu engine invokes. It holds no logic of its own; every handler
// binds to an operation on core.State and maps its error to a small code.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ventoy/vtoycore/internal/core"
	"github.com/ventoy/vtoycore/internal/menu"
	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

// Handler is one command implementation. Output, when any, goes to out.
type Handler func(s *core.State, args []string, out *strings.Builder) error

// Dispatcher maps command names to handlers.
type Dispatcher struct {
	table map[string]Handler

	lastEntryStack []int
	pwdContext     bool
}

// New builds the table.
func New() *Dispatcher {
	d := &Dispatcher{table: make(map[string]Handler)}
	d.register()
	return d
}

// Run invokes a command; the returned int is the menu-engine status code
// (0 success).
func (d *Dispatcher) Run(s *core.State, name string, args []string, out *strings.Builder) int {
	h, ok := d.table[name]
	if !ok {
		log.Warnf("unknown command %s", name)
		return 1
	}
	if err := h(s, args, out); err != nil {
		log.Warnf("%s: %v", name, err)
		return vterr.Code(err)
	}
	return 0
}

// Commands returns the registered command names.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.table))
	for n := range d.table {
		names = append(names, n)
	}
	return names
}

func (d *Dispatcher) register() {
	t := d.table

	t["vt_load_plugin"] = func(s *core.State, _ []string, _ *strings.Builder) error {
		return s.LoadPlugins()
	}

	t["vt_list_img"] = func(s *core.State, _ []string, out *strings.Builder) error {
		if err := s.Enumerate(); err != nil {
			return err
		}
		w := menu.NewWriter(0)
		if err := menu.EmitTree(w, s.Tree); err != nil {
			return err
		}
		out.WriteString(w.String())
		return nil
	}

	t["vt_list_img_flat"] = func(s *core.State, _ []string, out *strings.Builder) error {
		if err := s.Enumerate(); err != nil {
			return err
		}
		w := menu.NewWriter(0)
		if err := menu.EmitFlat(w, s.Flat); err != nil {
			return err
		}
		out.WriteString(w.String())
		return nil
	}

	t["vt_clear_img"] = func(s *core.State, _ []string, _ *strings.Builder) error {
		s.Flat, s.Tree = nil, nil
		s.ClearSelection()
		return nil
	}

	t["vt_img_name"] = func(s *core.State, args []string, out *strings.Builder) error {
		id, err := entryID(args)
		if err != nil {
			return err
		}
		e := s.Slab.Get(id)
		if e == nil {
			return fmt.Errorf("no entry %d", id)
		}
		out.WriteString(e.Path)
		return nil
	}

	t["vt_linux_chain_data"] = func(s *core.State, args []string, _ *strings.Builder) error {
		if len(args) < 1 {
			return fmt.Errorf("usage: vt_linux_chain_data <path> [noinit]")
		}
		noinit := len(args) > 1 && args[1] == "noinit"
		_, err := s.LinuxChainData(args[0], noinit)
		return err
	}

	t["vt_windows_chain_data"] = func(s *core.State, args []string, _ *strings.Builder) error {
		if len(args) < 1 {
			return fmt.Errorf("usage: vt_windows_chain_data <path>")
		}
		_, err := s.WindowsChainData(args[0])
		return err
	}

	t["vt_raw_chain_data"] = func(s *core.State, args []string, _ *strings.Builder) error {
		if len(args) < 1 {
			return fmt.Errorf("usage: vt_raw_chain_data <path>")
		}
		_, err := s.RawChainData(args[0])
		return err
	}

	t["vt_patch_vhdboot"] = func(s *core.State, args []string, _ *strings.Builder) error {
		if len(args) < 1 {
			return fmt.Errorf("usage: vt_patch_vhdboot <path>")
		}
		return s.PatchVhdBoot(args[0])
	}

	t["vt_acpi_param"] = func(s *core.State, args []string, out *strings.Builder) error {
		sectorSize := uint32(512)
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("bad sector size %q", args[0])
			}
			sectorSize = uint32(n)
		}
		table, err := s.AcpiParam(sectorSize)
		if err != nil {
			return err
		}
		out.WriteString(fmt.Sprintf("acpi table %d bytes", len(table)))
		return nil
	}

	t["vt_skip_svd"] = func(s *core.State, _ []string, _ *strings.Builder) error {
		s.SkipSVD = true
		return nil
	}

	t["vt_append_ext_sector"] = func(s *core.State, args []string, _ *strings.Builder) error {
		s.AppendExtSector = len(args) > 0 && args[0] == "1"
		return nil
	}

	t["vt_set_wim_prompt"] = func(s *core.State, args []string, _ *strings.Builder) error {
		s.WimPrompt = len(args) > 0 && args[0] == "1"
		return nil
	}

	t["vt_linux_remount"] = func(s *core.State, args []string, _ *strings.Builder) error {
		s.LinuxRemount = len(args) > 0 && args[0] == "1"
		return nil
	}

	t["vt_push_last_entry"] = func(_ *core.State, args []string, _ *strings.Builder) error {
		id := 0
		if len(args) > 0 {
			id, _ = strconv.Atoi(args[0])
		}
		d.lastEntryStack = append(d.lastEntryStack, id)
		return nil
	}

	t["vt_pop_last_entry"] = func(_ *core.State, _ []string, out *strings.Builder) error {
		if n := len(d.lastEntryStack); n > 0 {
			out.WriteString(strconv.Itoa(d.lastEntryStack[n-1]))
			d.lastEntryStack = d.lastEntryStack[:n-1]
		}
		return nil
	}

	t["vt_wim_locate"] = func(s *core.State, args []string, _ *strings.Builder) error {
		if len(args) < 1 {
			return fmt.Errorf("usage: vt_wim_locate <path>")
		}
		return s.WimLocate(args[0])
	}

	t["vt_add_replace_file"] = func(s *core.State, args []string, _ *strings.Builder) error {
		if len(args) < 2 {
			return fmt.Errorf("usage: vt_add_replace_file <org> <new>")
		}
		s.AddReplaceFile(args[0], args[1])
		return nil
	}

	t["vt_del_replace_file"] = func(s *core.State, args []string, _ *strings.Builder) error {
		if len(args) < 1 {
			return fmt.Errorf("usage: vt_del_replace_file <org>")
		}
		s.DelReplaceFile(args[0])
		return nil
	}

	t["vt_pwd_begin"] = func(_ *core.State, _ []string, _ *strings.Builder) error {
		d.pwdContext = true
		return nil
	}

	t["vt_pwd_end"] = func(_ *core.State, _ []string, _ *strings.Builder) error {
		d.pwdContext = false
		return nil
	}

	t["vt_dump_img_sector"] = func(s *core.State, _ []string, out *strings.Builder) error {
		if s.CurChunks == nil {
			return fmt.Errorf("no active selection")
		}
		for _, c := range s.CurChunks.Slice() {
			out.WriteString(fmt.Sprintf("%d+%d,", c.DiskStartSector, c.DiskSectors()))
		}
		out.WriteString("\n")
		return nil
	}
}

// entryID parses the VID_<n> handle form or a bare integer.
func entryID(args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("missing entry id")
	}
	v := strings.TrimPrefix(args[0], "VID_")
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad entry id %q", args[0])
	}
	return id, nil
}
