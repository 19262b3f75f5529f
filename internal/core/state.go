// Package core owns the per-session state the original kept in globals: the
// chain head singleton, the reusable overlay buffer, plugin tables, the
// vlnk cache and the image list. Commands receive the state explicitly;
// nothing leaks across menu iterations.
package core

import (
	"fmt"
	"io"

	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/chain"
	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/fsapi"
	"github.com/ventoy/vtoycore/internal/fsapi/mount"
	"github.com/ventoy/vtoycore/internal/menu"
	"github.com/ventoy/vtoycore/internal/overlay"
	"github.com/ventoy/vtoycore/internal/plugin"
	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vhdboot"
	"github.com/ventoy/vtoycore/internal/vlnk"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

// Platform is the boot firmware flavor.
type Platform string

// Platforms.
const (
	PlatformBIOS Platform = "bios"
	PlatformUEFI Platform = "uefi"
)

// State is the single owner of everything a session mutates.
type State struct {
	Platform Platform
	Arch     string // x86_64, i386, arm64, mips64el

	Disk     *blockdev.Disk
	DataPart blockdev.Partition
	DataFS   fsapi.Filesystem
	DataKind blockdev.FSKind

	InstallPart blockdev.Partition
	InstallFS   fsapi.Filesystem

	Plugins *plugin.Store
	Vlnk    *vlnk.Resolver
	Slab    *menu.Slab
	Tree    *menu.Dir
	Flat    []*menu.Entry

	// Overlay is rebuilt per selection; the underlying base archives are
	// cached after the first load.
	Overlay  *overlay.Cpio
	commCpio []byte
	archCpio []byte

	// Head is the per-selection singleton. Replaced atomically: the old one
	// is dropped before a new one is composed.
	Head *chain.Head

	// Current selection.
	CurPath   string
	CurSize   int64
	CurChunks *chunk.List

	VhdBoot *vhdboot.Image

	// ReplaceFiles holds runtime-registered conf replacements as
	// (original-in-image, replacement-on-data-partition) pairs, applied in
	// addition to the plugin conf_replace table.
	ReplaceFiles [][2]string

	LoadPrompt      bool
	AppendExtSector bool
	SkipSVD         bool
	WimPrompt       bool
	LinuxRemount    bool
	BreakLevel      uint8
	DebugLevel      uint8

	SecondaryMenuOn bool
}

// New binds a state to the opened ventoy disk. Partition 1 is the data
// partition, partition 2 the install partition.
func New(d *blockdev.Disk, platform Platform, arch string) (*State, error) {
	s := &State{
		Platform: platform,
		Arch:     arch,
		Disk:     d,
		Plugins:  plugin.NewStore(),
		Slab:     &menu.Slab{},
	}

	var err error
	if s.DataPart, err = d.FindPartition(1); err != nil {
		return nil, err
	}
	if s.InstallPart, err = d.FindPartition(2); err != nil {
		return nil, err
	}

	dataReader := d.PartReaderAt(s.DataPart)
	s.DataFS, s.DataKind, err = mount.Probe(dataReader, int64(s.DataPart.Sectors)*blockdev.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("data partition: %w", err)
	}

	s.InstallFS, _, err = mount.Probe(d.PartReaderAt(s.InstallPart), int64(s.InstallPart.Sectors)*blockdev.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("install partition: %w", err)
	}

	s.Vlnk = vlnk.NewResolver(d.DiskSignature, platformDiskNames)
	return s, nil
}

// platformDiskNames lists candidate disks for vlnk resolution; injectable
// in tests through the resolver.
var platformDiskNames = func() []string { return nil }

// SetDiskEnumerator overrides the disk name source (tests, platforms).
func SetDiskEnumerator(f func() []string) { platformDiskNames = f }

// LoadPlugins reads /ventoy/ventoy.json (or ventoy.yaml) from the data
// partition. A missing file leaves every table empty, which is valid.
func (s *State) LoadPlugins() error {
	for _, cand := range []struct {
		path string
		yaml bool
	}{
		{"/ventoy/ventoy.json", false},
		{"/ventoy/ventoy.yaml", true},
	} {
		data, err := s.readDataFile(cand.path)
		if err != nil {
			continue
		}
		store, err := plugin.Load(data, cand.yaml)
		if err != nil {
			log.Warnf("plugin config %s rejected: %v", cand.path, err)
			return err
		}
		s.Plugins = store
		log.Debugf("plugins loaded from %s", cand.path)
		return nil
	}
	s.Plugins = plugin.NewStore()
	return nil
}

// Enumerate rebuilds the image list and menu tree. The previous list is
// fully dropped first.
func (s *State) Enumerate() error {
	s.Flat, s.Tree = nil, nil
	s.Slab = &menu.Slab{}

	en := &menu.Enumerator{
		FS:    s.DataFS,
		Store: s.Plugins,
		Opt:   menu.OptionsFromControl(s.Plugins.Control),
		Vlnk:  s.Vlnk,
		Slab:  s.Slab,
	}
	tree, err := en.Enumerate()
	if err != nil {
		return err
	}
	s.Tree = tree
	s.Flat = en.Flat()
	return nil
}

// ClearSelection drops the per-selection products.
func (s *State) ClearSelection() {
	s.Head = nil
	s.CurChunks = nil
	s.CurPath = ""
	s.CurSize = 0
}

// readDataFile loads a whole file from the data partition.
func (s *State) readDataFile(path string) ([]byte, error) {
	return readWhole(s.DataFS, path)
}

// readInstallFile loads a whole file from the install partition.
func (s *State) readInstallFile(path string) ([]byte, error) {
	return readWhole(s.InstallFS, path)
}

func readWhole(fs fsapi.Filesystem, path string) ([]byte, error) {
	if fs == nil {
		return nil, fmt.Errorf("%w: filesystem not mounted", vterr.ErrBadDevice)
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, f.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
