package core

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ventoy/vtoycore/internal/acpiparam"
	"github.com/ventoy/vtoycore/internal/blockdev"
	"github.com/ventoy/vtoycore/internal/chain"
	"github.com/ventoy/vtoycore/internal/chunk"
	"github.com/ventoy/vtoycore/internal/extent"
	"github.com/ventoy/vtoycore/internal/fsapi"
	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/fsapi/mount"
	"github.com/ventoy/vtoycore/internal/linuxboot"
	"github.com/ventoy/vtoycore/internal/menu"
	"github.com/ventoy/vtoycore/internal/osparam"
	"github.com/ventoy/vtoycore/internal/overlay"
	"github.com/ventoy/vtoycore/internal/vterr"
	"github.com/ventoy/vtoycore/internal/wim"
)

// selection carries the resolved location of the image being booted; for
// vlnk entries everything points at the target disk.
type selection struct {
	disk      *blockdev.Disk
	partStart uint64
	partIndex uint8
	kind      blockdev.FSKind
	list      *chunk.List
	size      int64
	path      string
	isVlnk    bool
	ownedDisk bool // disk opened for this selection; caller closes
}

// resolveImage produces the chunk list for an image path, following a vlnk
// registration when one exists.
func (s *State) resolveImage(imgPath string) (*selection, error) {
	fs := s.DataFS
	disk := s.Disk
	partStart := s.DataPart.StartLBA
	partIndex := uint8(s.DataPart.Index)
	kind := s.DataKind
	resolved := imgPath
	isVlnk := false
	owned := false

	if t, ok := s.Vlnk.Lookup(imgPath); ok {
		target, err := blockdev.Open(t.DiskName)
		if err != nil {
			return nil, err
		}
		disk = target
		fs = t.FS
		partStart = t.Part.StartLBA
		partIndex = uint8(t.Part.Index)
		kind = t.FS.Kind()
		resolved = t.Path
		isVlnk = true
		owned = true
	}

	partReader := disk.PartReaderAt(blockdev.Partition{StartLBA: partStart, Sectors: disk.SizeSectors() - partStart})
	list, size, err := extent.Resolve(fs, resolved, partStart, extent.Options{
		LoadPrompt: s.LoadPrompt,
		PartReader: partReader,
		Remount: func(r io.ReaderAt) (fsapi.Filesystem, error) {
			return mount.Mount(kind, r, disk.Size-int64(partStart)*blockdev.SectorSize)
		},
	})
	if err != nil {
		if owned {
			disk.Close()
		}
		return nil, err
	}
	return &selection{
		disk:      disk,
		partStart: partStart,
		partIndex: partIndex,
		kind:      kind,
		list:      list,
		size:      size,
		path:      resolved,
		isVlnk:    isVlnk,
		ownedDisk: owned,
	}, nil
}

// buildParam fills the osparam block for the selection.
func (s *State) buildParam(sel *selection, ct osparam.ChainType) *osparam.Param {
	p := &osparam.Param{
		DiskSize:        uint64(sel.disk.Size),
		DiskPartID:      sel.partIndex,
		DiskPartType:    sel.kind.PartType(),
		DiskGuid:        sel.disk.DiskGuid,
		ImgPath:         sel.path,
		ImgSize:         uint64(sel.size),
		ChainType:       ct,
		BreakLevel:      s.BreakLevel,
		DebugLevel:      s.DebugLevel,
		IsUdf:           sel.kind == blockdev.FSUdf,
		WindowsCDPrompt: s.WimPrompt,
		LinuxRemount:    s.LinuxRemount,
		Vlnk:            sel.isVlnk,
		AppendExtSector: s.AppendExtSector,
	}
	sig := sel.disk.DiskSignature
	p.DiskSignature = [4]byte{byte(sig), byte(sig >> 8), byte(sig >> 16), byte(sig >> 24)}
	return p
}

// loadBaseArchives caches ventoy.cpio and the arch cpio from the install
// partition.
func (s *State) loadBaseArchives() error {
	if s.commCpio != nil {
		return nil
	}
	comm, err := s.readInstallFile("/ventoy/ventoy.cpio")
	if err != nil {
		return fmt.Errorf("%w: ventoy.cpio: %v", vterr.ErrMissingBootResource, err)
	}
	arch, err := s.readInstallFile(fmt.Sprintf("/ventoy/ventoy_%s.cpio", s.Arch))
	if err != nil {
		return fmt.Errorf("%w: ventoy_%s.cpio: %v", vterr.ErrMissingBootResource, s.Arch, err)
	}
	s.commCpio, s.archCpio = comm, arch
	return nil
}

// buildOverlay assembles the per-selection cpio overlay.
func (s *State) buildOverlay(sel *selection, noinit bool) error {
	if err := s.loadBaseArchives(); err != nil {
		return err
	}
	cp, err := overlay.New(s.commCpio, s.archCpio)
	if err != nil {
		return err
	}

	if err := cp.Append("ventoy/ventoy_image_map", sel.list.MarshalBinary()); err != nil {
		return err
	}

	if tmpl := s.Plugins.FindAutoInstall(sel.path); tmpl != nil && len(tmpl.Templates) > 0 {
		if data, err := s.readDataFile(tmpl.Templates[0]); err == nil {
			if err := cp.Append("ventoy/autoinstall", data); err != nil {
				return err
			}
		} else {
			log.Warnf("auto install template %s: %v", tmpl.Templates[0], err)
		}
	}

	if pers := s.Plugins.FindPersistence(sel.path); pers != nil && len(pers.Backends) > 0 {
		if plist, _, err := s.resolveDataExtents(pers.Backends[0]); err == nil {
			if err := cp.Append("ventoy/ventoy_persistent_map", plist.MarshalBinary()); err != nil {
				return err
			}
		} else {
			log.Warnf("persistence %s: %v", pers.Backends[0], err)
		}
	}

	if inj := s.Plugins.FindInjection(sel.path); inj != nil {
		if data, err := s.readDataFile(inj.Archive); err == nil {
			if err := cp.Append("ventoy/ventoy_injection", data); err != nil {
				return err
			}
		} else {
			log.Warnf("injection archive %s: %v", inj.Archive, err)
		}
	}

	if dud := s.Plugins.FindDud(sel.path); dud != nil {
		for i, dudPath := range dud.Duds {
			data, err := s.readDataFile(dudPath)
			if err != nil {
				log.Warnf("dud %s: %v", dudPath, err)
				continue
			}
			if err := cp.AddDud(i, dudPath, data); err != nil {
				return err
			}
		}
	}

	if err := cp.Seal(); err != nil {
		return err
	}

	switch s.Arch {
	case "x86_64":
		cp.SelectBusybox("64h")
	case "arm64":
		cp.SelectBusybox("a64")
	case "mips64el":
		cp.SelectBusybox("m64")
	}
	if noinit {
		cp.DisableInit()
	}

	s.Overlay = cp
	return nil
}

// resolveDataExtents builds a chunk list for a support file on the data
// partition (persistence backends).
func (s *State) resolveDataExtents(p string) (*chunk.List, int64, error) {
	partReader := s.Disk.PartReaderAt(s.DataPart)
	return extent.Resolve(s.DataFS, p, s.DataPart.StartLBA, extent.Options{
		PartReader: partReader,
		Remount: func(r io.ReaderAt) (fsapi.Filesystem, error) {
			return mount.Mount(s.DataKind, r, int64(s.DataPart.Sectors)*blockdev.SectorSize)
		},
	})
}

// LinuxChainData builds the chain head for a Linux ISO selection.
func (s *State) LinuxChainData(imgPath string, noinit bool) (*chain.Head, error) {
	s.ClearSelection()

	sel, err := s.resolveImage(imgPath)
	if err != nil {
		return nil, err
	}
	defer sel.release()

	imgReader := chunk.NewReader(sel.disk.ReaderAt(), sel.list, sel.size)
	vol, err := isofs.Open(imgReader, sel.size)
	if err != nil {
		return nil, err
	}

	cat, err := vol.FindBootCatalog()
	if err != nil {
		return nil, err
	}
	if cat == nil && s.Platform == PlatformBIOS {
		return nil, fmt.Errorf("%w: no el torito catalog", vterr.ErrNotBootable)
	}

	if err := s.buildOverlay(sel, noinit); err != nil {
		return nil, err
	}

	collector := linuxboot.NewCollector()
	collector.CollectFromISO(vol, "", "")
	valid := collector.Locate(vol, uint64(s.Overlay.Size()))
	log.Debugf("linux chain: %d initrd candidates, %d valid", len(collector.Refs()), valid)

	param := s.buildParam(sel, osparam.ChainLinux)
	paramBytes, err := param.Marshal()
	if err != nil {
		return nil, err
	}

	confItems := s.confReplaceItems(sel, vol)

	data, err := linuxboot.BuildChainData(uint64(sel.size), s.Overlay, collector.Refs(),
		paramBytes, confItems, s.AppendExtSector)
	if err != nil {
		return nil, err
	}

	overrides := data.Overrides
	if s.SkipSVD {
		if ov, ok := linuxboot.FindSVD(vol); ok {
			overrides = append(overrides, ov)
		}
	}

	in := chain.Input{
		Param:          param,
		Chunks:         sel.list,
		Overrides:      overrides,
		Virts:          data.Virts,
		VirtMem:        data.VirtMem,
		DiskSectorSize: blockdev.SectorSize,
		RealImgSize:    uint64(sel.size),
		VirtImgSize:    data.VirtImgSize,
	}
	if cat != nil {
		in.BootCatalog = cat.LBA
		if s.Platform == PlatformBIOS {
			in.CatalogSector = cat.FirstSector[:]
		}
	}

	return s.finishChain(sel, in)
}

// confReplaceItems resolves every conf-replace rule bound to the image:
// the plugin table first, then runtime-registered pairs.
func (s *State) confReplaceItems(sel *selection, vol *isofs.Volume) []linuxboot.ConfReplaceItem {
	type pair struct{ org, new string }
	var pairs []pair
	for _, rule := range s.Plugins.FindConfReplace(sel.path) {
		pairs = append(pairs, pair{rule.OrgConf, rule.NewConf})
	}
	for _, p := range s.ReplaceFiles {
		pairs = append(pairs, pair{p[0], p[1]})
	}

	var items []linuxboot.ConfReplaceItem
	for _, p := range pairs {
		rec, err := vol.Lookup(p.org)
		if err != nil || rec.IsDir {
			log.Warnf("conf_replace: %s not in image", p.org)
			continue
		}
		newData, err := s.readDataFile(p.new)
		if err != nil {
			log.Warnf("conf_replace: %s: %v", p.new, err)
			continue
		}
		items = append(items, linuxboot.ConfReplaceItem{
			DirentPos: rec.RecordPos + 2,
			NewData:   newData,
		})
	}
	return items
}

// WindowsChainData builds the chain head for a Windows ISO selection,
// patching boot.wim. An unsupported WIM downgrades to pass-through boot.
func (s *State) WindowsChainData(imgPath string) (*chain.Head, error) {
	s.ClearSelection()

	sel, err := s.resolveImage(imgPath)
	if err != nil {
		return nil, err
	}
	defer sel.release()

	imgReader := chunk.NewReader(sel.disk.ReaderAt(), sel.list, sel.size)
	vol, err := isofs.Open(imgReader, sel.size)
	if err != nil {
		return nil, err
	}

	cat, err := vol.FindBootCatalog()
	if err != nil {
		return nil, err
	}
	if cat == nil && s.Platform == PlatformBIOS {
		return nil, fmt.Errorf("%w: no el torito catalog", vterr.ErrNotBootable)
	}

	param := s.buildParam(sel, osparam.ChainWindows)
	paramBytes, err := param.Marshal()
	if err != nil {
		return nil, err
	}

	in := chain.Input{
		Param:          param,
		Chunks:         sel.list,
		DiskSectorSize: blockdev.SectorSize,
		RealImgSize:    uint64(sel.size),
		VirtImgSize:    uint64(sel.size+2047) &^ 2047,
		DriveMap:       s.Platform == PlatformBIOS,
	}
	if cat != nil {
		in.BootCatalog = cat.LBA
		if s.Platform == PlatformBIOS {
			in.CatalogSector = cat.FirstSector[:]
		}
	}

	res, err := s.patchBootWim(sel, vol, paramBytes)
	switch {
	case err == nil && res != nil:
		in.Overrides = res.Overrides
		in.Virts = []chunk.Virt{res.Virt}
		in.VirtMem = res.VirtMem
		in.VirtImgSize += res.SizeDelta
	case errors.Is(err, vterr.ErrWimUnsupported):
		log.Warnf("wim patch skipped: %v", err)
	case err != nil:
		return nil, err
	}

	return s.finishChain(sel, in)
}

// patchBootWim locates /sources/boot.wim and builds the replacement
// records.
func (s *State) patchBootWim(sel *selection, vol *isofs.Volume, paramBytes []byte) (*wim.Result, error) {
	rec, err := vol.Lookup("/sources/boot.wim")
	if err != nil || rec.IsDir {
		return nil, nil // no wim, plain boot
	}

	jump32, err1 := s.readInstallFile("/ventoy/vtoyjump32.exe")
	jump64, err2 := s.readInstallFile("/ventoy/vtoyjump64.exe")
	if err1 != nil && err2 != nil {
		return nil, fmt.Errorf("%w: vtoyjump", vterr.ErrMissingBootResource)
	}

	var autoScript string
	if tmpl := s.Plugins.FindAutoInstall(sel.path); tmpl != nil && len(tmpl.Templates) > 0 {
		autoScript = tmpl.Templates[0]
	}
	var injection string
	if inj := s.Plugins.FindInjection(sel.path); inj != nil {
		injection = inj.Archive
	}

	imgReader := chunk.NewReader(sel.disk.ReaderAt(), sel.list, sel.size)
	wimReader := io.NewSectionReader(imgReader, int64(rec.LBA)*isofs.SectorBytes, int64(rec.Size))

	return wim.Patch(wim.Input{
		Wim:       wimReader,
		WimSize:   uint64(rec.Size),
		WimImgOff: uint64(rec.LBA) * isofs.SectorBytes,
		DirentPos: rec.RecordPos + 2,
		ImageSize: uint64(sel.size),
		JumpExe32: jump32,
		JumpExe64: jump64,
		OSParam:   paramBytes,
		RtData:    wim.BuildRuntimeData(autoScript, injection),
	})
}

// WimLocate checks that an image's boot.wim exists and is patchable. Used
// by the menu engine before offering the patched-boot path.
func (s *State) WimLocate(imgPath string) error {
	sel, err := s.resolveImage(imgPath)
	if err != nil {
		return err
	}
	defer sel.release()

	imgReader := chunk.NewReader(sel.disk.ReaderAt(), sel.list, sel.size)
	vol, err := isofs.Open(imgReader, sel.size)
	if err != nil {
		return err
	}
	rec, err := vol.Lookup("/sources/boot.wim")
	if err != nil || rec.IsDir {
		return fmt.Errorf("no /sources/boot.wim in %s", imgPath)
	}
	wimReader := io.NewSectionReader(imgReader, int64(rec.LBA)*isofs.SectorBytes, int64(rec.Size))
	return wim.CheckBootable(wimReader)
}

// AddReplaceFile registers a runtime conf-replace pair for the next
// selection; DelReplaceFile removes it.
func (s *State) AddReplaceFile(org, new string) {
	s.ReplaceFiles = append(s.ReplaceFiles, [2]string{org, new})
}

// DelReplaceFile drops every pair whose original path matches.
func (s *State) DelReplaceFile(org string) {
	kept := s.ReplaceFiles[:0]
	for _, p := range s.ReplaceFiles {
		if p[0] != org {
			kept = append(kept, p)
		}
	}
	s.ReplaceFiles = kept
}

// RawChainData builds the chain head for img/vhd/vtoy files: no injection,
// the synthetic image is the file itself.
func (s *State) RawChainData(imgPath string) (*chain.Head, error) {
	s.ClearSelection()

	sel, err := s.resolveImage(imgPath)
	if err != nil {
		return nil, err
	}
	defer sel.release()

	param := s.buildParam(sel, osparam.ChainRaw)
	in := chain.Input{
		Param:          param,
		Chunks:         sel.list,
		DiskSectorSize: blockdev.SectorSize,
		RealImgSize:    uint64(sel.size),
		VirtImgSize:    uint64(sel.size),
		DriveMap:       s.Platform == PlatformBIOS && extent.RawImageSuffix(imgPath),
	}
	return s.finishChain(sel, in)
}

// finishChain composes the head and records the selection.
func (s *State) finishChain(sel *selection, in chain.Input) (*chain.Head, error) {
	head, err := chain.Compose(in)
	if err != nil {
		return nil, err
	}
	s.Head = head
	s.CurPath = sel.path
	s.CurSize = sel.size
	s.CurChunks = sel.list
	return head, nil
}

// AcpiParam renders the VTOY ACPI table for the current selection.
func (s *State) AcpiParam(imageSectorSize uint32) ([]byte, error) {
	if s.Head == nil || s.CurChunks == nil {
		return nil, fmt.Errorf("no active selection")
	}
	param, err := osparam.Unmarshal(s.Head.Blob[:osparam.ParamSize])
	if err != nil {
		return nil, err
	}
	return acpiparam.Build(param, s.CurChunks, imageSectorSize)
}

// EntryByPath finds the enumerated entry for an absolute path.
func (s *State) EntryByPath(p string) *menu.Entry {
	for _, e := range s.Flat {
		if e.Path == p {
			return e
		}
	}
	return nil
}

// release closes a vlnk-opened disk.
func (sel *selection) release() {
	if sel.ownedDisk {
		sel.disk.Close()
	}
}

// BaseName trims the directory part of an image path.
func BaseName(p string) string { return path.Base(strings.TrimSuffix(p, "/")) }
