package core

import (
	"fmt"

	"github.com/ventoy/vtoycore/internal/vhdboot"
	"github.com/ventoy/vtoycore/internal/vterr"
)

// vhdBootImagePaths are tried in order when loading the vhdboot ISO.
var vhdBootImagePaths = []string{
	"/ventoy/ventoy_vhdboot.img",
	"/ventoy_vhdboot.img",
}

// loadVhdBoot caches the in-memory vhdboot ISO for the session.
func (s *State) loadVhdBoot() error {
	if s.VhdBoot != nil {
		return nil
	}
	for _, p := range vhdBootImagePaths {
		data, err := s.readDataFile(p)
		if err != nil {
			continue
		}
		img, err := vhdboot.Load(data)
		if err != nil {
			return err
		}
		s.VhdBoot = img
		return nil
	}
	return fmt.Errorf("%w: ventoy_vhdboot.img", vterr.ErrMissingBootResource)
}

// PatchVhdBoot patches the vhdboot ISO's BCD for the selected VHD path.
func (s *State) PatchVhdBoot(vhdPath string) error {
	if err := s.loadVhdBoot(); err != nil {
		return err
	}
	id := vhdboot.DiskIdentity{
		GPT:           s.Disk.TableType == "gpt",
		DiskGuid:      s.Disk.DiskGuid,
		PartGuid:      s.DataPart.PartGuid,
		DiskSignature: s.Disk.DiskSignature,
		PartByteOff:   uint64(s.DataPart.Offset()),
	}
	return s.VhdBoot.Patch(vhdPath, id, s.Platform == PlatformUEFI)
}
