// Package linuxboot collects initrd references from the boot configs inside
// a Linux ISO and produces the virt and override records that splice the
// ventoy cpio overlay ahead of each initrd.
package linuxboot

import (
	"path"
	"strings"

	"github.com/ventoy/vtoycore/internal/fsapi/isofs"
	"github.com/ventoy/vtoycore/internal/utils/logger"
)

var log = logger.Logger()

// InitrdRef is one collected initrd candidate.
type InitrdRef struct {
	Name string // absolute path inside the ISO

	// Filled by Locate:
	Size      uint64
	Offset    uint64 // byte offset of the initrd data in the image
	DirentPos int64  // byte offset of the iso9660 dirent extent fields
	Valid     bool
}

// Collector accumulates initrd candidates in first-seen order.
type Collector struct {
	refs  []*InitrdRef
	index map[string]struct{}
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{index: make(map[string]struct{})}
}

// Refs returns the collected candidates.
func (c *Collector) Refs() []*InitrdRef { return c.refs }

func (c *Collector) add(name string) {
	if name == "" {
		return
	}
	if _, dup := c.index[name]; dup {
		return
	}
	c.index[name] = struct{}{}
	c.refs = append(c.refs, &InitrdRef{Name: name})
}

func isWordEnd(b byte) bool {
	return b == 0 || b == ' ' || b == '\t' || b == '\r' || b == '\n' || b == ','
}

// ParseIsolinuxCfg extracts initrd paths from one isolinux-style config.
// Recognized forms: "initrd=a,b", "INITRD path", "initrd path", and the Xen
// "--- /install.img" / "--- initrd.img" syntax. Relative paths get the
// config file's directory prefixed.
func (c *Collector) ParseIsolinuxCfg(content, dirPrefix string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		var value string
		if i := strings.Index(line, "initrd="); i >= 0 {
			value = line[i+7:]
		} else if strings.HasPrefix(line, "INITRD") || strings.HasPrefix(line, "initrd") {
			value = strings.TrimLeft(line[6:], " \t")
		} else if strings.Contains(line, "xen") {
			if i := strings.Index(line, "--- /install.img"); i >= 0 {
				value = line[i+4:]
			} else if i := strings.Index(line, "--- initrd.img"); i >= 0 {
				value = line[i+4:]
			} else {
				continue
			}
		} else {
			continue
		}

		for _, tok := range splitWords(value) {
			if tok == "" {
				continue
			}
			if !strings.HasPrefix(tok, "/") {
				tok = path.Join(dirPrefix, tok)
			}
			c.add(tok)
		}
	}
}

// splitWords cuts the first whitespace-terminated field on commas.
func splitWords(s string) []string {
	end := len(s)
	for i := 0; i < len(s); i++ {
		if isWordEnd(s[i]) && s[i] != ',' {
			end = i
			break
		}
	}
	return strings.Split(s[:end], ",")
}

// ParseGrubCfg extracts initrd paths from grub-style config content.
// Returns true when a $-variable initrd was seen, which means the real
// files live under /boot and must be collected by scanning.
func (c *Collector) ParseGrubCfg(content string) (sawDollar bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "initrd") {
			continue
		}
		rest := line[6:]
		// Skip the command word remainder (initrd16, initrdefi, ...).
		i := 0
		for i < len(rest) && rest[i] != ' ' && rest[i] != '\t' {
			i++
		}
		rest = strings.TrimLeft(rest[i:], " \t")

		for rest != "" {
			quoted := false
			if rest[0] == '"' {
				quoted = true
				rest = rest[1:]
			}
			j := 0
			dollar := false
			for j < len(rest) && !isWordEnd(rest[j]) {
				if rest[j] == '$' {
					dollar = true
				}
				j++
			}
			name := rest[:j]
			rest = strings.TrimLeft(rest[j:], " \t")
			if quoted {
				name = strings.TrimSuffix(name, `"`)
			}
			if dollar {
				if strings.HasPrefix(name, "/boot/initrd$") && strings.HasSuffix(name, ".img") {
					sawDollar = true
				}
				continue
			}
			c.add(name)
		}
	}
	return sawDollar
}

// CollectFromISO walks the usual config directories of the mounted ISO.
// isolinuxDir defaults to /isolinux/ and grubDir to /boot/grub/.
func (c *Collector) CollectFromISO(vol *isofs.Volume, isolinuxDir, grubDir string) {
	if isolinuxDir == "" {
		isolinuxDir = "/isolinux"
	}
	if grubDir == "" {
		grubDir = "/boot/grub"
	}

	if ents, err := vol.ReadDir(isolinuxDir); err == nil {
		for _, e := range ents {
			if e.IsDir || !strings.HasSuffix(strings.ToLower(e.Name), ".cfg") {
				continue
			}
			full := path.Join(isolinuxDir, e.Name)
			if data, err := readAll(vol, full); err == nil {
				c.ParseIsolinuxCfg(string(data), isolinuxDir)
			}
		}
	}

	sawDollar := false
	if ents, err := vol.ReadDir(grubDir); err == nil {
		for _, e := range ents {
			low := strings.ToLower(e.Name)
			if e.IsDir || (!strings.HasSuffix(low, ".cfg") && !strings.HasSuffix(low, ".conf")) {
				continue
			}
			full := path.Join(grubDir, e.Name)
			if data, err := readAll(vol, full); err == nil {
				if c.ParseGrubCfg(string(data)) {
					sawDollar = true
				}
			}
		}
	}

	if sawDollar {
		c.collectBootInitrds(vol)
	}
}

// collectBootInitrds picks up every /boot/initrd*.img, the expansion of
// $-style grub variables.
func (c *Collector) collectBootInitrds(vol *isofs.Volume) {
	ents, err := vol.ReadDir("/boot")
	if err != nil {
		return
	}
	for _, e := range ents {
		if e.IsDir {
			continue
		}
		if strings.HasPrefix(e.Name, "initrd") && strings.HasSuffix(e.Name, ".img") {
			c.add("/boot/" + e.Name)
		}
	}
}

func readAll(vol *isofs.Volume, p string) ([]byte, error) {
	f, err := vol.Open(p)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && len(buf) > 0 {
		return nil, err
	}
	return buf, nil
}

// tinyInitrdNames are always accepted regardless of the size filter.
var tinyInitrdNames = []string{"minirt.gz", "initrd.xz", "initrd.gz"}

func isTinyInitrd(name string) bool {
	for _, t := range tinyInitrdNames {
		if strings.Contains(name, t) {
			return true
		}
	}
	return false
}

// Locate resolves every candidate on the ISO, recording size, data offset
// and dirent position. Candidates at or under the overlay size plus 2 KiB are
// dropped unless known-tiny; if that filter leaves nothing, it is retried disabled.
func (c *Collector) Locate(vol *isofs.Volume, cpioSize uint64) int {
	valid := c.locate(vol, cpioSize, true)
	if valid == 0 {
		valid = c.locate(vol, cpioSize, false)
	}
	return valid
}

func (c *Collector) locate(vol *isofs.Volume, cpioSize uint64, sizeFilter bool) int {
	valid := 0
	for _, ref := range c.refs {
		ref.Valid = false
		rec, err := vol.Lookup(ref.Name)
		if err != nil || rec.IsDir {
			continue
		}
		size := uint64(rec.Size)
		if sizeFilter && !isTinyInitrd(ref.Name) && size <= cpioSize+2048 {
			log.Debugf("initrd %s size %d filtered", ref.Name, size)
			continue
		}
		if size <= 1<<20 && ref.Name == "/boot/hdt.img" {
			continue
		}
		ref.Size = size
		ref.Offset = uint64(rec.LBA) * isofs.SectorBytes
		ref.DirentPos = rec.RecordPos + 2
		ref.Valid = true
		valid++
	}
	return valid
}
