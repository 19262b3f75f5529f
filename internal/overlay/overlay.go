package overlay

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
	"github.com/sassoftware/go-rpmutils"
	"github.com/ulikunitz/xz"

	"github.com/ventoy/vtoycore/internal/osparam"
	"github.com/ventoy/vtoycore/internal/utils/logger"
)

var log = logger.Logger()

// initrdHeadName is the placeholder entry patched per selection with the
// real initrd name and size. Names are at most 12 characters (the length of
// the placeholder name) plus NUL.
const initrdHeadName = "initrd000.xx"

// Cpio is the reusable overlay buffer. Build order: New, Append* calls,
// Seal; then SetOSParam/SetInitrdEntry before every chain-off.
type Cpio struct {
	buf []byte

	nextInode uint32
	sealed    bool

	osParamOff   int // data region of ventoy/ventoy_os_param
	osParamLen   int // padded data region length
	initrdHeadOf int // placeholder header offset
}

// New concatenates the arch-independent and arch-specific base archives.
// Gzip-compressed archives are accepted and inflated transparently.
func New(commData, archData []byte) (*Cpio, error) {
	commData, err := maybeGunzip(commData)
	if err != nil {
		return nil, fmt.Errorf("overlay: base archive: %w", err)
	}
	archData, err = maybeGunzip(archData)
	if err != nil {
		return nil, fmt.Errorf("overlay: arch archive: %w", err)
	}

	c := &Cpio{nextInode: firstInode}
	c.buf = make([]byte, 0, len(commData)+len(archData)+40960)
	c.buf = append(c.buf, commData...)

	tail, err := findTailMagic(c.buf)
	if err != nil {
		return nil, err
	}
	c.buf = append(c.buf[:tail], archData...)

	tail, err = findTailMagic(c.buf)
	if err != nil {
		return nil, err
	}
	c.buf = c.buf[:tail]
	return c, nil
}

// Append adds one newc entry.
func (c *Cpio) Append(name string, data []byte) error {
	if c.sealed {
		return fmt.Errorf("overlay: append after seal")
	}
	head := make([]byte, align4(headerSize+len(name)+1))
	fillHead(head, c.nextInode, len(data), name)
	c.nextInode--
	c.buf = append(c.buf, head...)
	c.buf = append(c.buf, data...)
	if pad := align4(len(data)) - len(data); pad > 0 {
		c.buf = append(c.buf, make([]byte, pad)...)
	}
	return nil
}

// AddDud appends one driver-update disk, named ventoy/ventoy_dud<N> with
// the source extension. The payload is sniffed and, for rpm files,
// validated; an unreadable dud is skipped rather than breaking the boot.
func (c *Cpio) AddDud(index int, srcPath string, data []byte) error {
	ext := path.Ext(srcPath)
	if ext == "" {
		ext = sniffExt(data)
	}
	if strings.EqualFold(ext, ".rpm") {
		if _, err := rpmutils.ReadRpm(bytes.NewReader(data)); err != nil {
			log.Warnf("dud %s is not a readable rpm: %v", srcPath, err)
			return nil
		}
	}
	if strings.EqualFold(ext, ".xz") && !validXz(data) {
		log.Warnf("dud %s is not a readable xz stream", srcPath)
		return nil
	}
	return c.Append(fmt.Sprintf("ventoy/ventoy_dud%d%s", index, ext), data)
}

// Seal appends the os-param placeholder sized to land the whole buffer on a
// 2 KiB boundary, then the initrd placeholder header. After Seal the buffer
// length is final.
func (c *Cpio) Seal() error {
	if c.sealed {
		return nil
	}
	if name, dup := hasDuplicateNames(c.buf); dup {
		return fmt.Errorf("overlay: duplicate entry %q", name)
	}

	paramHead := make([]byte, align4(headerSize+len("ventoy/ventoy_os_param")+1))
	headlen := fillHead(paramHead, c.nextInode, 0, "ventoy/ventoy_os_param")
	c.nextInode--

	initrdHeadLen := align4(headerSize + len(initrdHeadName) + 1)

	padlen := osparam.ParamSize
	total := len(c.buf) + headlen + padlen + initrdHeadLen
	if mod := total % 2048; mod != 0 {
		padlen += 2048 - mod
		total += 2048 - mod
	}
	fillHex(paramHead[54:62], uint32(padlen))

	c.buf = append(c.buf, paramHead...)
	c.osParamOff = len(c.buf)
	c.osParamLen = padlen
	c.buf = append(c.buf, make([]byte, padlen)...)

	c.initrdHeadOf = len(c.buf)
	head := make([]byte, initrdHeadLen)
	fillHead(head, c.nextInode, 0, initrdHeadName)
	c.nextInode--
	c.buf = append(c.buf, head...)

	c.sealed = true
	return nil
}

// SetOSParam overwrites the placeholder data region with the current
// parameter block. Called before every chain-off; the rest of the buffer is
// untouched, which is what makes cross-selection reuse safe.
func (c *Cpio) SetOSParam(param []byte) error {
	if !c.sealed {
		return fmt.Errorf("overlay: not sealed")
	}
	if len(param) > c.osParamLen {
		return fmt.Errorf("overlay: param %d exceeds slot %d", len(param), c.osParamLen)
	}
	zero := c.buf[c.osParamOff : c.osParamOff+c.osParamLen]
	for i := range zero {
		zero[i] = 0
	}
	copy(zero, param)
	return nil
}

// SetInitrdEntry rewrites the placeholder header with the per-image initrd
// name and size.
func (c *Cpio) SetInitrdEntry(name string, size uint32) error {
	if !c.sealed {
		return fmt.Errorf("overlay: not sealed")
	}
	if len(name) > len(initrdHeadName) {
		return fmt.Errorf("overlay: initrd name %q too long", name)
	}
	head := c.buf[c.initrdHeadOf:]
	nameField := head[headerSize : headerSize+len(initrdHeadName)+1]
	for i := range nameField {
		nameField[i] = 0
	}
	copy(nameField, name)
	fillHex(head[54:62], size)
	return nil
}

// SelectBusybox swaps the active busybox binary: ash becomes 32h and the
// requested variant (64h, a64, m64) becomes ash.
func (c *Cpio) SelectBusybox(variant string) {
	target := "ventoy/busybox/" + variant
	count := 0
	for off := 0; count < 2; {
		name, recLen, ok := entryAt(c.buf, off)
		if !ok || name == trailerName {
			return
		}
		switch name {
		case "ventoy/busybox/ash":
			copy(c.buf[off+headerSize:], "ventoy/busybox/32h")
			count++
		case target:
			copy(c.buf[off+headerSize:], "ventoy/busybox/ash")
			count++
		}
		off += recLen
	}
}

// DisableInit renames the base archive's init entry points so the distro's
// own init runs and the agent stays passive.
func (c *Cpio) DisableInit() {
	renameEntry(c.buf, "init", "xxxx")
	renameEntry(c.buf, "linuxrc", "vtoyxrc")
	renameEntry(c.buf, "sbin", "vtoy")
	renameEntry(c.buf, "sbin/init", "vtoy/vtoy")
}

// Bytes returns the sealed buffer, ending with the initrd placeholder. The
// trailer record travels in the appended initrd image itself.
func (c *Cpio) Bytes() []byte { return c.buf }

// Size returns the sealed buffer length; always 2 KiB aligned.
func (c *Cpio) Size() int { return len(c.buf) }

// Trailer returns a standalone TRAILER!!! record, 2 KiB padded, for boots
// that need the overlay closed without an initrd behind it.
func Trailer() []byte {
	t := trailer()
	padded := make([]byte, (len(t)+2047)&^2047)
	copy(padded, t)
	return padded
}

func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return out, nil
}

// sniffExt guesses a dud extension from payload magic.
func sniffExt(data []byte) string {
	switch {
	case len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b:
		return ".gz"
	case len(data) > 6 && string(data[0:6]) == xzMagic:
		return ".xz"
	default:
		return ".iso"
	}
}

var xzMagic = string([]byte{0xfd, '7', 'z', 'X', 'Z', 0x00})

// validXz confirms an xz stream opens; used by callers that want to reject
// corrupt driver disks early.
func validXz(data []byte) bool {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return false
	}
	var probe [1]byte
	_, err = r.Read(probe[:])
	return err == nil || err == io.EOF
}
