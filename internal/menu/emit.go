package menu

import (
	"fmt"
	"strings"
)

// Writer accumulates menu text against a hard capacity. Exceeding it is an
// error, never a silent truncation.
type Writer struct {
	b   strings.Builder
	cap int
}

// DefaultMenuCapacity bounds one generated menu script.
const DefaultMenuCapacity = 8 << 20

// NewWriter returns a writer with the given capacity; 0 selects the
// default.
func NewWriter(capacity int) *Writer {
	if capacity <= 0 {
		capacity = DefaultMenuCapacity
	}
	return &Writer{cap: capacity}
}

// Printf appends formatted text.
func (w *Writer) Printf(format string, args ...interface{}) error {
	s := fmt.Sprintf(format, args...)
	if w.b.Len()+len(s) > w.cap {
		return fmt.Errorf("menu: output exceeds %d bytes", w.cap)
	}
	w.b.WriteString(s)
	return nil
}

// String returns the accumulated text.
func (w *Writer) String() string { return w.b.String() }

// Len returns the accumulated length.
func (w *Writer) Len() int { return w.b.Len() }

// EmitFlat renders the flat list: one menuentry block per image.
func EmitFlat(w *Writer, entries []*Entry) error {
	for _, e := range entries {
		if err := emitEntry(w, e, ""); err != nil {
			return err
		}
	}
	return nil
}

// EmitTree renders the directory tree: submenu blocks wrapping menuentry
// blocks.
func EmitTree(w *Writer, root *Dir) error {
	for _, sd := range root.Subdirs {
		if err := emitDir(w, sd, "  "); err != nil {
			return err
		}
	}
	for _, e := range root.Entries {
		if err := emitEntry(w, e, ""); err != nil {
			return err
		}
	}
	return nil
}

func emitDir(w *Writer, d *Dir, indent string) error {
	cls := d.Class
	if cls == "" {
		cls = "vtoydir"
	}
	if err := w.Printf("submenu \"%s\" --class=%s {\n", escape(d.Display()), cls); err != nil {
		return err
	}
	if err := w.Printf("%smenuentry \"%s\" --class=vtoyret VTOY_RET {\n%s  echo 'return ...'\n%s}\n",
		indent, "<--", indent, indent); err != nil {
		return err
	}
	for _, sd := range d.Subdirs {
		if err := emitDir(w, sd, indent+"  "); err != nil {
			return err
		}
	}
	for _, e := range d.Entries {
		if err := emitEntry(w, e, indent); err != nil {
			return err
		}
	}
	return w.Printf("}\n")
}

func emitEntry(w *Writer, e *Entry, indent string) error {
	return w.Printf("%smenuentry \"%s\" --class=%s --id=%s {\n%s  %s_%s_common_menuentry\n%s}\n",
		indent, escape(e.Display()), e.Class, HandleString(e.ID),
		indent, "vt", e.Type.Prefix(), indent)
}

func escape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
