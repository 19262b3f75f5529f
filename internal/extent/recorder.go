package extent

import (
	"io"

	"github.com/ventoy/vtoycore/internal/chunk"
)

// recorder wraps the partition reader and, once armed, appends every read
// it sees to the chunk list as partition-relative sector runs. Metadata
// reads issued while the driver mounts and opens stay unrecorded.
type recorder struct {
	inner io.ReaderAt
	list  *chunk.List
	armed bool
}

func newRecorder(inner io.ReaderAt) *recorder {
	return &recorder{inner: inner, list: chunk.NewList()}
}

func (r *recorder) arm() { r.armed = true }

func (r *recorder) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.inner.ReadAt(p, off)
	if r.armed && n > 0 {
		start := uint64(off) / 512
		sectors := (uint64(n) + 511) / 512
		r.list.AppendDiskRun(start, sectors)
	}
	return n, err
}
