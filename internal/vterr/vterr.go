// Package vterr declares the error taxonomy shared by the image-boot core.
// Every public dispatcher command maps one of these to its integer exit code.
package vterr

import "errors"

var (
	// ErrBadDevice means a disk or partition open failed.
	ErrBadDevice = errors.New("bad device")

	// ErrUnsupportedFS means the filesystem probe returned nothing usable.
	ErrUnsupportedFS = errors.New("unsupported filesystem")

	// ErrUnsupportedExtents means chunk-list validation failed for a file.
	ErrUnsupportedExtents = errors.New("unsupported chunk list")

	// ErrNotBootable means an ISO has no El Torito catalog on a BIOS platform.
	ErrNotBootable = errors.New("image not bootable")

	// ErrMissingBootResource means ventoy.cpio or the arch cpio is absent
	// from the install partition.
	ErrMissingBootResource = errors.New("missing boot resource")

	// ErrChecksumMismatch means VLNK or MBR validation failed.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrOutOfMemory means an allocation was refused.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrConfigError means a plugin block was semantically bad and dropped.
	ErrConfigError = errors.New("config error")

	// ErrWimUnsupported means the WIM uses a compression we do not patch
	// (XPRESS); the caller falls back to pass-through boot.
	ErrWimUnsupported = errors.New("unsupported wim compression")
)

// Code converts an error to the small integer the menu engine consumes.
// nil maps to 0; unknown errors map to 1.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBadDevice):
		return 2
	case errors.Is(err, ErrUnsupportedFS):
		return 3
	case errors.Is(err, ErrUnsupportedExtents):
		return 4
	case errors.Is(err, ErrNotBootable):
		return 5
	case errors.Is(err, ErrMissingBootResource):
		return 6
	case errors.Is(err, ErrChecksumMismatch):
		return 7
	case errors.Is(err, ErrOutOfMemory):
		return 8
	case errors.Is(err, ErrConfigError):
		return 9
	case errors.Is(err, ErrWimUnsupported):
		return 10
	default:
		return 1
	}
}
