// Package dax owns the host side of a vhost-user-fs DAX cache: a fixed
// window of address space whose sub-ranges are remapped on demand to
// backend file contents, driven by batched map and unmap requests.
package dax

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"
)

// A Window is a fixed-size block of host address space exposed to the guest
// as a DAX region. It starts fully inaccessible; Map replaces sub-ranges
// with backend file mappings and Unmap returns them to blank no-access
// memory. A window is never resized or moved once reserved.
//
// The window keeps no lock of its own. The owning device serializes batch
// processing against state transitions; see Map and Unmap.
type Window struct {
	mem      []byte
	size     uint64
	pageSize uint64

	// Per-page accounting of what is currently mapped. placed tracks pages
	// backed by file contents, readable the subset mapped with read access.
	// Bytes consults readable so callers can never touch a page that would
	// fault.
	placed   *bitset.BitSet
	readable *bitset.BitSet
}

// NewWindow reserves size bytes of private anonymous address space with no
// access rights. The device validates size (power of two, at least a page)
// before calling; the reservation itself is the only failure mode here.
// Close releases the reservation.
func NewWindow(size uint64) (*Window, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("dax: reserve %d byte window: %w", size, err)
	}
	pageSize := uint64(os.Getpagesize())
	pages := uint((size + pageSize - 1) / pageSize)
	return &Window{
		mem:      mem,
		size:     size,
		pageSize: pageSize,
		placed:   bitset.New(pages),
		readable: bitset.New(pages),
	}, nil
}

// Close releases the address-space reservation. Any mappings still placed
// are discarded with it. Further operations on the window return ErrClosed;
// closing twice is a no-op.
func (w *Window) Close() error {
	if w.mem == nil {
		return nil
	}
	mem := w.mem
	w.mem = nil
	w.placed.ClearAll()
	w.readable.ClearAll()
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("dax: release window: %w", err)
	}
	return nil
}

// Size returns the window size in bytes.
func (w *Window) Size() uint64 { return w.size }

// Base returns the host virtual address of the window start, for
// advertisement to the guest as a shared memory region. Zero after Close.
func (w *Window) Base() uintptr {
	if w.mem == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&w.mem[0]))
}

// Placed reports whether every page covering the non-empty range
// [off, off+length) is currently mapped to backend contents.
func (w *Window) Placed(off, length uint64) bool {
	if w.mem == nil || length == 0 || off+length < length || off+length > w.size {
		return false
	}
	first, count := w.pageSpan(off, length)
	for i := uint(0); i < count; i++ {
		if !w.placed.Test(first + i) {
			return false
		}
	}
	return true
}

// PlacedBytes returns the total bytes currently mapped to backend contents,
// rounded up to whole pages.
func (w *Window) PlacedBytes() uint64 {
	return uint64(w.placed.Count()) * w.pageSize
}

// Bytes returns the window contents covering [off, off+length). It fails
// with ErrNotMapped unless every page in the range is placed with read
// access, since anything else would fault on access.
func (w *Window) Bytes(off, length uint64) ([]byte, error) {
	if w.mem == nil {
		return nil, ErrClosed
	}
	if length == 0 || off+length < length || off+length > w.size {
		return nil, &RangeError{Op: "read", Index: -1, Offset: off, Length: length}
	}
	first, count := w.pageSpan(off, length)
	for i := uint(0); i < count; i++ {
		if !w.readable.Test(first + i) {
			return nil, ErrNotMapped
		}
	}
	return w.mem[off : off+length], nil
}

// place remaps [off, off+length) to the backend descriptor's contents at
// fileOff, shared and fixed at the window address. Access rights follow the
// request flags; neither flag set leaves the range inaccessible. Bounds and
// overflow are the caller's responsibility (the batch loops in process.go
// validate before calling).
func (w *Window) place(index int, off, length, flags uint64, fd int, fileOff uint64) error {
	prot := 0
	if flags&FlagMapRead != 0 {
		prot |= unix.PROT_READ
	}
	if flags&FlagMapWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	_, err := unix.MmapPtr(fd, int64(fileOff), unsafe.Pointer(&w.mem[off]), uintptr(length),
		prot, unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		return &MapError{Index: index, Err: err}
	}
	w.mark(off, length, true, flags&FlagMapRead != 0)
	return nil
}

// clear remaps [off, off+length) back to blank anonymous memory with no
// access rights, discarding whatever was mapped there. Bounds are the
// caller's responsibility, as for place.
func (w *Window) clear(index int, off, length uint64) error {
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(&w.mem[off]), uintptr(length),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return &UnmapError{Index: index, Err: err}
	}
	w.mark(off, length, false, false)
	return nil
}

func (w *Window) pageSpan(off, length uint64) (first, count uint) {
	first = uint(off / w.pageSize)
	end := uint((off + length + w.pageSize - 1) / w.pageSize)
	return first, end - first
}

func (w *Window) mark(off, length uint64, placed, readable bool) {
	first, count := w.pageSpan(off, length)
	for i := uint(0); i < count; i++ {
		w.placed.SetTo(first+i, placed)
		w.readable.SetTo(first+i, readable)
	}
}
