package dax

import (
	"errors"
	"fmt"
)

var (
	// ErrBadHandle rejects a map batch whose backend descriptor is invalid.
	// No slot of such a batch is processed.
	ErrBadHandle = errors.New("dax: map called with bad backend descriptor")

	// ErrClosed reports an operation on a window whose reservation has been
	// released.
	ErrClosed = errors.New("dax: window closed")

	// ErrNotMapped reports a readback of a range that is not fully placed
	// with read access.
	ErrNotMapped = errors.New("dax: range not mapped")
)

// A RangeError reports an offset/length pair that overflows or falls
// outside the window. Index is the batch slot that carried the range, or -1
// when the range did not come from a batch.
type RangeError struct {
	Op     string
	Index  int
	Offset uint64
	Length uint64
}

func (e *RangeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("dax: %s: bad cache_offset+len %#x+%#x", e.Op, e.Offset, e.Length)
	}
	return fmt.Sprintf("dax: %s [%d]: bad cache_offset+len %#x+%#x", e.Op, e.Index, e.Offset, e.Length)
}

// A MapError reports a remap the OS refused while placing a batch slot. Err
// preserves the OS-level cause.
type MapError struct {
	Index int
	Err   error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("dax: map [%d] failed: %v", e.Index, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

// An UnmapError reports a remap failure while clearing a batch slot.
type UnmapError struct {
	Index int
	Err   error
}

func (e *UnmapError) Error() string {
	return fmt.Sprintf("dax: unmap [%d] failed: %v", e.Index, e.Err)
}

func (e *UnmapError) Unwrap() error { return e.Err }
