package dax

import "log/slog"

// Map validates and applies one batch of map requests against the window.
// Slots are processed in order; the first validation or remap failure stops
// the batch, every slot in the batch is cleared back to no-access memory,
// and the first error is returned. Partial maps are never left live: a
// caller could not otherwise tell which sub-ranges took effect.
//
// A negative fd fails immediately with ErrBadHandle before any slot is
// touched; the window is not mutated at all.
//
// Map must not be called concurrently with itself, Unmap, or Close. The
// owning device enforces this.
func Map(w *Window, msg *Msg, fd int) error {
	if w == nil || w.mem == nil {
		return ErrClosed
	}
	if fd < 0 {
		return ErrBadHandle
	}

	var firstErr error
	for i := 0; i < NumEntries; i++ {
		length := msg.Len[i]
		if length == 0 {
			continue
		}
		off := msg.CacheOffset[i]

		if off+length < length || off+length > w.size {
			firstErr = &RangeError{Op: "map", Index: i, Offset: off, Length: length}
			break
		}
		if err := w.place(i, off, length, msg.Flags[i], fd, msg.FdOffset[i]); err != nil {
			firstErr = err
			break
		}
	}
	if firstErr != nil {
		// Something went wrong, unmap them all. Slots that never mapped are
		// skipped by the unmap pass's own validation; its error is beside
		// the point here.
		if err := unmapAll(w, msg); err != nil {
			slog.Debug("dax: rollback unmap", "error", err)
		}
		return firstErr
	}
	return nil
}

// Unmap validates and applies one batch of unmap requests. A Len of
// WholeWindow resolves to the window size. Every slot is attempted
// regardless of earlier failures and only the last failure is returned:
// unmap is cleanup, so reclaiming as much as possible beats precise error
// reporting.
//
// The same non-reentrancy contract as Map applies.
func Unmap(w *Window, msg *Msg) error {
	if w == nil || w.mem == nil {
		return ErrClosed
	}
	return unmapAll(w, msg)
}

func unmapAll(w *Window, msg *Msg) error {
	var lastErr error
	for i := 0; i < NumEntries; i++ {
		length := msg.Len[i]
		if length == 0 {
			continue
		}
		off := msg.CacheOffset[i]

		if length == WholeWindow {
			length = w.size
		}
		if off+length < length || off+length > w.size {
			lastErr = &RangeError{Op: "unmap", Index: i, Offset: off, Length: length}
			continue
		}
		if err := w.clear(i, off, length); err != nil {
			slog.Debug("dax: clear slot", "slot", i, "error", err)
			lastErr = err
		}
	}
	return lastErr
}
