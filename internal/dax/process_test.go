package dax

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMapSingleEntryReadable(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	f := backingFile(t, ps)

	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead
	if err := Map(w, msg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if !w.Placed(0, ps) {
		t.Error("Placed(0, page) = false after map")
	}
	got, err := w.Bytes(0, ps)
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	want := make([]byte, ps)
	for i := range want {
		want[i] = byte(i % 251)
	}
	if !bytes.Equal(got, want) {
		t.Error("window contents do not match backing file")
	}
}

func TestMapHonorsFdOffset(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	f := backingFile(t, 2*ps)

	msg := &Msg{}
	msg.FdOffset[0] = ps
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead
	if err := Map(w, msg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	got, err := w.Bytes(0, ps)
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if want := byte(ps % 251); got[0] != want {
		t.Errorf("window[0] = %d, want %d (file offset %d)", got[0], want, ps)
	}
}

func TestMapWriteThrough(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	f := backingFile(t, ps)

	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead | FlagMapWrite
	if err := Map(w, msg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	b, err := w.Bytes(0, ps)
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	copy(b, "written through the window")

	// Shared mapping: the write must be visible through the file.
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.HasPrefix(data, []byte("written through the window")) {
		t.Error("write through window not visible in backing file")
	}
}

func TestMapWriteOnlyNotReadable(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	f := backingFile(t, ps)

	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapWrite
	if err := Map(w, msg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if !w.Placed(0, ps) {
		t.Error("Placed(0, page) = false after write-only map")
	}
	if _, err := w.Bytes(0, ps); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Bytes() on write-only range error = %v, want ErrNotMapped", err)
	}
}

func TestMapBadHandle(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)

	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead
	if err := Map(w, msg, -1); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("Map(fd=-1) error = %v, want ErrBadHandle", err)
	}
	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() after bad handle = %d, want 0", got)
	}
}

func TestMapRejectsOutOfRange(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	f := backingFile(t, 2*ps)

	msg := &Msg{}
	msg.Len[0] = ps + 1
	msg.Flags[0] = FlagMapRead
	err := Map(w, msg, int(f.Fd()))

	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("Map() error = %v, want RangeError", err)
	}
	if rangeErr.Index != 0 || rangeErr.Length != ps+1 {
		t.Errorf("RangeError = %+v, want index 0 length %d", rangeErr, ps+1)
	}
	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() = %d, want 0", got)
	}
}

func TestMapRejectsOverflow(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	f := backingFile(t, ps)

	msg := &Msg{}
	msg.CacheOffset[0] = ^uint64(0) - 1
	msg.Len[0] = 2
	msg.Flags[0] = FlagMapRead
	err := Map(w, msg, int(f.Fd()))

	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("Map() error = %v, want RangeError", err)
	}
	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() = %d, want 0", got)
	}
}

func TestMapSkipsEmptySlots(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, 4*ps)
	f := backingFile(t, 4*ps)

	// Slot 1 is unused; slots 0 and 2 must still both map.
	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead
	msg.CacheOffset[2] = 2 * ps
	msg.Len[2] = ps
	msg.Flags[2] = FlagMapRead
	if err := Map(w, msg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if !w.Placed(0, ps) || !w.Placed(2*ps, ps) {
		t.Error("slots around an empty slot were not both placed")
	}
	if w.Placed(ps, ps) {
		t.Error("unused slot range reported placed")
	}
}

func TestMapRollbackOnInvalidEntry(t *testing.T) {
	ps := pageSize()
	size := 4 * ps
	w := newTestWindow(t, size)
	f := backingFile(t, size)

	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead
	msg.CacheOffset[1] = ps
	msg.Len[1] = ps
	msg.Flags[1] = FlagMapRead
	msg.CacheOffset[2] = size // one page past the end
	msg.Len[2] = ps
	msg.Flags[2] = FlagMapRead

	err := Map(w, msg, int(f.Fd()))
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("Map() error = %v, want RangeError", err)
	}
	if rangeErr.Index != 2 {
		t.Errorf("RangeError.Index = %d, want 2", rangeErr.Index)
	}

	// The whole batch rolls back, including the slots that had mapped.
	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() after rollback = %d, want 0", got)
	}
	if _, err := w.Bytes(0, ps); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Bytes() after rollback error = %v, want ErrNotMapped", err)
	}
}

func TestMapRollbackOnRemapFailure(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, 2*ps)

	// A read-only descriptor refuses a shared writable mapping with EACCES,
	// after the first slot has already mapped.
	f := backingFile(t, 2*ps)
	ro, err := os.Open(f.Name())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ro.Close()

	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead
	msg.CacheOffset[1] = ps
	msg.FdOffset[1] = ps
	msg.Len[1] = ps
	msg.Flags[1] = FlagMapRead | FlagMapWrite

	err = Map(w, msg, int(ro.Fd()))
	var mapErr *MapError
	if !errors.As(err, &mapErr) {
		t.Fatalf("Map() error = %v, want MapError", err)
	}
	if mapErr.Index != 1 {
		t.Errorf("MapError.Index = %d, want 1", mapErr.Index)
	}
	if !errors.Is(err, unix.EACCES) {
		t.Errorf("MapError cause = %v, want EACCES", mapErr.Err)
	}
	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() after rollback = %d, want 0", got)
	}
}

func TestUnmapBestEffort(t *testing.T) {
	ps := pageSize()
	size := 2 * ps
	w := newTestWindow(t, size)
	f := backingFile(t, size)

	mapMsg := &Msg{}
	mapMsg.Len[0] = ps
	mapMsg.Flags[0] = FlagMapRead
	mapMsg.CacheOffset[1] = ps
	mapMsg.Len[1] = ps
	mapMsg.Flags[1] = FlagMapRead
	if err := Map(w, mapMsg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	// Slot 0 is out of range; slots 1 and 2 must still be cleared.
	unmapMsg := &Msg{}
	unmapMsg.CacheOffset[0] = 3 * ps
	unmapMsg.Len[0] = ps
	unmapMsg.CacheOffset[1] = 0
	unmapMsg.Len[1] = ps
	unmapMsg.CacheOffset[2] = ps
	unmapMsg.Len[2] = ps

	err := Unmap(w, unmapMsg)
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("Unmap() error = %v, want RangeError", err)
	}
	if rangeErr.Index != 0 {
		t.Errorf("RangeError.Index = %d, want 0", rangeErr.Index)
	}
	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() after best-effort unmap = %d, want 0", got)
	}
}

func TestUnmapLastErrorWins(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)

	msg := &Msg{}
	msg.CacheOffset[0] = 2 * ps
	msg.Len[0] = ps
	msg.CacheOffset[3] = 4 * ps
	msg.Len[3] = ps

	err := Unmap(w, msg)
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("Unmap() error = %v, want RangeError", err)
	}
	if rangeErr.Index != 3 {
		t.Errorf("RangeError.Index = %d, want 3 (last failure)", rangeErr.Index)
	}
}

func TestUnmapWholeWindowSentinel(t *testing.T) {
	ps := pageSize()
	size := 2 * ps
	w := newTestWindow(t, size)
	f := backingFile(t, size)

	mapMsg := &Msg{}
	mapMsg.Len[0] = ps
	mapMsg.Flags[0] = FlagMapRead
	mapMsg.CacheOffset[1] = ps
	mapMsg.Len[1] = ps
	mapMsg.Flags[1] = FlagMapRead
	if err := Map(w, mapMsg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	unmapMsg := &Msg{}
	unmapMsg.Len[0] = WholeWindow
	if err := Unmap(w, unmapMsg); err != nil {
		t.Fatalf("Unmap(whole window) error = %v", err)
	}

	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() = %d, want 0", got)
	}
	if _, err := w.Bytes(0, size); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Bytes() error = %v, want ErrNotMapped", err)
	}
}

func TestUnmapSentinelOffsetMustBeZero(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, 2*ps)

	// The sentinel resolves to the full window size, so any nonzero offset
	// lands out of range.
	msg := &Msg{}
	msg.CacheOffset[0] = ps
	msg.Len[0] = WholeWindow

	err := Unmap(w, msg)
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("Unmap() error = %v, want RangeError", err)
	}
	if rangeErr.Length != 2*ps {
		t.Errorf("RangeError.Length = %d, want resolved window size %d", rangeErr.Length, 2*ps)
	}
}

func TestUnmapContinuesPastEmptySlot(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, 2*ps)
	f := backingFile(t, 2*ps)

	mapMsg := &Msg{}
	mapMsg.CacheOffset[0] = ps
	mapMsg.Len[0] = ps
	mapMsg.Flags[0] = FlagMapRead
	if err := Map(w, mapMsg, int(f.Fd())); err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	// Slot 0 unused: the scan must not stop there.
	unmapMsg := &Msg{}
	unmapMsg.CacheOffset[1] = ps
	unmapMsg.Len[1] = ps
	if err := Unmap(w, unmapMsg); err != nil {
		t.Fatalf("Unmap() error = %v", err)
	}
	if got := w.PlacedBytes(); got != 0 {
		t.Errorf("PlacedBytes() = %d, want 0", got)
	}
}

func TestUnmapAllEmptyIsNoop(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	if err := Unmap(w, &Msg{}); err != nil {
		t.Fatalf("Unmap(empty) error = %v", err)
	}
}

func TestMsgDump(t *testing.T) {
	msg := &Msg{}
	msg.FdOffset[0] = 0x1000
	msg.CacheOffset[0] = 0x2000
	msg.Len[0] = 0x1000
	msg.Flags[0] = FlagMapRead | FlagMapWrite
	msg.Len[2] = 0x2000 // flags left EMPTY

	got := msg.Dump("map", 7)
	want := "map (fd=7):\n" +
		"[0]: fd_offset=0x1000, cache_offset=0x2000, len=0x1000, flags=MAP_R|MAP_W\n" +
		"[2]: fd_offset=0x0, cache_offset=0x0, len=0x2000, flags=EMPTY"
	if got != want {
		t.Errorf("Dump() = %q, want %q", got, want)
	}

	if got := (&Msg{}).Dump("unmap", -1); got != "unmap:" {
		t.Errorf("Dump(empty) = %q, want %q", got, "unmap:")
	}
}
