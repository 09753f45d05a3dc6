package dax

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func pageSize() uint64 {
	return uint64(os.Getpagesize())
}

// backingFile creates a file of the given size filled with a deterministic
// byte pattern, for mapping into test windows.
func backingFile(t *testing.T, size uint64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "backing"))
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	if _, err := f.Write(buf); err != nil {
		t.Fatalf("fill backing file: %v", err)
	}
	return f
}

func newTestWindow(t *testing.T, size uint64) *Window {
	t.Helper()
	w, err := NewWindow(size)
	if err != nil {
		t.Fatalf("NewWindow(%d) error = %v", size, err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestNewWindowStartsUnplaced(t *testing.T) {
	ps := pageSize()
	for _, size := range []uint64{ps, 4 * ps, 16 * ps} {
		w := newTestWindow(t, size)
		if got := w.Size(); got != size {
			t.Errorf("Size() = %d, want %d", got, size)
		}
		if w.Base() == 0 {
			t.Error("Base() = 0, want nonzero")
		}
		if w.Placed(0, size) {
			t.Errorf("Placed(0, %d) = true on a fresh window", size)
		}
		if got := w.PlacedBytes(); got != 0 {
			t.Errorf("PlacedBytes() = %d, want 0", got)
		}
		if _, err := w.Bytes(0, size); !errors.Is(err, ErrNotMapped) {
			t.Errorf("Bytes(0, %d) error = %v, want ErrNotMapped", size, err)
		}
	}
}

func TestWindowBytesRange(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)

	var rangeErr *RangeError
	if _, err := w.Bytes(0, ps+1); !errors.As(err, &rangeErr) {
		t.Fatalf("Bytes(0, size+1) error = %v, want RangeError", err)
	}
	if _, err := w.Bytes(^uint64(0), 2); !errors.As(err, &rangeErr) {
		t.Fatalf("Bytes(overflow) error = %v, want RangeError", err)
	}
	if _, err := w.Bytes(0, 0); !errors.As(err, &rangeErr) {
		t.Fatalf("Bytes(0, 0) error = %v, want RangeError", err)
	}
}

func TestWindowClose(t *testing.T) {
	ps := pageSize()
	w := newTestWindow(t, ps)
	f := backingFile(t, ps)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if got := w.Base(); got != 0 {
		t.Errorf("Base() after Close = %#x, want 0", got)
	}

	msg := &Msg{}
	msg.Len[0] = ps
	msg.Flags[0] = FlagMapRead
	if err := Map(w, msg, int(f.Fd())); !errors.Is(err, ErrClosed) {
		t.Errorf("Map on closed window error = %v, want ErrClosed", err)
	}
	if err := Unmap(w, msg); !errors.Is(err, ErrClosed) {
		t.Errorf("Unmap on closed window error = %v, want ErrClosed", err)
	}
	if _, err := w.Bytes(0, ps); !errors.Is(err, ErrClosed) {
		t.Errorf("Bytes on closed window error = %v, want ErrClosed", err)
	}
}
