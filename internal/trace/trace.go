// Package trace is a lock-free binary journal for device control traffic.
//
// Records are appended by atomically reserving a span of the output file, so
// writers on different goroutines never block each other. Each record is
//
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source, then payload
//
// all little-endian. Records land in the file in reservation order, which for
// any single goroutine is its write order.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile starts journaling to the named file.
func OpenFile(filename string) error {
	// Truncate so a rerun does not leave stale records past the new end.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open directs all subsequent records to w. The returned error is a warning,
// not a failure: a previously open writer was discarded without being closed.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("trace: already open, discarded old writer")
	}
	return nil
}

// Enabled reports whether a journal is open. Callers with expensive record
// formatting should check it first; writes without an open journal are
// silently dropped either way.
func Enabled() bool {
	return fh.Load() != nil
}

func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

const headerSize = 16

func encodeHeader(kind Kind, source string, data []byte) ([]byte, int64) {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header, int64(headerSize + len(source) + len(data))
}

func decodeHeader(header [headerSize]byte) (kind Kind, sourceLength uint16, dataLength uint32) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	return
}

func decodeTimestamp(header [headerSize]byte) int64 {
	return int64(binary.LittleEndian.Uint64(header[8:16]))
}

func writeRecord(kind Kind, source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	header, size := encodeHeader(kind, source, data)
	off := offset.Add(uint64(size)) - uint64(size)
	if _, err := fh.w.WriteAt(header, int64(off)); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt([]byte(source), int64(off)+headerSize); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt(data, int64(off)+headerSize+int64(len(source))); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

func Write(source string, data string) {
	writeRecord(KindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Trace tags every record it writes with a fixed source name.
type Trace interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type traceImpl struct {
	source string
}

func (t *traceImpl) WriteBytes(data []byte) {
	writeRecord(KindBytes, t.source, data)
}

func (t *traceImpl) Write(data string) {
	writeRecord(KindString, t.source, []byte(data))
}

func (t *traceImpl) Writef(format string, args ...any) {
	writeRecord(KindString, t.source, fmt.Appendf(nil, format, args...))
}

func WithSource(source string) Trace {
	return &traceImpl{source: source}
}

// Reader streams a journal back out in file order. It holds no index: every
// call scans from the start, which keeps huge journals cheap to skim once.
type Reader struct {
	r io.ReadSeeker
}

func NewReader(r io.ReadSeeker) *Reader {
	return &Reader{r: r}
}

func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open journal: %w", err)
	}
	return NewReader(f), f, nil
}

// Each calls fn for every record in file order.
func (r *Reader) Each(fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	if _, err := r.r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("trace: seek journal: %w", err)
	}

	br := bufio.NewReaderSize(r.r, 1024*1024)
	var header [headerSize]byte

	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read record header: %w", err)
		}
		kind, sourceLength, dataLength := decodeHeader(header)
		if kind == KindInvalid {
			return fmt.Errorf("trace: invalid record header")
		}

		buf := make([]byte, int(sourceLength)+int(dataLength))
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("trace: read record body: %w", err)
		}

		ts := time.Unix(0, decodeTimestamp(header))
		if err := fn(ts, kind, string(buf[:sourceLength]), buf[sourceLength:]); err != nil {
			return err
		}
	}
}

// EachSource calls fn for every record tagged with source, in file order.
func (r *Reader) EachSource(source string, fn func(ts time.Time, kind Kind, data []byte) error) error {
	return r.Each(func(ts time.Time, kind Kind, s string, data []byte) error {
		if s != source {
			return nil
		}
		return fn(ts, kind, data)
	})
}

// Sources returns all source names in the order they first appear.
func (r *Reader) Sources() ([]string, error) {
	seen := make(map[string]bool)
	var sources []string
	err := r.Each(func(_ time.Time, _ Kind, source string, _ []byte) error {
		if !seen[source] {
			seen[source] = true
			sources = append(sources, source)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// TimeRange returns the earliest and latest record timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time, error) {
	var earliest, latest int64
	err := r.Each(func(ts time.Time, _ Kind, _ string, _ []byte) error {
		ns := ts.UnixNano()
		if earliest == 0 || ns < earliest {
			earliest = ns
		}
		if ns > latest {
			latest = ns
		}
		return nil
	})
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return time.Unix(0, earliest), time.Unix(0, latest), nil
}
