package dax

import (
	"fmt"
	"strings"
)

// NumEntries is the fixed slot capacity of a map or unmap batch.
const NumEntries = 8

// Map request access flags, combinable.
const (
	FlagMapRead  uint64 = 1 << 0
	FlagMapWrite uint64 = 1 << 1
)

// WholeWindow is the unmap length sentinel meaning the entire window. It
// resolves to the window size during validation, so it is only in range at
// offset zero.
const WholeWindow = ^uint64(0)

// A Msg is one batch of up to NumEntries map or unmap requests, held as
// parallel slot arrays. A slot with a zero Len is unused and skipped.
// Unmap batches use CacheOffset and Len only.
type Msg struct {
	FdOffset    [NumEntries]uint64
	CacheOffset [NumEntries]uint64
	Len         [NumEntries]uint64
	Flags       [NumEntries]uint64
}

// Dump renders the batch for trace logging, one line per used slot. fd is
// the backend descriptor for a map batch, or negative for unmap. The result
// has no trailing newline.
func (m *Msg) Dump(desc string, fd int) string {
	var b strings.Builder
	b.WriteString(desc)
	if fd >= 0 {
		fmt.Fprintf(&b, " (fd=%d)", fd)
	}
	b.WriteString(":")
	for i := 0; i < NumEntries; i++ {
		if m.Len[i] == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%d]: fd_offset=%#x, cache_offset=%#x, len=%#x, flags=%s",
			i, m.FdOffset[i], m.CacheOffset[i], m.Len[i], flagString(m.Flags[i]))
	}
	return b.String()
}

func flagString(flags uint64) string {
	if flags == 0 {
		return "EMPTY"
	}
	var parts []string
	if flags&FlagMapRead != 0 {
		parts = append(parts, "MAP_R")
		flags &^= FlagMapRead
	}
	if flags&FlagMapWrite != 0 {
		parts = append(parts, "MAP_W")
		flags &^= FlagMapWrite
	}
	if flags != 0 {
		parts = append(parts, fmt.Sprintf("%#x", flags))
	}
	return strings.Join(parts, "|")
}
