//go:build ignore

// This file demonstrates every public API in the vhostfs package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tinyrange/vhostfs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// Config - device configuration
	// =========================================================================
	cfg := vhostfs.Config{
		Tag:              "share",  // mount tag the guest sees
		NumRequestQueues: 2,        // plus one hiprio queue
		QueueSize:        256,      // descriptors per queue
		CacheSize:        64 << 20, // DAX cache window, 0 disables
	}

	// LoadConfig - the same thing from a YAML file
	// (tag: share\ncache_size: 67108864\n ...)
	if fromFile, err := vhostfs.LoadConfig("fs.yaml"); err == nil {
		cfg = *fromFile
	}

	// =========================================================================
	// Option - device configuration hooks
	// =========================================================================
	opts := []vhostfs.Option{
		// Install the interrupt path toward the driver.
		vhostfs.WithGuestNotifier(&stubGuestNotifier{}),

		// Override kick notifier creation (tests use this with fakes).
		vhostfs.WithQueueNotifier(func() (vhostfs.QueueNotifier, error) {
			return vhostfs.NewEventfdNotifier()
		}),
	}

	// =========================================================================
	// New - build a stopped device
	// =========================================================================
	transport := &stubTransport{}
	dev, err := vhostfs.New(cfg, transport, opts...)
	if err != nil {
		if errors.Is(err, vhostfs.ErrConfig) {
			return fmt.Errorf("bad configuration: %w", err)
		}
		if errors.Is(err, vhostfs.ErrResource) {
			return fmt.Errorf("cache window reservation: %w", err)
		}
		return err
	}
	defer dev.Destroy()

	// Device inspection
	_ = dev.Config()  // normalized configuration
	_ = dev.Started() // false until Start

	// Queues: index 0 is hiprio, the rest are request queues.
	for _, q := range dev.Queues() {
		_ = q.Index
		_ = q.Size
		_ = q.Kick.Notify // QueueNotifier
	}

	// Config space bytes for the guest: tag[36] + le32 num_request_queues.
	configSpace := dev.ConfigBytes()
	_ = configSpace[vhostfs.TagSize]

	// Cache window accessors
	base, size := dev.CacheWindow() // zeros when cache is disabled
	_, _ = base, size

	// =========================================================================
	// Start / Stop / SetDriverOK - lifecycle
	// =========================================================================
	if err := dev.Start(); err != nil {
		// Start unwinds everything it did on failure.
		if errors.Is(err, vhostfs.ErrStart) {
			return fmt.Errorf("bring-up: %w", err)
		}
		return err
	}

	dev.Stop()                // unconditional teardown, never fails
	_ = dev.SetDriverOK(true) // driver status: true starts...
	defer dev.Stop()          // ...false (or Stop) halts

	// =========================================================================
	// Interrupt masking
	// =========================================================================
	_ = dev.MaskQueue(1, true) // suppress queue 1
	_ = dev.QueueMasked(1)     // true
	_ = dev.QueuePending(1)    // interrupt waiting?

	// The config-change slot is accepted and ignored.
	_ = dev.MaskQueue(vhostfs.ConfigInterruptIndex, true)
	_ = dev.MaskQueue(1, false) // restore

	// =========================================================================
	// HandleMap / HandleUnmap - DAX cache requests from the backend
	// =========================================================================
	f, err := os.Open("/var/lib/shared/data")
	if err == nil {
		defer f.Close()

		pageSize := uint64(os.Getpagesize())

		// A batch maps up to NumEntries file ranges in one message.
		msg := &vhostfs.Msg{}
		msg.FdOffset[0] = 0    // offset in the backend file
		msg.CacheOffset[0] = 0 // offset in the cache window
		msg.Len[0] = pageSize  // zero-length slots are skipped
		msg.Flags[0] = vhostfs.FlagMapRead | vhostfs.FlagMapWrite

		// Dump renders a batch for debugging.
		fmt.Println(msg.Dump("map", int(f.Fd())))

		if err := dev.HandleMap(msg, int(f.Fd())); err != nil {
			// The batch is transactional: on any failure every slot
			// was rolled back.
			switch {
			case errors.Is(err, vhostfs.ErrBadHandle): // fd was invalid
			case errors.Is(err, vhostfs.ErrInactive): // device not started
			case errors.Is(err, vhostfs.ErrNoWindow): // cache disabled
			}
			var rangeErr *vhostfs.RangeError
			if errors.As(err, &rangeErr) {
				_ = rangeErr.Index // offending batch slot
				_ = rangeErr.Offset
				_ = rangeErr.Length
			}
			var mapErr *vhostfs.MapError
			if errors.As(err, &mapErr) {
				_ = mapErr.Index
				_ = mapErr.Err // OS cause
			}
			return err
		}

		// Window - read the mapped bytes back out
		w := dev.Window()
		_ = w.Size()
		_ = w.Base()
		_ = w.Placed(0, pageSize) // true
		_ = w.PlacedBytes()       // pageSize
		if data, err := w.Bytes(0, 16); err == nil {
			_ = data
		}

		// Unmap is best-effort: every slot is attempted, the last
		// failure wins.
		unmap := &vhostfs.Msg{}
		unmap.CacheOffset[0] = 0
		unmap.Len[0] = pageSize
		if err := dev.HandleUnmap(unmap); err != nil {
			var unmapErr *vhostfs.UnmapError
			if errors.As(err, &unmapErr) {
				_ = unmapErr.Index
			}
		}

		// WholeWindow as a length drops everything at once.
		dropAll := &vhostfs.Msg{}
		dropAll.Len[0] = vhostfs.WholeWindow
		_ = dev.HandleUnmap(dropAll)
	}

	// =========================================================================
	// NewWindow - a standalone cache window without a device
	// =========================================================================
	w, err := vhostfs.NewWindow(1 << 20)
	if err != nil {
		return err
	}
	_, _ = w.Bytes(0, 8) // ErrNotMapped until something is placed
	if err := w.Close(); err != nil {
		return err
	}
	_, err = w.Bytes(0, 8)
	_ = errors.Is(err, vhostfs.ErrClosed)

	// =========================================================================
	// EventfdNotifier - queue kicks over eventfds
	// =========================================================================
	kick, err := vhostfs.NewEventfdNotifier()
	if err != nil {
		return err
	}
	defer kick.Close()

	shared := vhostfs.WrapEventfd(kick.FD()) // adopt a received descriptor
	_ = shared.Notify()                      // wake the waiter
	_ = kick.Wait()                          // block until notified
	_ = kick.FD()                            // pass across a transport

	// =========================================================================
	// Destroy - final teardown
	// =========================================================================
	if err := dev.Destroy(); err != nil {
		return err
	}
	_ = errors.Is(dev.Destroy(), vhostfs.ErrDestroyed) // true: destroy once

	// =========================================================================
	// Sentinel errors
	// =========================================================================
	_ = vhostfs.ErrConfig
	_ = vhostfs.ErrResource
	_ = vhostfs.ErrStart
	_ = vhostfs.ErrDestroyed
	_ = vhostfs.ErrInactive
	_ = vhostfs.ErrNoWindow
	_ = vhostfs.ErrBadHandle
	_ = vhostfs.ErrClosed
	_ = vhostfs.ErrNotMapped

	// =========================================================================
	// Constants
	// =========================================================================
	_ = vhostfs.NumEntries           // 8 slots per batch
	_ = vhostfs.FlagMapRead          // map readable
	_ = vhostfs.FlagMapWrite         // map writable
	_ = vhostfs.WholeWindow          // unmap-everything length
	_ = vhostfs.TagSize              // 36
	_ = vhostfs.MaxQueueSize         // 1024
	_ = vhostfs.ConfigInterruptIndex // -1

	// =========================================================================
	// Type aliases (for reference)
	// =========================================================================
	var (
		_ *vhostfs.Device          // the device state machine
		_ vhostfs.Config           // device configuration
		_ vhostfs.Option           // device option
		_ vhostfs.Transport        // queue wire, e.g. a vhost-user connection
		_ vhostfs.GuestNotifier    // interrupt path toward the driver
		_ vhostfs.QueueNotifier    // device end of a queue kick
		_ vhostfs.Queue            // one virtqueue
		_ *vhostfs.EventfdNotifier // eventfd-backed notifier
		_ *vhostfs.Window          // DAX cache window
		_ *vhostfs.Msg             // map/unmap request batch
		_ *vhostfs.RangeError      // slot out of window range
		_ *vhostfs.MapError        // OS refused a mapping
		_ *vhostfs.UnmapError      // OS refused a clear
	)

	return nil
}

// stubTransport accepts queues and does nothing with them.
type stubTransport struct{}

func (*stubTransport) Bind([]vhostfs.Queue) error { return nil }
func (*stubTransport) Unbind() error              { return nil }
func (*stubTransport) Start() error               { return nil }
func (*stubTransport) Stop() error                { return nil }
func (*stubTransport) MaskQueue(int, bool) error  { return nil }
func (*stubTransport) QueuePending(int) bool      { return false }

type stubGuestNotifier struct{}

func (*stubGuestNotifier) Arm(int) error    { return nil }
func (*stubGuestNotifier) Disarm(int) error { return nil }

// Compile-time interface checks
var (
	_ vhostfs.Transport     = (*stubTransport)(nil)
	_ vhostfs.GuestNotifier = (*stubGuestNotifier)(nil)
	_ vhostfs.QueueNotifier = (*vhostfs.EventfdNotifier)(nil)
)
