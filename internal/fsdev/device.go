// Package fsdev implements the control plane of a vhost-user-fs device:
// configuration, the queue and notifier lifecycle, and the request handlers
// that edit the DAX cache window.
package fsdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/vhostfs/internal/dax"
	"github.com/tinyrange/vhostfs/internal/notify"
	"github.com/tinyrange/vhostfs/internal/trace"
)

// ConfigInterruptIndex is the virtio config-change interrupt slot. Mask and
// pending requests for it are accepted and ignored, since this device never
// raises config interrupts.
const ConfigInterruptIndex = -1

var (
	ErrResource  = errors.New("vhost-fs: cache window reservation failed")
	ErrStart     = errors.New("vhost-fs: start failed")
	ErrDestroyed = errors.New("vhost-fs: device destroyed")
	ErrInactive  = errors.New("vhost-fs: device not started")
	ErrNoWindow  = errors.New("vhost-fs: no DAX cache window")
)

// Device is a vhost-user-fs device: a set of virtqueues handed to a
// Transport, plus an optional DAX cache window edited by map and unmap
// requests from the backend.
//
// Every method serializes on one mutex, so the window and the queue state
// never see concurrent calls.
type Device struct {
	mu sync.Mutex

	cfg    Config
	window *dax.Window
	queues []Queue

	transport Transport
	guest     GuestNotifier

	masked []bool

	started   bool
	destroyed bool

	newNotifier func() (QueueNotifier, error)
	trc         trace.Trace
}

type Option func(*Device)

// WithGuestNotifier installs the interrupt path toward the driver. Without
// it, arming is a no-op.
func WithGuestNotifier(g GuestNotifier) Option {
	return func(d *Device) { d.guest = g }
}

// WithQueueNotifier overrides how kick notifiers are created, for tests.
func WithQueueNotifier(fn func() (QueueNotifier, error)) Option {
	return func(d *Device) { d.newNotifier = fn }
}

// New builds a stopped device: cache window reserved, queues allocated with
// kick notifiers, nothing bound to the transport yet.
func New(cfg Config, transport Transport, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport must not be nil", ErrConfig)
	}
	cfg.normalize()
	if err := cfg.validate(uint64(os.Getpagesize())); err != nil {
		return nil, err
	}

	d := &Device{
		cfg:         cfg,
		transport:   transport,
		guest:       nopGuestNotifier{},
		newNotifier: defaultNotifier,
		trc:         trace.WithSource("vhost-fs"),
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.CacheSize > 0 {
		w, err := dax.NewWindow(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResource, err)
		}
		d.window = w
	}

	// One hiprio queue plus the request queues.
	nvqs := 1 + int(cfg.NumRequestQueues)
	for i := 0; i < nvqs; i++ {
		kick, err := d.newNotifier()
		if err != nil {
			d.release()
			return nil, fmt.Errorf("vhost-fs: queue %d kick: %w", i, err)
		}
		d.queues = append(d.queues, Queue{Index: i, Size: cfg.QueueSize, Kick: kick})
	}
	d.masked = make([]bool, nvqs)

	return d, nil
}

func defaultNotifier() (QueueNotifier, error) {
	return notify.New()
}

// release drops everything the constructor acquired, in reverse order.
func (d *Device) release() {
	for i := len(d.queues) - 1; i >= 0; i-- {
		if err := d.queues[i].Kick.Close(); err != nil {
			slog.Warn("vhost-fs: close queue kick", "queue", i, "error", err)
		}
	}
	d.queues = nil
	if d.window != nil {
		if err := d.window.Close(); err != nil {
			slog.Warn("vhost-fs: release cache window", "error", err)
		}
		d.window = nil
	}
}

// Start brings the device up: queues bound to the transport, guest
// notifiers armed, transport running. On failure everything done so far is
// unwound in reverse order and the device stays stopped. Starting a running
// device is a no-op.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startLocked()
}

func (d *Device) startLocked() error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.started {
		return nil
	}

	if err := d.transport.Bind(d.queues); err != nil {
		return fmt.Errorf("%w: bind queues: %w", ErrStart, err)
	}
	if err := d.guest.Arm(len(d.queues)); err != nil {
		d.unbind()
		return fmt.Errorf("%w: arm guest notifiers: %w", ErrStart, err)
	}
	if err := d.transport.Start(); err != nil {
		d.disarm()
		d.unbind()
		return fmt.Errorf("%w: start transport: %w", ErrStart, err)
	}

	// Nothing is pending yet, so just unmask everything.
	for i := range d.queues {
		if err := d.transport.MaskQueue(i, false); err != nil {
			slog.Warn("vhost-fs: unmask queue", "queue", i, "error", err)
		}
		d.masked[i] = false
	}

	d.started = true
	return nil
}

// Stop tears the device down: transport halted, guest notifiers disarmed,
// queues unbound. Every step runs even when an earlier one fails; failures
// are logged. Stopping a stopped or destroyed device is a no-op.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Device) stopLocked() {
	if !d.started {
		return
	}

	if err := d.transport.Stop(); err != nil {
		slog.Warn("vhost-fs: stop transport", "error", err)
	}
	d.disarm()
	d.unbind()

	d.started = false
}

func (d *Device) disarm() {
	if err := d.guest.Disarm(len(d.queues)); err != nil {
		slog.Warn("vhost-fs: disarm guest notifiers", "error", err)
	}
}

func (d *Device) unbind() {
	if err := d.transport.Unbind(); err != nil {
		slog.Warn("vhost-fs: unbind queues", "error", err)
	}
}

// SetDriverOK tracks the driver status byte: true starts the device, false
// stops it. Repeating the current state does nothing.
func (d *Device) SetDriverOK(ok bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	if ok == d.started {
		return nil
	}
	if ok {
		return d.startLocked()
	}
	d.stopLocked()
	return nil
}

// Destroy stops the device if needed and releases the cache window and
// queue notifiers. The device is unusable afterwards; destroying it twice
// is an error.
func (d *Device) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	d.stopLocked()
	d.release()
	d.destroyed = true
	return nil
}

// HandleMap maps a batch of backend file ranges into the cache window.
// Slots are established in order; on any failure the whole batch is rolled
// back and the error returned.
func (d *Device) HandleMap(msg *dax.Msg, fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.canHandleLocked(); err != nil {
		return err
	}
	if trace.Enabled() {
		d.trc.Write(msg.Dump("map", fd))
	}
	return dax.Map(d.window, msg, fd)
}

// HandleUnmap drops a batch of ranges from the cache window. Every slot is
// attempted; the last failure is returned.
func (d *Device) HandleUnmap(msg *dax.Msg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.canHandleLocked(); err != nil {
		return err
	}
	if trace.Enabled() {
		d.trc.Write(msg.Dump("unmap", -1))
	}
	return dax.Unmap(d.window, msg)
}

func (d *Device) canHandleLocked() error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.window == nil {
		return ErrNoWindow
	}
	if !d.started {
		return ErrInactive
	}
	return nil
}

// MaskQueue suppresses or restores interrupt delivery for one queue.
// ConfigInterruptIndex is accepted and ignored.
func (d *Device) MaskQueue(index int, masked bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	if index == ConfigInterruptIndex {
		return nil
	}
	if index < 0 || index >= len(d.queues) {
		return fmt.Errorf("vhost-fs: mask queue %d: no such queue", index)
	}
	if err := d.transport.MaskQueue(index, masked); err != nil {
		return err
	}
	d.masked[index] = masked
	return nil
}

// QueueMasked reports the last mask state applied to a queue.
func (d *Device) QueueMasked(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.masked) {
		return false
	}
	return d.masked[index]
}

// QueuePending reports whether a queue has an interrupt waiting while
// masked. ConfigInterruptIndex never does.
func (d *Device) QueuePending(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed || index == ConfigInterruptIndex || index < 0 || index >= len(d.queues) {
		return false
	}
	return d.transport.QueuePending(index)
}

// CacheWindow returns the base address and size of the DAX cache window,
// zeros when the device has none.
func (d *Device) CacheWindow() (uintptr, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window == nil {
		return 0, 0
	}
	return d.window.Base(), d.window.Size()
}

// Window exposes the cache window itself, nil when cache is disabled.
func (d *Device) Window() *dax.Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

// Queues returns the device's virtqueues: index 0 is the hiprio queue, the
// rest are request queues.
func (d *Device) Queues() []Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Queue(nil), d.queues...)
}

// ConfigBytes renders the virtio-fs config space:
//
//	struct virtio_fs_config {
//	    char tag[36];
//	    __le32 num_request_queues;
//	};
func (d *Device) ConfigBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, TagSize+4)
	// A short tag keeps its NUL terminator via the zeroed buffer; a
	// 36-byte tag fills the field with no terminator.
	copy(buf[:TagSize], d.cfg.Tag)
	binary.LittleEndian.PutUint32(buf[TagSize:], uint32(d.cfg.NumRequestQueues))
	return buf
}

func (d *Device) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *Device) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}
