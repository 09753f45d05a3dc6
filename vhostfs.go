// Package vhostfs implements the host side of a vhost-user-fs device with
// DAX: a device state machine that hands virtqueues to a transport, and a
// cache window that splices backend file ranges into guest-visible memory
// with mmap.
package vhostfs

import (
	"github.com/tinyrange/vhostfs/internal/dax"
	"github.com/tinyrange/vhostfs/internal/fsdev"
	"github.com/tinyrange/vhostfs/internal/notify"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/fsdev and internal/dax
// -----------------------------------------------------------------------------

// Device is a vhost-user-fs device: virtqueues, lifecycle, and the DAX cache
// window request handlers.
type Device = fsdev.Device

// Config holds the device configuration.
type Config = fsdev.Config

// Option configures a Device.
type Option = fsdev.Option

// Transport is the wire the device hands its queues to, typically a
// vhost-user backend connection.
type Transport = fsdev.Transport

// GuestNotifier arms the interrupt path from the transport back to the
// driver.
type GuestNotifier = fsdev.GuestNotifier

// QueueNotifier is the device end of a queue kick.
type QueueNotifier = fsdev.QueueNotifier

// Queue describes one virtqueue of the device.
type Queue = fsdev.Queue

// EventfdNotifier is a queue notifier backed by a Linux eventfd, the form a
// vhost-user transport hands to its backend.
type EventfdNotifier = notify.Eventfd

// Window is a DAX cache window: reserved address space that map requests
// splice backend file ranges into.
type Window = dax.Window

// Msg is a batch of map or unmap requests from the backend.
type Msg = dax.Msg

// RangeError reports a request slot whose range does not fit the window.
type RangeError = dax.RangeError

// MapError reports a request slot the host refused to map.
type MapError = dax.MapError

// UnmapError reports a request slot the host failed to clear.
type UnmapError = dax.UnmapError

// Limits and request constants.
const (
	// NumEntries is the slot count of a map or unmap batch.
	NumEntries = dax.NumEntries

	// FlagMapRead and FlagMapWrite select the access rights of a mapped
	// range.
	FlagMapRead  = dax.FlagMapRead
	FlagMapWrite = dax.FlagMapWrite

	// WholeWindow in an unmap slot's length drops every mapping in the
	// window.
	WholeWindow = dax.WholeWindow

	// TagSize is the width of the mount tag field in the config space.
	TagSize = fsdev.TagSize

	// MaxQueueSize is the largest allowed queue depth.
	MaxQueueSize = fsdev.MaxQueueSize

	// ConfigInterruptIndex is the virtio config-change interrupt slot.
	ConfigInterruptIndex = fsdev.ConfigInterruptIndex
)

// Common sentinel errors.
var (
	ErrConfig    = fsdev.ErrConfig
	ErrResource  = fsdev.ErrResource
	ErrStart     = fsdev.ErrStart
	ErrDestroyed = fsdev.ErrDestroyed
	ErrInactive  = fsdev.ErrInactive
	ErrNoWindow  = fsdev.ErrNoWindow

	// ErrBadHandle indicates a map request arrived with an invalid backend
	// descriptor. The whole batch is rejected before any slot is touched,
	// so the window is exactly as it was.
	//
	// Use errors.Is(err, vhostfs.ErrBadHandle) to check.
	ErrBadHandle = dax.ErrBadHandle

	ErrClosed    = dax.ErrClosed
	ErrNotMapped = dax.ErrNotMapped
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New builds a stopped device: cache window reserved, queues allocated with
// kick notifiers, nothing bound to the transport yet.
//
// The caller must call Destroy when finished to release resources.
func New(cfg Config, transport Transport, opts ...Option) (*Device, error) {
	return fsdev.New(cfg, transport, opts...)
}

// NewWindow reserves a blank cache window of size bytes with no access
// rights. Most callers want New with Config.CacheSize instead; NewWindow is
// for embedding the window in another device model.
func NewWindow(size uint64) (*Window, error) {
	return dax.NewWindow(size)
}

// LoadConfig reads a device configuration from a YAML file, fills in
// defaults, and validates it.
func LoadConfig(filename string) (*Config, error) {
	return fsdev.LoadConfig(filename)
}

// NewEventfdNotifier creates a queue notifier on a fresh eventfd.
func NewEventfdNotifier() (*EventfdNotifier, error) {
	return notify.New()
}

// WrapEventfd adopts an existing eventfd descriptor, such as one received
// from a vhost-user peer. The caller keeps ownership of the descriptor.
func WrapEventfd(fd int) *EventfdNotifier {
	return notify.Wrap(fd)
}

// -----------------------------------------------------------------------------
// Device Options
// -----------------------------------------------------------------------------

// WithGuestNotifier installs the interrupt path toward the driver. Without
// it, arming is a no-op.
func WithGuestNotifier(g GuestNotifier) Option {
	return fsdev.WithGuestNotifier(g)
}

// WithQueueNotifier overrides how kick notifiers are created, for tests.
func WithQueueNotifier(fn func() (QueueNotifier, error)) Option {
	return fsdev.WithQueueNotifier(fn)
}
