package fsdev

// Queue describes one virtqueue of the device.
type Queue struct {
	// Index is the queue's slot: 0 is the hiprio queue, 1..N are request
	// queues.
	Index int

	// Size is the queue depth in descriptors.
	Size uint16

	// Kick is signaled by the driver to announce new buffers.
	Kick QueueNotifier
}

// QueueNotifier is the device end of a queue kick.
type QueueNotifier interface {
	Notify() error
	Close() error
}

// Transport is the wire the device hands its queues to, typically a
// vhost-user backend connection.
type Transport interface {
	// Bind attaches the queues to the transport. A failed Bind must leave
	// nothing attached.
	Bind(queues []Queue) error

	// Unbind detaches whatever Bind attached.
	Unbind() error

	// Start begins processing bound queues.
	Start() error

	// Stop halts queue processing. It must be safe to call on a transport
	// that never started.
	Stop() error

	// MaskQueue suppresses (masked) or restores (unmasked) interrupt
	// delivery for one queue.
	MaskQueue(index int, masked bool) error

	// QueuePending reports whether a masked queue has an interrupt
	// waiting.
	QueuePending(index int) bool
}

// GuestNotifier arms the interrupt path from the transport back to the
// driver.
type GuestNotifier interface {
	Arm(queues int) error
	Disarm(queues int) error
}

type nopGuestNotifier struct{}

func (nopGuestNotifier) Arm(int) error    { return nil }
func (nopGuestNotifier) Disarm(int) error { return nil }
