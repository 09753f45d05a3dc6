// Package notify carries queue kick and interrupt signals between a device
// and its transport over Linux eventfds.
package notify

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/eventfd"
)

// Eventfd is a queue notifier backed by an eventfd counter. Notify and Wait
// may be used from different goroutines.
type Eventfd struct {
	ev eventfd.Eventfd
}

// New creates a notifier on a fresh nonblocking eventfd.
func New() (*Eventfd, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("notify: create eventfd: %w", err)
	}
	return &Eventfd{ev: ev}, nil
}

// Wrap adopts an existing eventfd descriptor, such as one received from a
// vhost-user peer. The caller keeps ownership of the descriptor.
func Wrap(fd int) *Eventfd {
	return &Eventfd{ev: eventfd.Wrap(fd)}
}

// Notify increments the counter, waking any waiter.
func (e *Eventfd) Notify() error {
	return e.ev.Notify()
}

// Wait blocks until the counter is nonzero, then drains it.
func (e *Eventfd) Wait() error {
	return e.ev.Wait()
}

// FD exposes the descriptor for handing across a transport.
func (e *Eventfd) FD() int {
	return e.ev.FD()
}

func (e *Eventfd) Close() error {
	return e.ev.Close()
}
