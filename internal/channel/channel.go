// Package channel provides a duplex message channel abstraction over an
// underlying transport. Inbound messages arriving before any consumer
// has attached are buffered and flushed, in arrival order, the moment a
// listener attaches. Outbound writes while the transport is not ready
// are dropped without error; callers relying on a reply detect the loss
// through the rpc layer's deadline.
package channel

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// Listener receives inbound messages in arrival order.
type Listener func(msg *protocol.Message)

// Channel is a duplex message channel.
type Channel interface {
	// Send transmits a message. Writes while the channel is not ready
	// are dropped silently. The returned error reports encoding
	// failures only, never transport state.
	Send(msg *protocol.Message) error

	// Subscribe attaches the message listener, flushing any messages
	// buffered before attachment. Only one listener is active at a
	// time; subscribing again replaces it.
	Subscribe(l Listener)

	// Close releases the channel and its listeners. Closing an already
	// closed channel is a no-op.
	Close() error
}

// dispatcher implements pre-listener buffering shared by every channel
// implementation.
type dispatcher struct {
	mu       sync.Mutex
	listener Listener
	backlog  []*protocol.Message
	logger   *zap.Logger
}

// deliver hands a message to the listener, or buffers it when no
// listener has attached yet.
func (d *dispatcher) deliver(msg *protocol.Message) {
	d.mu.Lock()
	if d.listener == nil {
		d.backlog = append(d.backlog, msg)
		d.mu.Unlock()
		return
	}
	l := d.listener
	d.mu.Unlock()
	l(msg)
}

// subscribe installs the listener and flushes the backlog in arrival order.
func (d *dispatcher) subscribe(l Listener) {
	d.mu.Lock()
	d.listener = l
	backlog := d.backlog
	d.backlog = nil
	d.mu.Unlock()

	for _, msg := range backlog {
		l(msg)
	}
}

// release drops the listener and any unflushed backlog.
func (d *dispatcher) release() {
	d.mu.Lock()
	d.listener = nil
	d.backlog = nil
	d.mu.Unlock()
}
