package channel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/framing"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// StreamChannel runs the length-prefixed encoding over a byte stream,
// typically the stdio pipes of a spawned analysis process.
type StreamChannel struct {
	dispatcher

	framer *framing.StreamFramer
	rwc    io.ReadWriteCloser

	writeMu sync.Mutex
	ready   atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// NewStreamChannel creates a channel over rwc and starts its read loop.
// The channel is ready for outbound writes immediately.
func NewStreamChannel(ctx context.Context, rwc io.ReadWriteCloser, logger *zap.Logger) *StreamChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &StreamChannel{
		framer: framing.NewStreamFramer(logger),
		rwc:    rwc,
		done:   make(chan struct{}),
	}
	c.dispatcher.logger = logger
	c.ready.Store(true)
	go c.readLoop(ctx)
	return c
}

// Send encodes and writes one message. Writes after close are dropped.
func (c *StreamChannel) Send(msg *protocol.Message) error {
	data, err := c.framer.Encode(msg)
	if err != nil {
		return err
	}
	if !c.ready.Load() || c.closed.Load() {
		c.dispatcher.logger.Debug("dropping outbound message, channel not ready",
			zap.String("method", msg.Method))
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(data); err != nil {
		// Best-effort policy: a failed write is equivalent to a dropped
		// one. The rpc layer's deadline surfaces the loss.
		c.dispatcher.logger.Warn("outbound write failed", zap.Error(err))
	}
	return nil
}

// Subscribe attaches the inbound listener.
func (c *StreamChannel) Subscribe(l Listener) {
	c.dispatcher.subscribe(l)
}

// Close shuts the channel down. Idempotent.
func (c *StreamChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.ready.Store(false)
	close(c.done)
	c.dispatcher.release()
	return c.rwc.Close()
}

// readLoop feeds raw chunks to the framer and dispatches every
// completed message in order.
func (c *StreamChannel) readLoop(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		n, err := c.rwc.Read(buf)
		if n > 0 {
			for _, msg := range c.framer.Feed(buf[:n]) {
				c.deliver(msg)
			}
		}
		if err != nil {
			if !c.closed.Load() && err != io.EOF {
				c.dispatcher.logger.Warn("read loop ended", zap.Error(err))
			}
			return
		}
	}
}
