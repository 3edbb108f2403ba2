package channel

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/framing"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// SocketChannel runs the socket-frame encoding over a WebSocket
// connection: every transport frame carries exactly one JSON document.
type SocketChannel struct {
	dispatcher

	framer *framing.FrameFramer
	conn   *websocket.Conn
	ctx    context.Context

	ready  atomic.Bool
	closed atomic.Bool
	done   chan struct{}
}

// DialSocket connects to the analysis service at url and returns a
// ready channel with its read loop running.
func DialSocket(ctx context.Context, url string, logger *zap.Logger) (*SocketChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := NewSocketChannel(ctx, conn, logger)
	return c, nil
}

// NewSocketChannel wraps an established WebSocket connection.
func NewSocketChannel(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) *SocketChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SocketChannel{
		framer: framing.NewFrameFramer(logger),
		conn:   conn,
		ctx:    ctx,
		done:   make(chan struct{}),
	}
	c.dispatcher.logger = logger
	c.ready.Store(true)
	go c.readLoop(ctx)
	return c
}

// Send writes one message as a single text frame. Writes while the
// connection is not ready are dropped silently.
func (c *SocketChannel) Send(msg *protocol.Message) error {
	data, err := c.framer.Encode(msg)
	if err != nil {
		return err
	}
	if !c.ready.Load() || c.closed.Load() {
		c.dispatcher.logger.Debug("dropping outbound message, socket not ready",
			zap.String("method", msg.Method))
		return nil
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.dispatcher.logger.Warn("outbound frame write failed", zap.Error(err))
	}
	return nil
}

// Subscribe attaches the inbound listener.
func (c *SocketChannel) Subscribe(l Listener) {
	c.dispatcher.subscribe(l)
}

// Close shuts the channel down. Idempotent.
func (c *SocketChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.ready.Store(false)
	close(c.done)
	c.dispatcher.release()
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// readLoop reads frames and dispatches decoded messages in order.
func (c *SocketChannel) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if !c.closed.Load() {
				c.dispatcher.logger.Warn("socket read ended", zap.Error(err))
			}
			return
		}
		for _, msg := range c.framer.Feed(data) {
			c.deliver(msg)
		}
	}
}
