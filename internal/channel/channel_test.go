package channel

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/framing"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// pipeConn joins a read end and a write end into one ReadWriteCloser.
type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipeConn) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

func newTestChannel(t *testing.T) (*StreamChannel, io.Writer, io.Reader) {
	t.Helper()
	inR, inW := io.Pipe()    // service -> channel
	outR, outW := io.Pipe()  // channel -> service
	conn := &pipeConn{Reader: inR, Writer: outW, closers: []io.Closer{inR, inW, outR, outW}}
	c := NewStreamChannel(context.Background(), conn, nil)
	t.Cleanup(func() { c.Close() })
	return c, inW, outR
}

func encodeFrame(t *testing.T, msg *protocol.Message) []byte {
	t.Helper()
	data, err := framing.NewStreamFramer(nil).Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func waitFor(t *testing.T, ch <-chan *protocol.Message, n int) []*protocol.Message {
	t.Helper()
	var got []*protocol.Message
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(got))
		}
	}
	return got
}

func TestStreamChannel_BuffersBeforeListener(t *testing.T) {
	c, inW, _ := newTestChannel(t)

	// Two messages arrive before anyone subscribes.
	first, _ := protocol.NewNotification(protocol.MethodInitialized, nil)
	second, _ := protocol.NewNotification(protocol.MethodDidOpen, nil)
	firstFrame := encodeFrame(t, first)
	secondFrame := encodeFrame(t, second)
	go func() {
		inW.Write(firstFrame)
		inW.Write(secondFrame)
	}()

	// Give the read loop time to buffer both.
	time.Sleep(100 * time.Millisecond)

	received := make(chan *protocol.Message, 4)
	c.Subscribe(func(msg *protocol.Message) { received <- msg })

	got := waitFor(t, received, 2)
	if got[0].Method != protocol.MethodInitialized || got[1].Method != protocol.MethodDidOpen {
		t.Errorf("backlog flushed out of order: %q then %q", got[0].Method, got[1].Method)
	}
}

func TestStreamChannel_DirectDeliveryAfterSubscribe(t *testing.T) {
	c, inW, _ := newTestChannel(t)

	received := make(chan *protocol.Message, 1)
	c.Subscribe(func(msg *protocol.Message) { received <- msg })

	msg, _ := protocol.NewNotification(protocol.MethodPublishDiagnostics, protocol.PublishDiagnosticsParams{URI: "file:///x"})
	go inW.Write(encodeFrame(t, msg))

	got := waitFor(t, received, 1)
	if got[0].Method != protocol.MethodPublishDiagnostics {
		t.Errorf("method = %q", got[0].Method)
	}
}

func TestStreamChannel_SendWritesFramedMessage(t *testing.T) {
	c, _, outR := newTestChannel(t)

	msg, _ := protocol.NewRequest(1, protocol.MethodInitialize, nil)
	go c.Send(msg)

	buf := make([]byte, 4096)
	n, err := outR.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	f := framing.NewStreamFramer(nil)
	decoded := f.Feed(buf[:n])
	if len(decoded) != 1 || decoded[0].Method != protocol.MethodInitialize {
		t.Fatalf("service did not receive the framed request: %v", decoded)
	}
}

func TestStreamChannel_SendAfterCloseIsSilent(t *testing.T) {
	c, _, _ := newTestChannel(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	msg, _ := protocol.NewNotification(protocol.MethodExit, nil)
	if err := c.Send(msg); err != nil {
		t.Errorf("Send() after close must drop silently, got %v", err)
	}
}

func TestStreamChannel_CloseIsIdempotent(t *testing.T) {
	c, _, _ := newTestChannel(t)
	if err := c.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
