// Package framing converts raw transport bytes into discrete protocol
// messages and back. Two encodings are supported: a length-prefixed
// stream encoding (header block with a Content-Length declaration,
// blank-line boundary, then the JSON body) and a socket-frame encoding
// where every transport frame is one complete JSON document.
package framing

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// Framer encodes messages for the wire and reassembles inbound bytes
// into messages. Feed is stateful: partial input is retained across
// calls, and messages are emitted in the order their bytes completed.
type Framer interface {
	Encode(msg *protocol.Message) ([]byte, error)
	Feed(chunk []byte) []*protocol.Message
}

// FrameFramer is the socket-frame encoding: each Feed call receives one
// complete transport frame holding exactly one JSON document.
type FrameFramer struct {
	logger *zap.Logger
}

// NewFrameFramer creates a socket-frame framer.
func NewFrameFramer(logger *zap.Logger) *FrameFramer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameFramer{logger: logger}
}

// Encode serializes a message as a bare JSON document.
func (f *FrameFramer) Encode(msg *protocol.Message) ([]byte, error) {
	return protocol.Encode(msg)
}

// Feed decodes one frame. A malformed frame is dropped; the framer
// carries no state between frames, so the stream continues.
func (f *FrameFramer) Feed(chunk []byte) []*protocol.Message {
	msg, err := protocol.Decode(chunk)
	if err != nil {
		f.logger.Warn("dropping malformed frame", zap.Error(err))
		return nil
	}
	return []*protocol.Message{msg}
}

// headerTemplate is the length-prefixed header block.
const headerTemplate = "Content-Length: %d\r\n\r\n"

// NewStreamFramer creates a length-prefixed framer.
func NewStreamFramer(logger *zap.Logger) *StreamFramer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamFramer{logger: logger}
}

// StreamFramer is the length-prefixed encoding. The decoder tolerates
// headers and bodies split across arbitrary chunk boundaries, and
// resynchronizes past a corrupt header block without aborting the stream.
type StreamFramer struct {
	buf    []byte
	logger *zap.Logger
}

// Encode serializes a message with its Content-Length header.
func (f *StreamFramer) Encode(msg *protocol.Message) ([]byte, error) {
	body, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf(headerTemplate, len(body))
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out, nil
}

// Feed appends a chunk to the internal buffer and extracts every message
// whose bytes are now complete, in completion order.
func (f *StreamFramer) Feed(chunk []byte) []*protocol.Message {
	f.buf = append(f.buf, chunk...)

	var msgs []*protocol.Message
	for {
		headerEnd, boundaryLen := findBoundary(f.buf)
		if headerEnd < 0 {
			break // header still incomplete
		}

		length, ok := parseContentLength(f.buf[:headerEnd])
		if !ok {
			// Corrupt header block: discard through the boundary and
			// keep scanning. A bad message must never abort the stream.
			f.logger.Warn("discarding header block with no parseable length",
				zap.Int("bytes", headerEnd+boundaryLen))
			f.buf = f.buf[headerEnd+boundaryLen:]
			continue
		}

		bodyStart := headerEnd + boundaryLen
		if len(f.buf) < bodyStart+length {
			break // body still incomplete
		}

		body := f.buf[bodyStart : bodyStart+length]
		msg, err := protocol.Decode(body)
		if err != nil {
			f.logger.Warn("dropping malformed message body", zap.Error(err))
		} else {
			msgs = append(msgs, msg)
		}
		f.buf = f.buf[bodyStart+length:]
	}

	// Release the buffer once fully drained so a long session does not
	// pin the largest chunk ever seen.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return msgs
}

// Pending reports how many buffered bytes await completion.
func (f *StreamFramer) Pending() int {
	return len(f.buf)
}

// findBoundary locates the blank-line boundary terminating a header
// block. Returns the header length and the boundary length, or -1 if no
// boundary is present yet. Both CRLF and bare LF separators are accepted.
func findBoundary(buf []byte) (headerEnd, boundaryLen int) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\n' {
			if buf[i+1] == '\n' {
				return i + 1, 1
			}
			if i+2 < len(buf) && buf[i+1] == '\r' && buf[i+2] == '\n' {
				return i + 1, 2
			}
		}
	}
	return -1, 0
}

// parseContentLength scans header lines for a Content-Length declaration.
// Unknown headers are ignored.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimSpace(line)
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
