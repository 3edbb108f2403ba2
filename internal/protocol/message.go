package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// MessageKind discriminates the three wire message shapes.
type MessageKind int

const (
	// KindInvalid marks a payload that is none of the known shapes.
	KindInvalid MessageKind = iota
	// KindRequest is a call carrying an id and a method.
	KindRequest
	// KindResponse is a reply carrying an id and a result or error.
	KindResponse
	// KindNotification is a fire-and-forget call carrying only a method.
	KindNotification
)

// String returns a human-readable kind name.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is a single JSON-RPC message. The variant is determined by
// which fields are present: id+method is a request, id+result/error is
// a response, method alone is a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ErrInvalidMessage indicates a payload that parses as JSON but does not
// match any of the three message shapes.
var ErrInvalidMessage = errors.New("message matches no known shape")

// Kind classifies the message by field presence.
func (m *Message) Kind() MessageKind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil && (m.Result != nil || m.Error != nil):
		return KindResponse
	case m.ID == nil && m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewRequest builds a request message. Params may be nil.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message. Params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response message. A nil result encodes
// as an explicit JSON null: the result member is what distinguishes a
// void success from a bare id on the wire.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// Version is the JSON-RPC protocol version sent on every message.
const Version = "2.0"

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// Decode validates a raw payload at the transport boundary and parses it
// into a Message. The variant probe uses field presence (id, method,
// result, error) before committing to a full unmarshal, so a payload
// with none of the discriminating fields is rejected cheaply.
func Decode(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode message: not valid JSON")
	}

	hasID := gjson.GetBytes(data, "id").Exists()
	hasMethod := gjson.GetBytes(data, "method").Exists()
	hasResult := gjson.GetBytes(data, "result").Exists()
	hasError := gjson.GetBytes(data, "error").Exists()

	if !hasMethod && !(hasID && (hasResult || hasError)) {
		return nil, ErrInvalidMessage
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Kind() == KindInvalid {
		return nil, ErrInvalidMessage
	}
	return &msg, nil
}

// Encode serializes a message to its JSON body, without any framing.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
