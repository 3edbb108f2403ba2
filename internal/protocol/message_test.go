package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name string
		data string
		want MessageKind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"textDocument/completion","params":{}}`, KindRequest},
		{"response result", `{"jsonrpc":"2.0","id":1,"result":{"items":[]}}`, KindResponse},
		{"response error", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"not found"}}`, KindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///a","diagnostics":[]}}`, KindNotification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got := msg.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"jsonrpc":"2.0","id":`},
		{"no discriminating fields", `{"jsonrpc":"2.0"}`},
		{"id without result or method", `{"jsonrpc":"2.0","id":7}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Errorf("Decode(%q) expected error, got nil", tt.data)
			}
		})
	}
}

func TestDecode_InvalidShapeSentinel(t *testing.T) {
	_, err := Decode([]byte(`{"jsonrpc":"2.0","id":7}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestEncodeDecode_Request(t *testing.T) {
	req, err := NewRequest(42, MethodCompletion, CompletionParams{
		TextDocument: TextDocumentIdentifier{URI: "file:///obs.fhirpath"},
		Position:     Position{Line: 0, Character: 8},
		Context:      &CompletionContext{TriggerKind: CompletionTriggerCharacter, TriggerCharacter: "."},
	})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	data, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind() != KindRequest {
		t.Fatalf("Kind() = %v, want request", got.Kind())
	}
	if *got.ID != 42 || got.Method != MethodCompletion {
		t.Errorf("round trip lost identity: id=%d method=%q", *got.ID, got.Method)
	}
}

func TestNewResponse_VoidResult(t *testing.T) {
	resp, err := NewResponse(7, nil)
	if err != nil {
		t.Fatalf("NewResponse() error = %v", err)
	}
	if resp.Kind() != KindResponse {
		t.Fatalf("Kind() = %v, want response", resp.Kind())
	}

	// A void success carries an explicit null result; without it the
	// message is a bare id and matches no shape.
	data, err := Encode(resp)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"result":null`) {
		t.Errorf("encoded = %s, want an explicit null result", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind() != KindResponse || *got.ID != 7 {
		t.Errorf("round trip: kind=%v id=%v", got.Kind(), got.ID)
	}
}

func TestNewNotification_NoID(t *testing.T) {
	n, err := NewNotification(MethodDidChange, nil)
	if err != nil {
		t.Fatalf("NewNotification() error = %v", err)
	}
	if n.ID != nil {
		t.Error("notification must not carry an id")
	}
	if n.Kind() != KindNotification {
		t.Errorf("Kind() = %v, want notification", n.Kind())
	}
}

func TestResponseError_Error(t *testing.T) {
	e := &ResponseError{Code: CodeMethodNotFound, Message: "unknown method"}
	if e.Error() == "" {
		t.Error("empty error string")
	}
}
