// Package session ties the core together: it owns the rpc session over
// one transport channel, drives the protocol lifecycle, keeps the
// remote document synchronized, and turns edit classifications into
// completion requests with stale-result protection.
//
// A Session is an explicit value with an injected lifecycle: create it,
// Initialize it, use it, Shutdown it. Nothing here is global.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/channel"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/completion"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/rpc"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/textpos"
)

// DefaultDebounceWindow coalesces document-change notifications.
const DefaultDebounceWindow = 500 * time.Millisecond

// Standard errors returned by the session.
var (
	// ErrNotInitialized indicates the initialize exchange has not completed.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrNoDocument indicates no document is open.
	ErrNoDocument = errors.New("no document open")

	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// document is the locally tracked state of the open document.
type document struct {
	uri        protocol.DocumentURI
	languageID string
	version    int
	text       string
}

// CompletionResult is what the caller renders: the items and the span
// a chosen item replaces, in rune offsets.
type CompletionResult struct {
	Items        []protocol.CompletionItem
	ReplaceStart int
	ReplaceEnd   int
}

// Apply substitutes the replacement span with the chosen item's insert
// text. Returns the new document text and the caret offset after the
// insertion, both in runes.
func (r *CompletionResult) Apply(text string, item protocol.CompletionItem) (string, int) {
	runes := []rune(text)
	start, end := r.ReplaceStart, r.ReplaceEnd
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start > end {
		start = end
	}

	insert := []rune(item.Insert())
	out := make([]rune, 0, len(runes)-(end-start)+len(insert))
	out = append(out, runes[:start]...)
	out = append(out, insert...)
	out = append(out, runes[end:]...)
	return string(out), start + len(insert)
}

// Session is the editing-protocol session against one analysis service.
type Session struct {
	rpc    *rpc.Session
	engine *completion.Engine
	diags  *DiagnosticsStore
	logger *zap.Logger

	window  time.Duration
	rpcOpts []rpc.Option

	mu          sync.Mutex
	doc         *document
	dirty       bool
	debounce    *time.Timer
	initialized bool
	closed      bool

	capabilities protocol.ServerCapabilities
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDebounceWindow overrides the change-coalescing window.
func WithDebounceWindow(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.rpcOpts = append(s.rpcOpts, rpc.WithTimeout(d))
	}
}

// WithHistoryCapacity overrides the rpc message-history capacity.
func WithHistoryCapacity(n int) Option {
	return func(s *Session) {
		s.rpcOpts = append(s.rpcOpts, rpc.WithHistoryCapacity(n))
	}
}

// New creates a session over ch. The inbound listener attaches
// immediately, so messages arriving before Initialize are not lost.
func New(ch channel.Channel, opts ...Option) *Session {
	s := &Session{
		logger: zap.NewNop(),
		window: DefaultDebounceWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.rpcOpts = append(s.rpcOpts, rpc.WithLogger(s.logger))
	s.rpc = rpc.NewSession(ch, s.rpcOpts...)
	s.engine = completion.NewEngine(completion.WithLogger(s.logger))
	s.diags = NewDiagnosticsStore(s.logger)

	s.rpc.OnNotification(protocol.MethodPublishDiagnostics, func(method string, params json.RawMessage) {
		s.diags.Publish(params, s.documentText)
	})
	return s
}

// Initialize performs the initialize request / initialized notification
// pair. It must precede all other traffic.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.mu.Unlock()

	params := protocol.InitializeParams{
		ProcessID: os.Getpid(),
		Capabilities: protocol.ClientCapabilities{
			TextDocument: &protocol.TextDocumentClientCapabilities{
				Completion: &protocol.CompletionClientCapabilities{ContextSupport: true},
			},
		},
	}

	var result protocol.InitializeResult
	if err := s.rpc.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return err
	}
	if err := s.rpc.SendNotification(protocol.MethodInitialized, protocol.InitializedParams{}); err != nil {
		return err
	}

	s.mu.Lock()
	s.capabilities = result.Capabilities
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// Capabilities returns the service capabilities from initialization.
func (s *Session) Capabilities() protocol.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// OpenDocument announces the document to the service and starts
// tracking it locally.
func (s *Session) OpenDocument(uri protocol.DocumentURI, languageID, text string) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.doc = &document{uri: uri, languageID: languageID, version: 1, text: text}
	s.mu.Unlock()

	return s.rpc.SendNotification(protocol.MethodDidOpen, protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    1,
			Text:       text,
		},
	})
}

// CloseDocument stops tracking the document and tells the service.
func (s *Session) CloseDocument() error {
	s.mu.Lock()
	doc := s.doc
	s.doc = nil
	s.stopDebounceLocked()
	s.mu.Unlock()

	if doc == nil {
		return ErrNoDocument
	}
	s.engine.Invalidate()
	s.diags.Clear(doc.uri)
	return s.rpc.SendNotification(protocol.MethodDidClose, protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: doc.uri},
	})
}

// HandleEdit records an edit and classifies it. The change notification
// to the service is coalesced by the debounce window, except that a
// trigger character forces an immediate flush: completion correctness
// depends on the service seeing the latest text before the completion
// request lands.
//
// The returned result is nil when no completion should be shown.
func (s *Session) HandleEdit(ctx context.Context, text string, caret int) (*CompletionResult, error) {
	return s.edit(ctx, text, caret, false)
}

// InvokeCompletion is an explicit completion invocation at the caret,
// with the current document text unchanged.
func (s *Session) InvokeCompletion(ctx context.Context, caret int) (*CompletionResult, error) {
	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return nil, ErrNoDocument
	}
	text := s.doc.text
	s.mu.Unlock()
	return s.edit(ctx, text, caret, true)
}

func (s *Session) edit(ctx context.Context, text string, caret int, explicit bool) (*CompletionResult, error) {
	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return nil, ErrNoDocument
	}
	changed := s.doc.text != text
	s.doc.text = text
	if changed {
		s.dirty = true
	}
	s.mu.Unlock()

	decision := s.engine.Classify(completion.Edit{Text: text, Caret: caret, Explicit: explicit})

	switch decision.Action {
	case completion.ActionNone:
		if changed {
			s.scheduleChange()
		}
		return nil, nil

	case completion.ActionFilterCache:
		if changed {
			s.scheduleChange()
		}
		return &CompletionResult{
			Items:        s.engine.Filter(decision.FilterText),
			ReplaceStart: decision.ReplaceStart,
			ReplaceEnd:   decision.ReplaceEnd,
		}, nil

	case completion.ActionRequest:
		// Trigger edits bypass the debounce window so the service sees
		// the text the completion request refers to.
		s.flushChange()
		return s.requestCompletion(ctx, text, caret, decision)

	default:
		return nil, nil
	}
}

// requestCompletion issues exactly one remote completion request and
// accepts its result only if the caret anchor is unchanged.
func (s *Session) requestCompletion(ctx context.Context, text string, caret int, decision completion.Decision) (*CompletionResult, error) {
	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return nil, ErrNoDocument
	}
	uri := s.doc.uri
	s.mu.Unlock()

	params := protocol.CompletionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Position:     textpos.OffsetToPosition(text, caret),
		Context:      &decision.Context,
	}

	var list protocol.CompletionList
	err := s.rpc.Call(ctx, protocol.MethodCompletion, params, &list)
	if err != nil {
		// A timed-out request yields no completions rather than
		// blocking input or surfacing an error.
		if errors.Is(err, rpc.ErrDeadlineExceeded) {
			s.logger.Debug("completion request timed out")
			return nil, nil
		}
		return nil, err
	}

	if !s.engine.Accept(decision.Anchor, list.Items) {
		// The caret moved while the request was in flight.
		return nil, nil
	}

	return &CompletionResult{
		Items:        s.engine.Filter(decision.FilterText),
		ReplaceStart: decision.ReplaceStart,
		ReplaceEnd:   decision.ReplaceEnd,
	}, nil
}

// scheduleChange (re)arms the debounce timer for a didChange flush.
func (s *Session) scheduleChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.dirty {
		return
	}
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.window, s.flushChange)
}

// flushChange sends the pending full-text didChange immediately.
func (s *Session) flushChange() {
	s.mu.Lock()
	s.stopDebounceLocked()
	if !s.dirty || s.doc == nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.doc.version++
	params := protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: s.doc.uri},
			Version:                s.doc.version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: s.doc.text}},
	}
	s.mu.Unlock()

	if err := s.rpc.SendNotification(protocol.MethodDidChange, params); err != nil {
		s.logger.Warn("didChange notification failed", zap.Error(err))
	}
}

func (s *Session) stopDebounceLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// Diagnostics returns the current diagnostics for a document URI.
func (s *Session) Diagnostics(uri protocol.DocumentURI) []OffsetDiagnostic {
	return s.diags.Get(uri)
}

// DiagnosticsSummary returns severity counts across all documents.
func (s *Session) DiagnosticsSummary() DiagnosticSummary {
	return s.diags.Summary()
}

// History returns recent wire messages, oldest first.
func (s *Session) History() []rpc.HistoryEntry {
	return s.rpc.History()
}

// Shutdown performs the shutdown request / exit notification exchange
// and closes the channel. Idempotent; safe to call on a session that
// never initialized.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	initialized := s.initialized
	s.stopDebounceLocked()
	s.mu.Unlock()

	if initialized {
		if err := s.rpc.Call(ctx, protocol.MethodShutdown, nil, nil); err != nil {
			s.logger.Warn("shutdown request failed", zap.Error(err))
		}
		if err := s.rpc.SendNotification(protocol.MethodExit, nil); err != nil {
			s.logger.Warn("exit notification failed", zap.Error(err))
		}
	}
	return s.rpc.Close()
}

// documentText reports the tracked text for a URI, used by the
// diagnostics store to translate ranges to offsets.
func (s *Session) documentText(uri protocol.DocumentURI) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil || s.doc.uri != uri {
		return "", false
	}
	return s.doc.text, true
}

// FileURI builds a file:// URI from a path.
func FileURI(path string) protocol.DocumentURI {
	if strings.HasPrefix(path, "file://") {
		return protocol.DocumentURI(path)
	}
	return protocol.DocumentURI("file://" + path)
}
