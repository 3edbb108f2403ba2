package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
	"github.com/atomic-ehr/fhirpath-lsp2/internal/textpos"
)

// OffsetDiagnostic is a diagnostic with its range translated to rune
// offsets in the tracked document text. Start and End are -1 when the
// document's text is not tracked locally.
type OffsetDiagnostic struct {
	protocol.Diagnostic
	Start int
	End   int
}

// DiagnosticSummary counts diagnostics by severity across all documents.
type DiagnosticSummary struct {
	Errors   int
	Warnings int
	Others   int
}

// textLookup resolves a document URI to its tracked text.
type textLookup func(protocol.DocumentURI) (string, bool)

// DiagnosticsStore holds the latest published diagnostic set per
// document. Each publish replaces the previous set for that URI; a
// publish that fails to parse leaves the previous set untouched.
type DiagnosticsStore struct {
	logger *zap.Logger

	mu    sync.Mutex
	byURI map[protocol.DocumentURI][]OffsetDiagnostic
}

// NewDiagnosticsStore creates an empty store.
func NewDiagnosticsStore(logger *zap.Logger) *DiagnosticsStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiagnosticsStore{
		logger: logger,
		byURI:  make(map[protocol.DocumentURI][]OffsetDiagnostic),
	}
}

// Publish ingests one publishDiagnostics payload. Ranges are translated
// to rune offsets against the text textOf reports for the URI.
func (d *DiagnosticsStore) Publish(params json.RawMessage, textOf textLookup) {
	var p protocol.PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		d.logger.Warn("dropping malformed diagnostics payload", zap.Error(err))
		return
	}

	text, tracked := "", false
	if textOf != nil {
		text, tracked = textOf(p.URI)
	}

	set := make([]OffsetDiagnostic, len(p.Diagnostics))
	for i, diag := range p.Diagnostics {
		od := OffsetDiagnostic{Diagnostic: diag, Start: -1, End: -1}
		if tracked {
			od.Start, od.End = textpos.RangeToOffsets(text, diag.Range)
		}
		set[i] = od
	}

	d.mu.Lock()
	d.byURI[p.URI] = set
	d.mu.Unlock()

	d.logger.Debug("diagnostics updated",
		zap.String("uri", string(p.URI)), zap.Int("count", len(set)))
}

// Get returns the current diagnostics for a URI. A published-but-clean
// document yields an empty non-nil slice; nil means nothing has been
// published for the URI yet.
func (d *DiagnosticsStore) Get(uri protocol.DocumentURI) []OffsetDiagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.byURI[uri]
	if !ok {
		return nil
	}
	out := make([]OffsetDiagnostic, len(set))
	copy(out, set)
	return out
}

// Clear drops the diagnostics for a URI.
func (d *DiagnosticsStore) Clear(uri protocol.DocumentURI) {
	d.mu.Lock()
	delete(d.byURI, uri)
	d.mu.Unlock()
}

// Summary counts diagnostics by severity across all documents.
func (d *DiagnosticsStore) Summary() DiagnosticSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s DiagnosticSummary
	for _, set := range d.byURI {
		for _, od := range set {
			switch od.Severity {
			case protocol.SeverityError:
				s.Errors++
			case protocol.SeverityWarning:
				s.Warnings++
			default:
				s.Others++
			}
		}
	}
	return s
}
