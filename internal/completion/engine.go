// Package completion decides, on every document edit, whether to query
// the remote analysis service for completions, reuse a previously
// fetched set, or do nothing. It also computes the replacement range a
// chosen completion applies to, and guards against stale results from
// slow requests racing fast edits.
package completion

import (
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// Action is the decision taken for one edit.
type Action int

const (
	// ActionNone suppresses completion for this edit.
	ActionNone Action = iota
	// ActionFilterCache reuses the cached set, filtered locally against
	// the narrowed text. No remote request is issued.
	ActionFilterCache
	// ActionRequest issues exactly one fresh remote request.
	ActionRequest
)

// String returns a short action name.
func (a Action) String() string {
	switch a {
	case ActionFilterCache:
		return "filter-cache"
	case ActionRequest:
		return "request"
	default:
		return "none"
	}
}

// Edit describes the document state after one edit.
type Edit struct {
	// Text is the full current document content.
	Text string
	// Caret is the rune offset of the caret.
	Caret int
	// Explicit marks an explicit completion invocation.
	Explicit bool
}

// Decision is the engine's classification of one edit.
type Decision struct {
	Action Action

	// Anchor is the offset the completion match begins at. It keys
	// cache validity and the staleness guard on result acceptance.
	Anchor int

	// ReplaceStart and ReplaceEnd delimit the span a chosen completion
	// replaces.
	ReplaceStart int
	ReplaceEnd   int

	// Context is sent with a fresh remote request.
	Context protocol.CompletionContext

	// FilterText is the narrowed word used for local filtering in
	// continuation mode.
	FilterText string
}

// CachedSet is a previously fetched completion set. It stays valid while
// the caret's match anchor equals Anchor and every subsequently typed
// character is a word character.
type CachedSet struct {
	Anchor int
	Items  []protocol.CompletionItem
}

// Anchor match patterns ending at the caret, most specific first:
// dot-access, paren-open (optionally followed by one space), bare word.
var (
	dotPattern   = regexp.MustCompile(`\.\w*$`)
	parenPattern = regexp.MustCompile(`\( ?\w*$`)
	wordPattern  = regexp.MustCompile(`\w+$`)
)

// Engine owns the completion cache and classifies edits. All state is
// touched from the editor's event loop; the mutex only covers the
// result-acceptance path, which races a slow response against the next
// keystroke.
type Engine struct {
	mu     sync.Mutex
	cache  *CachedSet
	anchor int // anchor of the latest classification; -1 when no completion context
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine with an empty cache.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{anchor: -1, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classify inspects the edit and decides the completion action.
func (e *Engine) Classify(edit Edit) Decision {
	prefix := runePrefix(edit.Text, edit.Caret)
	typed := lastRunes(prefix, 1)
	typedTwo := lastRunes(prefix, 2)

	dotStart := matchStart(dotPattern, prefix)
	parenStart := matchStart(parenPattern, prefix)
	wordStart := matchStart(wordPattern, prefix)

	best := bestStart(dotStart, parenStart, wordStart)
	filterText := matchText(wordPattern, prefix)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Continuation: the cache covers this anchor and the keystroke only
	// narrowed the word. Filter locally, no remote round trip.
	if e.cache != nil && best >= 0 && e.cache.Anchor == best && isWordChar(typed) {
		e.anchor = best
		return Decision{
			Action:       ActionFilterCache,
			Anchor:       best,
			ReplaceStart: replaceStart(best, typed, edit.Caret),
			ReplaceEnd:   edit.Caret,
			FilterText:   filterText,
		}
	}

	// Everything else is fresh, which invalidates whatever was cached.
	e.cache = nil

	trigger := triggerCharacter(typed, typedTwo)
	qualifies := trigger != "" || edit.Explicit || best >= 0
	if !qualifies {
		e.anchor = -1
		return Decision{Action: ActionNone, Anchor: -1}
	}

	anchor := best
	if anchor < 0 {
		anchor = edit.Caret
	}
	e.anchor = anchor

	ctx := protocol.CompletionContext{TriggerKind: protocol.CompletionTriggerInvoked}
	if trigger != "" && !edit.Explicit {
		ctx = protocol.CompletionContext{
			TriggerKind:      protocol.CompletionTriggerCharacter,
			TriggerCharacter: trigger,
		}
	}

	return Decision{
		Action:       ActionRequest,
		Anchor:       anchor,
		ReplaceStart: replaceStart(anchor, typed, edit.Caret),
		ReplaceEnd:   edit.Caret,
		Context:      ctx,
		FilterText:   filterText,
	}
}

// Accept installs a fetched completion set, but only when the caret's
// anchor still matches the anchor at request time. A response whose
// anchor has since moved is discarded: never shown, never cached.
func (e *Engine) Accept(requestAnchor int, items []protocol.CompletionItem) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if requestAnchor != e.anchor {
		e.logger.Debug("discarding stale completion result",
			zap.Int("request_anchor", requestAnchor),
			zap.Int("current_anchor", e.anchor))
		return false
	}
	e.cache = &CachedSet{Anchor: requestAnchor, Items: items}
	return true
}

// Filter returns the cached items narrowed against filterText, best
// matches first. An empty filterText returns the full cached set.
func (e *Engine) Filter(filterText string) []protocol.CompletionItem {
	e.mu.Lock()
	cache := e.cache
	e.mu.Unlock()

	if cache == nil {
		return nil
	}
	if filterText == "" {
		return append([]protocol.CompletionItem(nil), cache.Items...)
	}

	matches := fuzzy.FindFrom(filterText, itemSource(cache.Items))
	out := make([]protocol.CompletionItem, 0, len(matches))
	for _, m := range matches {
		out = append(out, cache.Items[m.Index])
	}
	return out
}

// Invalidate drops the cache and the current anchor, so any in-flight
// response will be rejected.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cache = nil
	e.anchor = -1
	e.mu.Unlock()
}

// Cached reports whether a completion set is currently cached.
func (e *Engine) Cached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache != nil
}

// itemSource adapts completion items to the fuzzy matcher.
type itemSource []protocol.CompletionItem

func (s itemSource) String(i int) string { return s[i].Label }
func (s itemSource) Len() int            { return len(s) }

// replaceStart applies the replacement-range policy: the span begins at
// the match start, except that typing the dot itself is a pure
// insertion starting right after the dot.
func replaceStart(anchor int, typed string, caret int) int {
	if typed == "." {
		return caret
	}
	return anchor
}

// triggerCharacter reports the character that makes this edit a trigger
// edit: a dot, an open paren, or the two-character sequence "( ".
func triggerCharacter(typed, typedTwo string) string {
	switch {
	case typed == ".":
		return "."
	case typed == "(":
		return "("
	case typedTwo == "( ":
		return "("
	default:
		return ""
	}
}

// isWordChar reports whether s is a single word character: letter,
// digit, or underscore.
func isWordChar(s string) bool {
	if len(s) == 0 {
		return false
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) {
		return false
	}
	return r == '_' ||
		('a' <= r && r <= 'z') ||
		('A' <= r && r <= 'Z') ||
		('0' <= r && r <= '9')
}

// runePrefix returns the text before the caret, with the caret counted
// in runes and clamped to the document.
func runePrefix(text string, caret int) string {
	if caret <= 0 {
		return ""
	}
	runes := []rune(text)
	if caret >= len(runes) {
		return text
	}
	return string(runes[:caret])
}

// lastRunes returns the final n runes of s, or "" when s is shorter.
func lastRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) < n {
		return ""
	}
	return string(runes[len(runes)-n:])
}

// matchStart returns the rune offset where the pattern's match begins,
// or -1 when it does not match the end of the prefix.
func matchStart(re *regexp.Regexp, prefix string) int {
	loc := re.FindStringIndex(prefix)
	if loc == nil {
		return -1
	}
	return utf8.RuneCountInString(prefix[:loc[0]])
}

// matchText returns the matched text, or "".
func matchText(re *regexp.Regexp, prefix string) string {
	return re.FindString(prefix)
}

// bestStart picks the most specific non-empty match:
// dot-access > paren-open > bare word.
func bestStart(dot, paren, word int) int {
	switch {
	case dot >= 0:
		return dot
	case paren >= 0:
		return paren
	case word >= 0:
		return word
	default:
		return -1
	}
}
