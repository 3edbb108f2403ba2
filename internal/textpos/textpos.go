// Package textpos converts between flat rune offsets and the
// line/character positions used on the wire. Lines are delimited by
// newlines; characters are counted per line.
package textpos

import (
	"strings"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// OffsetToPosition converts a rune offset to a line/character position.
// Offsets beyond the document length clamp to the final position;
// negative offsets clamp to the document start.
func OffsetToPosition(text string, offset int) protocol.Position {
	if offset < 0 {
		return protocol.Position{}
	}

	lines := strings.Split(text, "\n")
	remaining := offset
	for i, line := range lines {
		length := len([]rune(line))
		if remaining <= length {
			return protocol.Position{Line: i, Character: remaining}
		}
		remaining -= length + 1 // account for the line terminator
	}

	// Past the end: clamp to the final position.
	last := len(lines) - 1
	return protocol.Position{Line: last, Character: len([]rune(lines[last]))}
}

// PositionToOffset converts a line/character position back to a rune
// offset: the sum of each preceding line's length plus one for its
// terminator, plus the character column. Out-of-range positions clamp
// to the nearest valid offset.
func PositionToOffset(text string, pos protocol.Position) int {
	if pos.Line < 0 {
		return 0
	}

	lines := strings.Split(text, "\n")
	if pos.Line >= len(lines) {
		return len([]rune(text))
	}

	offset := 0
	for i := 0; i < pos.Line; i++ {
		offset += len([]rune(lines[i])) + 1
	}

	char := pos.Character
	if char < 0 {
		char = 0
	}
	if lineLen := len([]rune(lines[pos.Line])); char > lineLen {
		char = lineLen
	}
	return offset + char
}

// RangeToOffsets converts a wire range to start and end rune offsets.
func RangeToOffsets(text string, rng protocol.Range) (start, end int) {
	return PositionToOffset(text, rng.Start), PositionToOffset(text, rng.End)
}

// OffsetsToRange converts start and end rune offsets to a wire range.
func OffsetsToRange(text string, start, end int) protocol.Range {
	return protocol.Range{
		Start: OffsetToPosition(text, start),
		End:   OffsetToPosition(text, end),
	}
}
