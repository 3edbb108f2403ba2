package textpos

import (
	"testing"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

func TestOffsetToPosition(t *testing.T) {
	text := "Patient.name\n.given.first()\n"

	tests := []struct {
		name   string
		offset int
		want   protocol.Position
	}{
		{"start", 0, protocol.Position{Line: 0, Character: 0}},
		{"mid first line", 7, protocol.Position{Line: 0, Character: 7}},
		{"end of first line", 12, protocol.Position{Line: 0, Character: 12}},
		{"start of second line", 13, protocol.Position{Line: 1, Character: 0}},
		{"mid second line", 19, protocol.Position{Line: 1, Character: 6}},
		{"document end", 28, protocol.Position{Line: 2, Character: 0}},
		{"beyond end clamps", 500, protocol.Position{Line: 2, Character: 0}},
		{"negative clamps", -3, protocol.Position{Line: 0, Character: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OffsetToPosition(text, tt.offset); got != tt.want {
				t.Errorf("OffsetToPosition(%d) = %+v, want %+v", tt.offset, got, tt.want)
			}
		})
	}
}

func TestPositionToOffset_Clamping(t *testing.T) {
	text := "a\nbb\nccc"

	tests := []struct {
		name string
		pos  protocol.Position
		want int
	}{
		{"origin", protocol.Position{Line: 0, Character: 0}, 0},
		{"second line", protocol.Position{Line: 1, Character: 1}, 3},
		{"character past line end clamps", protocol.Position{Line: 0, Character: 99}, 1},
		{"line past document clamps", protocol.Position{Line: 99, Character: 0}, 8},
		{"negative line clamps", protocol.Position{Line: -1, Character: 4}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PositionToOffset(text, tt.pos); got != tt.want {
				t.Errorf("PositionToOffset(%+v) = %d, want %d", tt.pos, got, tt.want)
			}
		})
	}
}

func TestRoundTrip_EveryOffset(t *testing.T) {
	texts := []string{
		"",
		"Patient",
		"Patient.name.given\n",
		"Observation.value\n  .where(unit = 'mg')\n\n.first()",
		"line1\nline2\nline3",
		"ünïcode.nämé\n.gïven",
	}

	for _, text := range texts {
		runes := []rune(text)
		for o := 0; o <= len(runes); o++ {
			pos := OffsetToPosition(text, o)
			if got := PositionToOffset(text, pos); got != o {
				t.Errorf("round trip failed for %q offset %d: got %d via %+v", text, o, got, pos)
			}
		}
	}
}

func TestRangeToOffsets(t *testing.T) {
	text := "Patient.name\n.given"
	rng := protocol.Range{
		Start: protocol.Position{Line: 0, Character: 8},
		End:   protocol.Position{Line: 1, Character: 6},
	}
	start, end := RangeToOffsets(text, rng)
	if start != 8 || end != 19 {
		t.Errorf("RangeToOffsets() = (%d, %d), want (8, 19)", start, end)
	}

	back := OffsetsToRange(text, start, end)
	if back != rng {
		t.Errorf("OffsetsToRange() = %+v, want %+v", back, rng)
	}
}
