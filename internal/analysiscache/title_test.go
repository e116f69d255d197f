package analysiscache

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func payload(summary any) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"summary": summary})
	return b
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("a", 200)
	longSentence := strings.Repeat("b", 80) + ". Rest."

	tests := []struct {
		name    string
		payload json.RawMessage
		want    string
	}{
		{"first sentence", payload("Pivot now. Execute fast."), "Pivot now"},
		{"capitalized", payload("hire a cofounder! then raise."), "Hire a cofounder"},
		{"question", payload("  should you pivot? maybe."), "Should you pivot"},
		{"no terminator", payload("Focus on retention"), "Focus on retention"},
		{"long without terminator", payload(long), strings.Repeat("a", 60) + "..."},
		{"long sentence", payload(longSentence), strings.Repeat("B", 1) + strings.Repeat("b", 59) + "..."},
		{"exactly sixty", payload(strings.Repeat("c", 60)), strings.Repeat("c", 60)},
		{"multibyte", payload(strings.Repeat("é", 70)), strings.Repeat("é", 60) + "..."},
		{"empty summary", payload(""), FallbackTitle},
		{"blank summary", payload("   "), FallbackTitle},
		{"terminator only", payload("."), FallbackTitle},
		{"null summary", payload(nil), FallbackTitle},
		{"missing summary", json.RawMessage(`{"actions":[]}`), FallbackTitle},
		{"no payload", nil, FallbackTitle},
		{"not json", json.RawMessage(`garbage`), FallbackTitle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTitle(tt.payload))
		})
	}
}

func TestCleanTags(t *testing.T) {
	got, err := cleanTags([]string{" a ", "", "B", "b", "c"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "B", "c"}, got)

	got, err = cleanTags([]string{})
	assert.NoError(t, err)
	assert.Equal(t, []string{}, got)

	_, err = cleanTags([]string{strings.Repeat("x", MaxTagLength+1)})
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}

func TestCleanTitle(t *testing.T) {
	got, err := cleanTitle(nil)
	assert.NoError(t, err)
	assert.Nil(t, got)

	title := "  Plan  "
	got, err = cleanTitle(&title)
	assert.NoError(t, err)
	assert.Equal(t, "Plan", *got)

	long := strings.Repeat("t", MaxTitleLength+1)
	_, err = cleanTitle(&long)
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}
