// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the tool-offer heuristic.

package leads

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeadSignalPredicate(t *testing.T) {
	p := NewLeadSignalPredicate()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"bare greeting", "Hola", false},
		{"short hello", "hi there", false},
		{"email present", "you can reach me at ana@example.com thanks", true},
		{"phone present", "call me at 0052 55 1234 5678 please", true},
		{"name and company markers", "my name is Ana and I work at Acme Inc", true},
		{"name marker alone", "my name is Ana by the way", false},
		{"company marker alone", "we are a small company in Austin", false},
		{"long prose without signals", "I was wondering what your product does and how it is priced", false},
		{"spanish name and company", "me llamo Ana y tengo una empresa de logistica", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldOfferTools(tt.text))
		})
	}
}

func TestOfferPredicateFunc(t *testing.T) {
	always := OfferPredicateFunc(func(string) bool { return true })
	assert.True(t, always.ShouldOfferTools(""))
}
