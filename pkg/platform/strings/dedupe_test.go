package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{"nil", nil, nil},
		{"empty", []string{}, []string{}},
		{"broker list with spaces", []string{" k1:9092", "k2:9092 ", "k1:9092"}, []string{"k1:9092", "k2:9092"}},
		{"blank entries dropped", []string{"", "  ", "k1:9092"}, []string{"k1:9092"}},
		{"case preserved", []string{"Universal_Credit", "universal_credit"}, []string{"Universal_Credit", "universal_credit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	got := DedupeAndTrimLower([]string{" Universal_Credit", "universal_credit", "PENSION_CREDIT_GUARANTEE", ""})
	assert.Equal(t, []string{"universal_credit", "pension_credit_guarantee"}, got)
}
