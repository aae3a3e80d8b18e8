package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABC-1234", "ABC1234"},
		{"abc 1234", "ABC1234"},
		{"  ab-12.cd  ", "AB12CD"},
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePlate(tt.in), "input %q", tt.in)
	}
}
