package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHash(t *testing.T) {
	t.Parallel()

	h, err := DecodeHash(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Len(t, h, 32)
	assert.Equal(t, byte(0xab), h[0])
}

func TestDecodeHash_UpperCase(t *testing.T) {
	t.Parallel()

	h, err := DecodeHash(strings.Repeat("AB", 32))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), h[31])
}

func TestDecodeHash_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "too short", input: "abcd"},
		{name: "too long", input: strings.Repeat("ab", 33)},
		{name: "not hex", input: strings.Repeat("zz", 32)},
		{name: "empty", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeHash(tt.input)
			assert.Error(t, err)
		})
	}
}
