package utils

import (
	"encoding/hex"
	"fmt"

	"github.com/quantmind-br/rrdp-go/internal/domain"
)

// DecodeHash decodes a SHA-256 hash attribute: exactly 64 hex digits, upper
// or lower case.
func DecodeHash(s string) ([]byte, error) {
	if len(s) != domain.HashSize*2 {
		return nil, fmt.Errorf("hash must be %d hex digits, got %d", domain.HashSize*2, len(s))
	}
	h, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}
