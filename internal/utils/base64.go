package utils

import (
	"encoding/base64"
	"strings"
)

// StripBase64 removes every character outside the base64 alphabet
// [A-Za-z0-9+/=]. Published XML routinely wraps object bodies in whitespace,
// so the data is cleaned before decoding.
func StripBase64(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r
		case r >= 'a' && r <= 'z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '+' || r == '/' || r == '=':
			return r
		}
		return -1
	}, s)
}

// DecodeBase64 strips non-alphabet characters and decodes the remainder as
// standard base64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(StripBase64(s))
}
