package linking

import (
	"crypto/rand"
	"fmt"
)

// codeAlphabet avoids easily confused glyphs (0/O, 1/I). 32 symbols at
// 8 characters gives 40 bits of entropy, comfortably unguessable within
// the 10-minute validity window. The power-of-two size keeps the modulo
// below unbiased.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

// newCode draws a fresh token from crypto/rand.
func newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("linking: random source: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
