package rewards

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	codePrefix = "CP-"
	codeLength = 10
	// Crockford base32 omits I, L, O and U.
	codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// CodeGenerator produces redemption codes.
type CodeGenerator interface {
	NewCode() (string, error)
}

type randomCodeGenerator struct {
	source io.Reader
}

// NewRandomCodeGenerator returns a generator backed by crypto/rand.
func NewRandomCodeGenerator() CodeGenerator {
	return randomCodeGenerator{source: rand.Reader}
}

// NewCode returns CP- followed by ten Crockford base32 characters (50 bits).
func (g randomCodeGenerator) NewCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := io.ReadFull(g.source, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	code := make([]byte, codeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[b&0x1f]
	}
	return codePrefix + string(code), nil
}
