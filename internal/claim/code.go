package claim

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeAlphabet omits characters that are easy to misread at a counter
// (0/O, 1/I/L).
const CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const DefaultCodeLength = 8

// CodeSource produces candidate pickup codes.
type CodeSource func() (string, error)

// RandomCodes returns a CodeSource drawing length characters from
// CodeAlphabet with crypto/rand.
func RandomCodes(length int) CodeSource {
	if length <= 0 {
		length = DefaultCodeLength
	}
	limit := big.NewInt(int64(len(CodeAlphabet)))
	return func() (string, error) {
		code := make([]byte, length)
		for i := range code {
			n, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return "", fmt.Errorf("generate pickup code: %w", err)
			}
			code[i] = CodeAlphabet[n.Int64()]
		}
		return string(code), nil
	}
}
