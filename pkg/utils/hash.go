package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// NormalizeText lower-cases, strips punctuation and collapses whitespace so
// that trivially different phrasings of a query hash to the same signature.
func NormalizeText(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	space := false
	for _, r := range strings.ToLower(input) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Signature hashes an ordered list of request parts; parts are separated by a
// unit separator so ("ab","c") and ("a","bc") differ.
func Signature(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}
