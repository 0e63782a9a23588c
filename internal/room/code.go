package room

import (
	"crypto/rand"
	"strings"
)

// codeAlphabet is the character set for room codes: short, human-typeable,
// unambiguous on case because input is normalized to uppercase.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the number of characters in a room code.
const CodeLength = 6

// NormalizeCode canonicalizes client-supplied room codes: trimmed and
// uppercased, so codes are case-insensitive on input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// generateCode returns a random room code. Uniqueness against live rooms is
// the caller's responsibility (the registry retries under its lock); codes
// are reusable once a room is destroyed.
func generateCode() string {
	buf := make([]byte, CodeLength)
	// rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf)
}
