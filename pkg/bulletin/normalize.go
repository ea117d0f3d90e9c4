package bulletin

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize canonicalizes bulletin text so that cosmetic upstream differences
// do not produce a new fingerprint. The result uses LF line endings, carries no
// control characters other than TAB and LF, has no trailing blanks on any line,
// never holds more than two consecutive newlines, and ends in exactly one LF.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for i := range len(text) {
		c := text[i]
		if (c < 0x20 && c != '\t' && c != '\n') || c == 0x7f {
			continue
		}
		b.WriteByte(c)
	}

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	joined := strings.Join(lines, "\n")

	b.Reset()
	run := 0
	for i := range len(joined) {
		if joined[i] == '\n' {
			run++
			if run > 2 {
				continue
			}
		} else {
			run = 0
		}
		b.WriteByte(joined[i])
	}

	return strings.TrimRightFunc(b.String(), unicode.IsSpace) + "\n"
}

// Fingerprint returns the lowercase hex SHA-256 digest of s.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
