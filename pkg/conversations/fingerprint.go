package conversations

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"regexp"
	"strings"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	markupRe     = regexp.MustCompile("[*_`~]")
)

// NormalizeText flattens a message body for fingerprint comparison:
// HTML entities decoded, whitespace collapsed, lightweight markdown
// markers and emoji stripped. Two renderings of the same assistant
// reply normalize to the same string.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	s = markupRe.ReplaceAllString(s, "")
	return stripEmoji(s)
}

func stripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F5FF:
		return true
	case r >= 0x1F600 && r <= 0x1F64F:
		return true
	case r >= 0x1F680 && r <= 0x1F6FF:
		return true
	case r >= 0x1F1E0 && r <= 0x1F1FF:
		return true
	case r == 0x2728: // sparkles
		return true
	}
	return false
}

// Fingerprint is the deterministic identity of one message: a hex
// SHA-256 over the role and the normalized text.
func Fingerprint(role, text string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(role))))
	h.Write([]byte{'\n'})
	h.Write([]byte(NormalizeText(text)))
	return hex.EncodeToString(h.Sum(nil))
}
