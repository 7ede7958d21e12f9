package audio

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	emojiRegex      = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\p{Sc}\s]`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	markdownTokens  = strings.NewReplacer("**", "", "__", "", "~~", "", "`", "", "*", "", "#", "")
)

// Normalize trims text and collapses runs of whitespace. Texts that
// normalize equally share one cache entry.
func Normalize(text string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(text, " "))
}

// Digest is the hex SHA-256 of the normalized text.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// SpeechText strips markdown markers and emoji, which speech engines
// otherwise read aloud or choke on.
func SpeechText(text string) string {
	text = markdownTokens.Replace(text)
	text = emojiRegex.ReplaceAllString(text, "")
	return Normalize(text)
}
