// Package fingerprint produces stable content fingerprints for instruction
// text, user messages and tool definitions.
package fingerprint

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Normalize removes NUL bytes and folds CRLF/CR line endings to LF.
func Normalize(text string) string {
	if strings.IndexByte(text, 0) >= 0 {
		text = strings.ReplaceAll(text, "\x00", "")
	}
	if strings.IndexByte(text, '\r') >= 0 {
		text = strings.ReplaceAll(text, "\r\n", "\n")
		text = strings.ReplaceAll(text, "\r", "\n")
	}
	return text
}

// Of returns the hex BLAKE3-256 digest of the normalized text.
func Of(text string) string {
	sum := blake3.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Bytes hashes raw bytes without normalization.
func Bytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SessionKey derives the session identifier used when the client sends none.
func SessionKey(agentID, instructionText string) string {
	if strings.TrimSpace(instructionText) == "" {
		return agentID + ":default"
	}
	return agentID + ":" + Of(instructionText)[:16]
}
