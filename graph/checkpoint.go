package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// normalizeForHash applies the anti-repetition normalization rule pinned
// in SPEC_FULL.md section 9 (spec.md leaves this undocumented): fold
// case, collapse interior whitespace, strip leading/trailing whitespace,
// and drop ASCII punctuation before hashing.
func normalizeForHash(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastWasSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !lastWasSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastWasSpace = true
		case strings.ContainsRune(".,!?;:'\"`()[]{}", r):
			// dropped
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// computeQueryHash implements GraphState.hashes.query_hash =
// hash(normalize(user_message)) from spec.md section 4.5.
func computeQueryHash(userMessage string) string {
	sum := sha256.Sum256([]byte(normalizeForHash(userMessage)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ComputeQueryHash is the exported form of computeQueryHash, used by
// graph/orchestrator to evaluate the anti-repetition short-circuit of
// spec.md section 4.5 without duplicating the normalization rule.
func ComputeQueryHash(userMessage string) string {
	return computeQueryHash(userMessage)
}
