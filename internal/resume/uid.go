package resume

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// uidAlphabet is base32 with the ambiguous characters dropped: no I, O, 0
// or 1. 32 characters, so mapping bytes with modulo introduces no bias.
const uidAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var uidPattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{5}-[A-HJ-NP-Z2-9]{5}$`)

// NewUID returns a fresh resume code in XXXXX-XXXXX form. Ten random
// characters give 32^10 possibilities; collisions are handled by the caller
// retrying against the store.
func NewUID() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate resume code: %w", err)
	}
	var b strings.Builder
	for i, c := range buf {
		b.WriteByte(uidAlphabet[int(c)%len(uidAlphabet)])
		if i == 4 {
			b.WriteByte('-')
		}
	}
	return b.String(), nil
}

// NormalizeUID uppercases and strips whitespace so user-typed codes compare
// cleanly against stored ones.
func NormalizeUID(uid string) string {
	return strings.Join(strings.Fields(strings.ToUpper(strings.TrimSpace(uid))), "")
}

// ValidUID reports whether uid is in canonical XXXXX-XXXXX form.
func ValidUID(uid string) bool {
	return uidPattern.MatchString(uid)
}
