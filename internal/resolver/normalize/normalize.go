// Package normalize canonicalizes raw phone numbers and email addresses into
// stable cache keys. Normalization is deterministic and idempotent; an input
// that reduces to nothing is a skip signal, not an error.
package normalize

import (
	"strings"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
)

// Normalize canonicalizes raw according to kind. ok is false when the input
// normalizes to empty; callers must short-circuit without touching any tier.
func Normalize(kind models.LookupKind, raw string) (value string, ok bool) {
	switch kind {
	case models.LookupKindPhone:
		value = Phone(raw)
	case models.LookupKindEmail:
		value = Email(raw)
	default:
		return "", false
	}
	return value, value != ""
}

// Phone reduces a raw phone string to a canonical international-style digit
// string:
//   - inputs already carrying a leading + keep it, with all non-digits removed
//   - 11 digits starting with 1 gain a + prefix
//   - bare 10-digit numbers are treated as domestic and gain +1
//   - anything else is kept digits-only
func Phone(raw string) string {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")

	var b strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	switch {
	case hasPlus:
		return "+" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	case len(digits) == 10:
		return "+1" + digits
	default:
		return digits
	}
}

// Email lower-cases and trims the address. No structural validation happens
// here; the system of record is the judge of what resolves.
func Email(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
