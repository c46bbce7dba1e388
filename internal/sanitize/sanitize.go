// Package sanitize normalizes and validates the identifiers that name
// tenants and executions. Both end up in queue names, journal keys, KV keys
// and NATS subjects, so they are restricted to a conservative alphabet.
package sanitize

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// MaxIdentifierLength bounds tenant identifiers.
	MaxIdentifierLength = 64

	// hashSuffixLength is "_" plus 8 hex digits.
	hashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Identifier lowercases s, replaces anything outside [a-z0-9_] with an
// underscore, collapses and trims underscores, and truncates to
// MaxIdentifierLength with a hash suffix so distinct long inputs stay
// distinct.
//
//	"Acme Corp"       -> "acme_corp"
//	"github.com/user" -> "github_com_user"
//	"" or "!!!"       -> "default"
func Identifier(s string) string {
	if s == "" {
		return DefaultIdentifier
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = truncateWithHash(out)
	}
	return out
}

func truncateWithHash(s string) string {
	sum := strconv.FormatUint(xxhash.Sum64String(s), 16)
	for len(sum) < 8 {
		sum = "0" + sum
	}
	base := strings.TrimRight(s[:MaxIdentifierLength-hashSuffixLength], "_")
	return base + "_" + sum[:8]
}
