package logging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Helpers for sanitizing values before they reach the logs. Subjects and
// sender addresses are user data; in sanitized mode they are pseudonymized or
// masked rather than logged raw.

// MaskEmail masks the local part and domain labels of an address, keeping the
// first and last character of each part.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		switch {
		case len(part) <= 1:
			return "*"
		case len(part) == 2:
			return part[:1] + "*"
		default:
			return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
		}
	}
	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		labels[i] = mask(l)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

// HashHMAC returns the first n hex characters of HMAC-SHA256(s, secret).
// Without a secret a fixed placeholder is returned instead of a predictable
// unkeyed hash.
func HashHMAC(s, secret string, n int) string {
	if secret == "" {
		return "[redacted-no-secret]"
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(s))
	out := hex.EncodeToString(h.Sum(nil))
	if n > 0 && n < len(out) {
		return out[:n]
	}
	return out
}

// BoundAndClean strips control characters and bounds the length of arbitrary
// strings for safe logging. Truncation never splits a UTF-8 sequence.
func BoundAndClean(s string, max int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if max <= 0 || len(out) <= max {
		return out
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut]
}
