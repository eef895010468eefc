package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys lists log keys whose values are key or signature material
// and must never reach log storage verbatim.
var sensitiveKeys = map[string]struct{}{
	"sig":       {},
	"signature": {},
	"wif":       {},
	"privkey":   {},
	"rawtx":     {},
	"token":     {},
}

// IsSensitive reports whether the key carries material that must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts the value when the key is
// sensitive. Empty values pass through unchanged to avoid log noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
