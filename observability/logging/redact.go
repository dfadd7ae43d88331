package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

var secretKeys = []string{"secret", "token", "password", "key", "authorization"}

// IsSecret reports whether a log key names a credential.
func IsSecret(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, s := range secretKeys {
		if strings.Contains(normalized, s) {
			return true
		}
	}
	return false
}

// MaskField returns an attribute that hides value when key names a secret.
// Empty values are left as-is so missing configuration stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSecret(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
