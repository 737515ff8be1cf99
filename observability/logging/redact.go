package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive attribute values.
const RedactedValue = "[REDACTED]"

// plainKeys are attribute keys whose values are never secret.
var plainKeys = map[string]bool{
	"auction":   true,
	"method":    true,
	"operation": true,
	"outcome":   true,
	"requestid": true,
}

// MaskField builds an attribute whose value is replaced by RedactedValue
// unless key is known to be safe. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if value == "" || plainKeys[strings.ToLower(key)] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
