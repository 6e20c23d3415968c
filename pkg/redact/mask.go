// Package redact masks credential material before it reaches log output.
package redact

import (
	"strings"

	masker "github.com/goliatone/go-masker"

	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
)

var sensitiveFields = []string{
	"token", "raw_token", "bearer_token",
	"grant", "grant_token", "access_grant",
	"signing_key", "master_key", "secret",
}

func init() {
	// Register credential-ish fields so masking uses sane defaults.
	for _, field := range sensitiveFields {
		masker.Default.RegisterMaskField(field, "preserveEnds(2,2)")
	}
}

var sensitive = func() map[string]struct{} {
	set := make(map[string]struct{}, len(sensitiveFields))
	for _, field := range sensitiveFields {
		set[field] = struct{}{}
	}
	return set
}()

// Token returns a masked rendering of a bearer token or grant safe for
// logging.
func Token(value string) string {
	if value == "" {
		return ""
	}
	if masked, err := masker.Default.String("preserveEnds(2,2)", value); err == nil {
		return masked
	}
	// Fallback masking if no rule is registered.
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-2:])
}

// Fields masks any sensitive log fields in place-safe copies and passes
// the rest through unchanged.
func Fields(fields ...logger.Field) []logger.Field {
	out := make([]logger.Field, len(fields))
	for i, f := range fields {
		if _, hot := sensitive[f.Key]; hot {
			if str, ok := f.Value.(string); ok {
				out[i] = logger.Field{Key: f.Key, Value: Token(str)}
				continue
			}
			out[i] = logger.Field{Key: f.Key, Value: "[REDACTED]"}
			continue
		}
		out[i] = f
	}
	return out
}
