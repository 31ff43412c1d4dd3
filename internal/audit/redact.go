package audit

import (
	"regexp"
	"unicode/utf8"
)

const (
	redactedMarker = "[REDACTED]"

	// maxStringLen bounds any single string stored in an audit event.
	maxStringLen = 5000

	// maxListItems bounds any single list stored in an audit event.
	maxListItems = 50
)

// credentialPatterns match common secret shapes in tool responses before
// they reach disk.
var credentialPatterns = []*regexp.Regexp{
	// Provider API keys (sk-ant-..., sk-proj-..., bare sk-...).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`),

	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),

	// AWS access key ids.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),

	// GitHub tokens.
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
}

// passwordField matches password-like JSON fields so the value is
// redacted while the key survives for debugging.
var passwordField = regexp.MustCompile(`(?i)("(?:password|passwd|secret|token|api_key|apikey|access_key|private_key)"\s*:\s*)"[^"]*"`)

// Redact replaces credential shapes in s with a fixed marker.
func Redact(s string) string {
	out := passwordField.ReplaceAllString(s, `${1}"`+redactedMarker+`"`)
	for _, pattern := range credentialPatterns {
		out = pattern.ReplaceAllString(out, redactedMarker)
	}
	return out
}

// Sanitize bounds and redacts a tool response before storage: strings
// are redacted and truncated, lists are capped with a truncation marker,
// maps recurse. Other values pass through.
func Sanitize(v any) any {
	switch val := v.(type) {
	case string:
		out := Redact(val)
		if len(out) > maxStringLen {
			// Back up to a rune start so the cut never stores invalid UTF-8.
			cut := maxStringLen
			for cut > 0 && !utf8.RuneStart(out[cut]) {
				cut--
			}
			out = out[:cut] + "...(truncated)"
		}
		return out
	case []any:
		items := val
		truncated := false
		if len(items) > maxListItems {
			items = items[:maxListItems]
			truncated = true
		}
		out := make([]any, 0, len(items)+1)
		for _, item := range items {
			out = append(out, Sanitize(item))
		}
		if truncated {
			out = append(out, "...(truncated)")
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}
