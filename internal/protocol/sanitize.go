package protocol

import (
	"encoding/json"
	"regexp"
)

// Sanitisation limits. Anything beyond them is truncated before logging.
const (
	maxLoggedString = 2000
	maxLoggedItems  = 50
	maxLoggedDepth  = 5
)

var secretKey = regexp.MustCompile(`(?i)token|authorization|password|secret`)

// Sanitize returns a copy of v safe to log: secret-bearing keys are
// redacted, oversized strings/collections truncated, deep nesting cut off.
func Sanitize(v any) any {
	return sanitizeValue(v, 0)
}

// SanitizeRaw parses raw frame bytes and sanitises the result. Bytes that
// are not JSON are logged as a (truncated) string.
func SanitizeRaw(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return truncateString(string(data))
	}
	return sanitizeValue(v, 0)
}

func sanitizeValue(v any, depth int) any {
	if depth > maxLoggedDepth {
		return "[TRUNCATED:depth]"
	}
	switch val := v.(type) {
	case string:
		return truncateString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		n := 0
		for k, item := range val {
			if n >= maxLoggedItems {
				out["..."] = "[TRUNCATED:keys]"
				break
			}
			if secretKey.MatchString(k) {
				out[k] = "[REDACTED]"
			} else {
				out[k] = sanitizeValue(item, depth+1)
			}
			n++
		}
		return out
	case []any:
		items := val
		truncated := false
		if len(items) > maxLoggedItems {
			items = items[:maxLoggedItems]
			truncated = true
		}
		out := make([]any, 0, len(items)+1)
		for _, item := range items {
			out = append(out, sanitizeValue(item, depth+1))
		}
		if truncated {
			out = append(out, "[TRUNCATED:items]")
		}
		return out
	default:
		return v
	}
}

func truncateString(s string) string {
	if len(s) > maxLoggedString {
		return s[:maxLoggedString] + "...[TRUNCATED]"
	}
	return s
}
