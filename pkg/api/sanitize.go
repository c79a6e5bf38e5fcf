package api

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Bounds on sanitized request bodies captured into audit entries.
const (
	sanitizeMaxDepth   = 4
	sanitizeMaxItems   = 20
	sanitizeMaxKeys    = 50
	sanitizeMaxStrLen  = 160
)

// redactedKeyPattern matches keys whose values must never reach the audit log.
var redactedKeyPattern = regexp.MustCompile(`(?i)(password|pin|token|authorization|secret|private)`)

// redactKey reports whether a body key holds sensitive material: the usual
// secret names, the literal key "code", and any *_code suffix.
func redactKey(key string) bool {
	lower := strings.ToLower(key)
	if redactedKeyPattern.MatchString(lower) {
		return true
	}
	return lower == "code" || strings.HasSuffix(lower, "_code")
}

// SanitizeBody parses a JSON request body into a bounded, redacted value tree
// suitable for audit data. Parse failures are recorded, not raised.
func SanitizeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"parseError": "invalid_json"}
	}
	return sanitizeValue(v, 0)
}

func sanitizeValue(v any, depth int) any {
	if depth >= sanitizeMaxDepth {
		return "[TRUNCATED]"
	}
	switch t := v.(type) {
	case string:
		if len(t) > sanitizeMaxStrLen {
			return t[:sanitizeMaxStrLen]
		}
		return t
	case []any:
		n := len(t)
		if n > sanitizeMaxItems {
			n = sanitizeMaxItems
		}
		out := make([]any, 0, n)
		for _, item := range t[:n] {
			out = append(out, sanitizeValue(item, depth+1))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		count := 0
		for key, item := range t {
			if count >= sanitizeMaxKeys {
				break
			}
			count++
			if redactKey(key) {
				out[key] = "[REDACTED]"
				continue
			}
			out[key] = sanitizeValue(item, depth+1)
		}
		return out
	default:
		// null, bool, number
		return v
	}
}
