package config

import (
	"net/url"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in logged settings.
const RedactedValue = "***REDACTED***"

var sensitiveKeyPatterns = []string{"password", "token", "secret", "apikey", "api_key", "credential"}

// IsSensitiveKey reports whether a setting name indicates a secret value.
// The match is case-insensitive.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range sensitiveKeyPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// RedactSensitive returns a copy of settings with every non-empty sensitive
// value replaced by RedactedValue. Empty values stay empty so logs still show
// what is missing.
func RedactSensitive(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if IsSensitiveKey(k) {
			if s, ok := v.(string); !ok || s != "" {
				out[k] = RedactedValue
				continue
			}
		}
		out[k] = v
	}
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		if strings.Contains(raw, "password") {
			return RedactedValue
		}
		return raw
	}
	return u.Redacted()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
