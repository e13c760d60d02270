package risk

import (
	"regexp"
	"strings"

	"github.com/vinayprograms/agentkit/security"
)

const (
	redacted       = "[REDACTED]"
	redactedSecret = "[REDACTED:high-entropy]"

	// Strings at least this long with entropy above the threshold look like keys.
	entropyMinLen    = 20
	entropyThreshold = 4.5

	maxDisplayRunes = 200
)

var secretKey = regexp.MustCompile(`(?i)(pass(word|wd|phrase)?|secret|token|api[_-]?key|^auth$|authorization|credential|private[_-]?key|cookie)`)

// Redact returns a display-safe copy of params: secret-looking keys and
// high-entropy strings are masked, long strings truncated.
func Redact(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if secretKey.MatchString(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return redactString(val)
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = redactString(item)
		}
		return out
	default:
		return v
	}
}

func redactString(s string) string {
	if looksLikeSecret(s) {
		return redactedSecret
	}
	for _, field := range strings.Fields(s) {
		if looksLikeSecret(field) {
			s = strings.ReplaceAll(s, field, redactedSecret)
		}
	}
	r := []rune(s)
	if len(r) > maxDisplayRunes {
		return string(r[:maxDisplayRunes]) + "..."
	}
	return s
}

// looksLikeSecret flags single-token strings with key-like entropy.
func looksLikeSecret(s string) bool {
	if len(s) < entropyMinLen || strings.ContainsAny(s, " \t\n") {
		return false
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~") || strings.HasPrefix(s, "./") {
		return false
	}
	return security.ShannonEntropy([]byte(s)) > entropyThreshold
}
