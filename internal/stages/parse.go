package stages

import (
	"encoding/json"
	"strings"
)

// stripFences removes markdown code fences (```json ... ```) that models wrap
// around structured output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// parseStringArray parses a JSON array of strings from model output, fence
// and whitespace tolerant. Returns nil when the output is not an array.
func parseStringArray(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return nil
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}
