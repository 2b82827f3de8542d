package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sanitize removes every ASCII control character (0x00-0x1F and 0x7F).
func Sanitize(raw string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, raw)
}

// StripFences removes markdown code fence markers and a leading json
// language tag in any case, leaving the fenced body. "json" inside the body
// is kept.
func StripFences(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "```", ""))
	if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
		if rest := strings.TrimSpace(s[4:]); strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") {
			s = rest
		}
	}
	return s
}

var errNotObject = errors.New("response is not a JSON object")

// ParseResponse cleans a raw model reply and decodes it as a JSON object.
func ParseResponse(raw string) (map[string]any, error) {
	cleaned := StripFences(Sanitize(raw))

	var fields map[string]any
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	if fields == nil {
		return nil, errNotObject
	}
	return fields, nil
}
