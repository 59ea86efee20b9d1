package toolexecutor

import (
	"encoding/json"
	"strings"
)

// DecodeArguments parses the raw argument text a model attached to a
// tool call. Models wrap JSON in markdown fences or surrounding prose
// often enough that both are tolerated; a hard parse failure yields an
// empty argument map rather than aborting the turn.
func DecodeArguments(raw string) map[string]interface{} {
	text := strings.TrimSpace(raw)
	if text == "" {
		return map[string]interface{}{}
	}

	text = stripCodeFences(text)

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(text), &params); err == nil {
		return params
	}

	// Fall back to the outermost {...} span for prose-wrapped JSON
	if span := outermostObject(text); span != "" {
		if err := json.Unmarshal([]byte(span), &params); err == nil {
			return params
		}
	}

	return map[string]interface{}{}
}

func stripCodeFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	// Drop a language tag like "json" on the opening fence
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(text[:idx])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{}") {
			text = text[idx+1:]
		}
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	return strings.TrimSpace(text)
}

func outermostObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
