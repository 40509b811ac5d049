package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
)

// DecodeValidated extracts the JSON object from a model reply, validates it
// against schema and unmarshals it into target. Every failure wraps
// common.ErrMalformedResponse.
func DecodeValidated(content string, schema map[string]any, target any) error {
	payload, err := ExtractJSON(content)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}
	if schema != nil {
		if err := ValidateJSONAgainstSchema(schema, []byte(payload)); err != nil {
			return fmt.Errorf("%w: %v (payload snippet: %s)", common.ErrMalformedResponse, err, SummarizeSnippet(payload))
		}
	}
	if err := json.Unmarshal([]byte(payload), target); err != nil {
		return fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}
	return nil
}

// ExtractJSON returns the JSON document in content, tolerating code fences
// and prose around a single object or array.
func ExtractJSON(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", errors.New("empty payload")
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	sanitized := sanitizeJSONPayload(trimmed)
	if sanitized == "" || !json.Valid([]byte(sanitized)) {
		return "", fmt.Errorf("no JSON document found (payload snippet: %s)", SummarizeSnippet(trimmed))
	}
	return sanitized, nil
}

func sanitizeJSONPayload(content string) string {
	trimmed := strings.TrimSpace(stripCodeFenceBlock(content))
	if trimmed == "" {
		return ""
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return strings.TrimSpace(trimmed[start : end+1])
		}
	}
	if start := strings.Index(trimmed, "["); start >= 0 {
		if end := strings.LastIndex(trimmed, "]"); end > start {
			return strings.TrimSpace(trimmed[start : end+1])
		}
	}
	return trimmed
}

func stripCodeFenceBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimLeft(trimmed[3:], " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = strings.TrimLeft(body[4:], " \t\r\n")
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// SummarizeSnippet collapses whitespace and caps content for log lines.
func SummarizeSnippet(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "<empty>"
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	const limit = 160
	if runes := []rune(clean); len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	return clean
}
