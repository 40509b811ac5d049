package llm

// Schemas are JSON-Schema (draft 2020-12 subset) maps. They are sent in the
// prompt and used locally to validate replies.

// BoostSchema validates the relevance booster's per-file tiers.
func BoostSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"classifications"},
		"properties": map[string]any{
			"classifications": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"index", "relevance", "confidence"},
					"properties": map[string]any{
						"index":      map[string]any{"type": "integer", "minimum": 0},
						"relevance":  map[string]any{"type": "string", "enum": []string{"high", "medium", "low", "none"}},
						"confidence": confidenceProp(),
						"reason":     map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// ClassifySchema validates the instance miner's per-candidate verdicts.
func ClassifySchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"results"},
		"properties": map[string]any{
			"results": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"index", "isInstance"},
					"properties": map[string]any{
						"index":          map[string]any{"type": "integer", "minimum": 0},
						"isInstance":     map[string]any{"type": "boolean"},
						"normalizedCode": map[string]any{"type": []string{"string", "null"}},
						"confidence":     map[string]any{"type": []string{"number", "null"}},
						"note":           map[string]any{"type": []string{"string", "null"}},
					},
				},
			},
		},
	}
}

// AgentTurnSchema validates one step of the agentic extraction loop.
func AgentTurnSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"action"},
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"list_documents", "get_page_text", "get_page_image", "final"},
			},
			"document_id": map[string]any{"type": "string"},
			"page":        map[string]any{"type": "integer", "minimum": 1},
			"reasoning":   map[string]any{"type": "string"},
			"confidence":  confidenceProp(),
			"entries": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"description", "confidence"},
					"properties": map[string]any{
						"code":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string", "minLength": 1},
						"quantity":    map[string]any{"type": []string{"number", "null"}, "minimum": 0},
						"unit":        map[string]any{"type": "string"},
						"confidence":  confidenceProp(),
						"document_id": map[string]any{"type": "string"},
						"page":        map[string]any{"type": "integer"},
					},
				},
			},
		},
	}
}

func confidenceProp() map[string]any {
	return map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0}
}
