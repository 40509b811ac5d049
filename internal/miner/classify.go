package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
)

type catalogCode struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

type candidateView struct {
	Index    int    `json:"index"`
	Code     string `json:"code"`
	Filename string `json:"filename"`
	Page     int    `json:"page"`
	Text     string `json:"text"`
}

type classifyPayload struct {
	ItemNoun     string          `json:"item_noun"`
	Codes        []catalogCode   `json:"codes"`
	Candidates   []candidateView `json:"candidates"`
	OutputSchema map[string]any  `json:"output_schema"`
}

type classifyReply struct {
	Results []entity.ClassifiedCandidate `json:"results"`
}

// classify sends the whole batch in one call. The reply must hold exactly one
// verdict per candidate index; anything else is a malformed response.
func (m *Miner) classify(ctx context.Context, req MineRequest, batch []entity.Candidate, byCode map[string]entity.TypeCatalogEntry, res *MineResult) (map[int]entity.ClassifiedCandidate, error) {
	if m.llm == nil {
		return nil, common.NewAppError("LLM_UNAVAILABLE", "no completion service configured", common.ErrConfig)
	}
	start := time.Now()
	noun := req.ItemNoun
	if noun == "" {
		noun = "item"
	}

	payload := classifyPayload{
		ItemNoun:     noun,
		Candidates:   make([]candidateView, len(batch)),
		OutputSchema: llm.ClassifySchema(),
	}
	for _, code := range sortedKeys(byCode) {
		payload.Codes = append(payload.Codes, catalogCode{Code: code, Description: byCode[code].Description})
	}
	for i, c := range batch {
		payload.Candidates[i] = candidateView{Index: c.Index, Code: c.Code, Filename: c.Filename, Page: c.PageNumber, Text: c.Context}
	}

	comp, err := m.llm.Complete(ctx, llm.Request{
		Op:          "miner.classify",
		System:      classifySystemPrompt(noun),
		Payload:     payload,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("classify candidates: %w", err)
	}
	res.Usage.Add(comp.Usage)
	res.CostUSD += m.pricing.Cost(comp.Usage)

	var reply classifyReply
	if err := llm.DecodeValidated(comp.Text, llm.ClassifySchema(), &reply); err != nil {
		return nil, fmt.Errorf("classify candidates: %w", err)
	}

	want := make(map[int]bool, len(batch))
	for _, c := range batch {
		want[c.Index] = true
	}
	verdicts := make(map[int]entity.ClassifiedCandidate, len(reply.Results))
	for _, v := range reply.Results {
		if !want[v.Index] {
			return nil, fmt.Errorf("%w: verdict for unknown candidate index %d", common.ErrMalformedResponse, v.Index)
		}
		if _, dup := verdicts[v.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate verdict for candidate index %d", common.ErrMalformedResponse, v.Index)
		}
		v.Confidence = entity.ClampConfidence(v.Confidence)
		verdicts[v.Index] = v
	}
	if len(verdicts) != len(batch) {
		return nil, fmt.Errorf("%w: %d verdicts for %d candidates", common.ErrMalformedResponse, len(verdicts), len(batch))
	}

	m.logger.Info("miner.classify.done",
		"run_id", req.RunID,
		"candidates", len(batch),
		"prompt_tokens", comp.Usage.PromptTokens,
		"completion_tokens", comp.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return verdicts, nil
}

func classifySystemPrompt(noun string) string {
	return "You review text snippets from construction drawings. Each candidate is a literal occurrence of a " + noun +
		" type code on a drawing page.\n" +
		"Decide for every candidate whether it marks a genuine physical " + noun + " placement (a tag on a plan or elevation) " +
		"or a false positive: a schedule or legend row, a general note, a cross-sheet reference, a detail callout or part of another word.\n" +
		"Return one result per candidate index with isInstance, normalizedCode (one of the listed codes, or null), " +
		"confidence between 0 and 1 and a short note. Reply with a single JSON object matching output_schema. No prose."
}
