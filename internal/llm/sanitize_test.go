package llm

import (
	"errors"
	"testing"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
)

func TestDecodeValidatedAcceptsCodeFence(t *testing.T) {
	content := "```json\n{\"results\":[{\"index\":0,\"isInstance\":true,\"normalizedCode\":\"D7\",\"confidence\":0.9}]}\n```"
	var out struct {
		Results []struct {
			Index      int  `json:"index"`
			IsInstance bool `json:"isInstance"`
		} `json:"results"`
	}
	if err := DecodeValidated(content, ClassifySchema(), &out); err != nil {
		t.Fatalf("DecodeValidated: %v", err)
	}
	if len(out.Results) != 1 || !out.Results[0].IsInstance {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestDecodeValidatedRejects(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"prose", "I could not find any signs in these pages."},
		{"schema mismatch", `{"results":[{"index":"zero","isInstance":"yes"}]}`},
		{"missing field", `{"verdicts":[]}`},
		{"truncated", `{"results":[{"index":0,`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out map[string]any
			err := DecodeValidated(tc.content, ClassifySchema(), &out)
			if !errors.Is(err, common.ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestExtractJSONFindsObjectInProse(t *testing.T) {
	got, err := ExtractJSON("Here you go: {\"action\":\"final\"} thanks")
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != `{"action":"final"}` {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestPricingCost(t *testing.T) {
	p := Pricing{PromptPer1K: 0.5, OutputPer1K: 1.5}
	got := p.Cost(Usage{PromptTokens: 2000, CompletionTokens: 1000})
	if got != 2.5 {
		t.Fatalf("Cost = %v, want 2.5", got)
	}
}
