package llm

import "context"

// Message is one prior turn in a multi-step conversation.
type Message struct {
	Role         string `json:"role"` // "user" | "assistant"
	Content      string `json:"content"`
	ImageDataURL string `json:"-"` // optional page image attached to a user turn
}

// Request is a single completion call: a system prompt, a JSON-serializable
// payload sent as the final user message, and a sampling temperature.
type Request struct {
	Op          string // log label, e.g. "miner.classify"
	System      string
	Payload     any
	History     []Message
	Temperature float32
}

// Usage counts tokens reported by the completion service.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
}

// Total is prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Completion is the text the model returned along with accounting.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Completer is the hosted completion service every cascade step talks to.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Pricing converts token counts to dollars.
type Pricing struct {
	PromptPer1K float64
	OutputPer1K float64
}

// Cost returns the dollar cost of u.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K + float64(u.CompletionTokens)/1000*p.OutputPer1K
}
