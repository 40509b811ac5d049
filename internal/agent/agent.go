// Package agent runs the model-driven extraction used when the fast path
// cannot produce a trustworthy item list. The model drives a bounded
// tool-use loop over the ranked documents and finishes with a structured
// entry list.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
)

const (
	DefaultMaxIterations   = 12
	DefaultMaxDuration     = 10 * time.Minute
	DefaultReviewThreshold = 0.70
	maxPageChars           = 12000
	maxListedDocuments     = 200
)

// ErrIterationsExhausted means the model never produced a final answer
// within the iteration ceiling.
var ErrIterationsExhausted = errors.New("agent: iteration ceiling reached without a final answer")

// Actions the model may request.
const (
	ActionListDocuments = "list_documents"
	ActionGetPageText   = "get_page_text"
	ActionGetPageImage  = "get_page_image"
	ActionFinal         = "final"
)

// Request is one extraction over a run's ranked documents.
type Request struct {
	RunID     string
	Profile   scoring.TradeProfile
	Documents []entity.DocumentScore
}

// Entry is one item the model reported.
type Entry struct {
	Code        string   `json:"code,omitempty"`
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Confidence  float64  `json:"confidence"`
	DocumentID  string   `json:"document_id,omitempty"`
	Page        int      `json:"page,omitempty"`
	NeedsReview bool     `json:"needs_review"`
}

// Result is the final entry list with accounting. Entries below the review
// threshold are kept and flagged, never dropped.
type Result struct {
	Entries    []Entry   `json:"entries"`
	Confidence float64   `json:"confidence"`
	Iterations int       `json:"iterations"`
	Usage      llm.Usage `json:"usage"`
	CostUSD    float64   `json:"cost_usd"`
	Model      string    `json:"model"`
}

// Agent owns the loop ceilings. Callers never re-check them.
type Agent struct {
	llm             llm.Completer
	pages           extract.PageTextProvider
	renderer        extract.PageRenderer
	pricing         llm.Pricing
	maxIterations   int
	maxDuration     time.Duration
	reviewThreshold float64
	logger          *slog.Logger
}

type Option func(*Agent)

func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

func WithMaxDuration(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.maxDuration = d
		}
	}
}

func WithReviewThreshold(t float64) Option {
	return func(a *Agent) { a.reviewThreshold = t }
}

func WithRenderer(r extract.PageRenderer) Option {
	return func(a *Agent) { a.renderer = r }
}

func WithPricing(p llm.Pricing) Option {
	return func(a *Agent) { a.pricing = p }
}

func New(c llm.Completer, pages extract.PageTextProvider, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		llm:             c,
		pages:           pages,
		maxIterations:   DefaultMaxIterations,
		maxDuration:     DefaultMaxDuration,
		reviewThreshold: DefaultReviewThreshold,
		logger:          logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type turn struct {
	Action     string      `json:"action"`
	DocumentID string      `json:"document_id"`
	Page       int         `json:"page"`
	Reasoning  string      `json:"reasoning"`
	Confidence *float64    `json:"confidence"`
	Entries    []turnEntry `json:"entries"`
}

type turnEntry struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity"`
	Unit        string   `json:"unit"`
	Confidence  float64  `json:"confidence"`
	DocumentID  string   `json:"document_id"`
	Page        int      `json:"page"`
}

// Extract runs the loop until the model answers final, the iteration ceiling
// is hit or the wall-clock budget expires. Accounting is returned with errors.
func (a *Agent) Extract(ctx context.Context, req Request) (Result, error) {
	if a.llm == nil {
		return Result{}, common.NewAppError("LLM_UNAVAILABLE", "no completion service configured", common.ErrConfig)
	}
	ctx, cancel := context.WithTimeout(ctx, a.maxDuration)
	defer cancel()
	start := time.Now()

	tools := newToolbox(a.pages, a.renderer, req.Documents)
	var res Result
	var history []llm.Message
	var payload any = a.brief(req, tools)

	for iter := 1; iter <= a.maxIterations; iter++ {
		res.Iterations = iter
		comp, err := a.llm.Complete(ctx, llm.Request{
			Op:          "agent.turn",
			System:      systemPrompt(req.Profile),
			Payload:     payload,
			History:     history,
			Temperature: 0,
		})
		if err != nil {
			return res, a.fail(req, res, start, fmt.Errorf("agent turn %d: %w", iter, err))
		}
		res.Usage.Add(comp.Usage)
		res.CostUSD += a.pricing.Cost(comp.Usage)
		res.Model = comp.Model

		var t turn
		if err := llm.DecodeValidated(comp.Text, llm.AgentTurnSchema(), &t); err != nil {
			return res, a.fail(req, res, start, fmt.Errorf("agent turn %d: %w", iter, err))
		}
		a.logger.Debug("agent.turn", "run_id", req.RunID, "iteration", iter, "action", t.Action, "reasoning", t.Reasoning)

		if t.Action == ActionFinal {
			a.finish(&res, t)
			a.logger.Info("agent.done",
				"run_id", req.RunID,
				"iterations", res.Iterations,
				"entries", len(res.Entries),
				"confidence", res.Confidence,
				"prompt_tokens", res.Usage.PromptTokens,
				"completion_tokens", res.Usage.CompletionTokens,
				"cost_usd", res.CostUSD,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return res, nil
		}

		out, image := tools.run(ctx, t)
		if ctx.Err() != nil {
			return res, a.fail(req, res, start, fmt.Errorf("agent tool %s: %w", t.Action, ctx.Err()))
		}
		out["iteration"] = iter
		out["remaining_iterations"] = a.maxIterations - iter
		if a.maxIterations-iter == 1 {
			out["instruction"] = "This is your last turn. Respond with action final."
		}

		history = append(history, userMessage(payload), llm.Message{Role: "assistant", Content: comp.Text})
		if image != "" {
			history = append(history, llm.Message{
				Role:         "user",
				Content:      fmt.Sprintf("Rendered page %d of document %s.", t.Page, t.DocumentID),
				ImageDataURL: image,
			})
		}
		payload = out
	}
	return res, a.fail(req, res, start, ErrIterationsExhausted)
}

func (a *Agent) finish(res *Result, t turn) {
	sum := 0.0
	for _, e := range t.Entries {
		conf := clamp(e.Confidence)
		code := entity.NormalizeCode(e.Code)
		if !entity.ValidCode(code) {
			code = ""
		}
		res.Entries = append(res.Entries, Entry{
			Code:        code,
			Description: e.Description,
			Quantity:    e.Quantity,
			Unit:        e.Unit,
			Confidence:  conf,
			DocumentID:  e.DocumentID,
			Page:        e.Page,
			NeedsReview: conf < a.reviewThreshold,
		})
		sum += conf
	}
	switch {
	case t.Confidence != nil:
		res.Confidence = clamp(*t.Confidence)
	case len(t.Entries) > 0:
		res.Confidence = sum / float64(len(t.Entries))
	}
}

func (a *Agent) fail(req Request, res Result, start time.Time, err error) error {
	a.logger.Error("agent.failed",
		"run_id", req.RunID,
		"iterations", res.Iterations,
		"prompt_tokens", res.Usage.PromptTokens,
		"completion_tokens", res.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	return err
}

func (a *Agent) brief(req Request, tools *toolbox) map[string]any {
	return map[string]any{
		"task":           "Extract the " + req.Profile.Name + " item list (type code, description, quantity) for this bid.",
		"trade":          string(req.Profile.Trade),
		"item_noun":      req.Profile.ItemNoun,
		"documents":      tools.listing(),
		"max_iterations": a.maxIterations,
		"output_schema":  llm.AgentTurnSchema(),
	}
}

func userMessage(payload any) llm.Message {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte("{}")
	}
	return llm.Message{Role: "user", Content: string(b)}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func systemPrompt(prof scoring.TradeProfile) string {
	return "You are a construction estimator preparing a " + prof.Name + " takeoff (CSI " + string(prof.Trade) + ").\n" +
		"You can inspect the bid documents one step at a time. Each reply is one JSON object matching output_schema with an action:\n" +
		"- list_documents: list the ranked documents again\n" +
		"- get_page_text: document_id and page, returns the page text\n" +
		"- get_page_image: document_id and page, attaches a rendered image of the page\n" +
		"- final: entries with code, description, quantity, unit and a per-entry confidence between 0 and 1, plus an overall confidence.\n" +
		"Prefer schedules and legends; count " + prof.ItemNoun + " tags on plans only when no schedule gives quantities. " +
		"Report what you found even when unsure and lower the confidence instead of omitting entries."
}
