package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
)

// Run is one execution of the takeoff cascade for a bid and trade.
type Run struct {
	ID           uuid.UUID           `json:"id"`
	BidID        string              `json:"bid_id"`
	UserID       string              `json:"user_id"`
	Trade        constants.Trade     `json:"trade"`
	SourceDir    string              `json:"source_dir,omitempty"`
	Status       constants.RunStatus `json:"status"`
	Stage        constants.RunStage  `json:"stage,omitempty"`
	Strategy     constants.Strategy  `json:"strategy,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	Stats        RunStats            `json:"stats"`
	CreatedAt    time.Time           `json:"created_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	FinishedAt   *time.Time          `json:"finished_at,omitempty"`
}

// RunStats is the per-run accounting blob stored with the run.
type RunStats struct {
	Documents          int     `json:"documents"`
	TopScore           int     `json:"top_score"`
	TopDocument        string  `json:"top_document,omitempty"`
	Boosted            bool    `json:"boosted"`
	BoostedFiles       int     `json:"boosted_files,omitempty"`
	FastPathShape      string  `json:"fast_path_shape,omitempty"`
	FastPathConfidence float64 `json:"fast_path_confidence,omitempty"`
	AgentIterations    int     `json:"agent_iterations,omitempty"`
	AgentConfidence    float64 `json:"agent_confidence,omitempty"`
	PromptTokens       int     `json:"prompt_tokens"`
	CompletionTokens   int     `json:"completion_tokens"`
	CostUSD            float64 `json:"cost_usd"`
	LineItems          int     `json:"line_items"`
	CatalogCodes       int     `json:"catalog_codes"`
	ScannedPages       int     `json:"scanned_pages"`
	Candidates         int     `json:"candidates"`
	InstancesInserted  int     `json:"instances_inserted"`
}
