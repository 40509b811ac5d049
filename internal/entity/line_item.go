package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
)

// LineItem is one reviewable row of the deliverable quantity list.
type LineItem struct {
	ID              uuid.UUID              `json:"id"`
	RunID           uuid.UUID              `json:"run_id"`
	BidID           string                 `json:"bid_id"`
	UserID          string                 `json:"user_id"`
	DocumentID      *uuid.UUID             `json:"document_id,omitempty"`
	Category        string                 `json:"category"`
	Code            string                 `json:"code,omitempty"`
	Description     string                 `json:"description"`
	Quantity        float64                `json:"quantity"`
	Unit            string                 `json:"unit"`
	Notes           string                 `json:"notes,omitempty"`
	Confidence      *float64               `json:"confidence,omitempty"`
	ExtractionModel string                 `json:"extraction_model"`
	ReviewStatus    constants.ReviewStatus `json:"review_status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// LineItemPatch carries the editable fields of a LineItem; nil means unchanged.
type LineItemPatch struct {
	Description *string  `json:"description,omitempty"`
	Quantity    *float64 `json:"quantity,omitempty"`
	Unit        *string  `json:"unit,omitempty"`
	Notes       *string  `json:"notes,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p LineItemPatch) Empty() bool {
	return p.Description == nil && p.Quantity == nil && p.Unit == nil && p.Notes == nil
}
