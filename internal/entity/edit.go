package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
)

// EditRecord is an append-only audit entry written with every review mutation.
type EditRecord struct {
	ID        uuid.UUID          `json:"id"`
	ItemID    uuid.UUID          `json:"item_id"`
	ItemKind  constants.ItemKind `json:"item_kind"`
	EditType  constants.EditType `json:"edit_type"`
	Field     string             `json:"field"`
	Before    json.RawMessage    `json:"before"`
	After     json.RawMessage    `json:"after"`
	EditedBy  string             `json:"edited_by"`
	CreatedAt time.Time          `json:"created_at"`
}
