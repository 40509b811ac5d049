package entity

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
)

// Candidate is a raw regex hit on a page, before classification.
type Candidate struct {
	Index       int       `json:"index"`
	DocumentID  uuid.UUID `json:"document_id"`
	Filename    string    `json:"filename"`
	PageNumber  int       `json:"page_number"`
	Code        string    `json:"code"`
	MatchedText string    `json:"matched_text"`
	Context     string    `json:"context"`
	Offset      int       `json:"offset"`
	UsedOCR     bool      `json:"used_ocr"`
}

// ClassifiedCandidate is the model's verdict for one candidate index.
type ClassifiedCandidate struct {
	Index          int      `json:"index"`
	IsInstance     bool     `json:"isInstance"`
	NormalizedCode string   `json:"normalizedCode,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Note           string   `json:"note,omitempty"`
}

// InstanceMeta is stored as JSON alongside an Instance.
type InstanceMeta struct {
	NormalizedCode string `json:"normalized_code"`
	MatchedText    string `json:"matched_text,omitempty"`
	Filename       string `json:"filename,omitempty"`
	PageNumber     int    `json:"page_number"`
	Note           string `json:"note,omitempty"`
	UsedOCR        bool   `json:"used_ocr,omitempty"`
}

// Instance is one physical occurrence of a catalog type in the drawings.
type Instance struct {
	ID         uuid.UUID                `json:"id"`
	RunID      uuid.UUID                `json:"run_id"`
	BidID      string                   `json:"bid_id"`
	UserID     string                   `json:"user_id"`
	TypeItemID *uuid.UUID               `json:"type_item_id,omitempty"`
	SourceKind constants.SourceKind     `json:"source_kind"`
	Status     constants.InstanceStatus `json:"status"`
	Confidence *float64                 `json:"confidence,omitempty"`
	Meta       InstanceMeta             `json:"meta"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// EvidenceLink ties an Instance to the page text that supports it.
type EvidenceLink struct {
	InstanceID   uuid.UUID `json:"instance_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	PageNumber   int       `json:"page_number"`
	EvidenceText string    `json:"evidence_text"`
	Weight       float64   `json:"weight"`
	CreatedAt    time.Time `json:"created_at"`
}

var instanceNamespace = uuid.MustParse("6b2e9d40-3c1a-5f7e-8d9b-0a1b2c3d4e5f")

// InstanceKeyContextLen is how much of the context participates in the id.
const InstanceKeyContextLen = 80

// InstanceID is a pure function of (run, document, page, code, first 80 chars of context).
// Re-mining the same inputs yields the same id, so inserts can be insert-or-ignore.
// Hits whose contexts agree on the first 80 chars, such as repeats of a code
// near the top of a page, collapse into one id.
func InstanceID(runID, documentID uuid.UUID, pageNumber int, normalizedCode, context string) uuid.UUID {
	if r := []rune(context); len(r) > InstanceKeyContextLen {
		context = string(r[:InstanceKeyContextLen])
	}
	var b strings.Builder
	b.WriteString(runID.String())
	b.WriteByte('|')
	b.WriteString(documentID.String())
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(pageNumber))
	b.WriteByte('|')
	b.WriteString(normalizedCode)
	b.WriteByte('|')
	b.WriteString(context)
	return uuid.NewSHA1(instanceNamespace, []byte(b.String()))
}

// ClampConfidence keeps a non-nil confidence inside [0,1].
func ClampConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}
