package constants

// SourceKind says where an Instance was derived from.
type SourceKind string

const (
	SourceEvidence SourceKind = "evidence"
	SourceManual   SourceKind = "manual"
	SourceLLM      SourceKind = "llm"
)

// SignalType is the family of a relevance ScoreSignal.
type SignalType string

const (
	SignalFolder           SignalType = "folder"
	SignalFilename         SignalType = "filename"
	SignalAIClassification SignalType = "ai_classification"
)

// Priority buckets a document score.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Score thresholds for priority buckets.
const (
	HighPriorityScore   = 80
	MediumPriorityScore = 50
)

// PriorityFor buckets a score: high >= 80, medium >= 50, else low.
func PriorityFor(score int) Priority {
	switch {
	case score >= HighPriorityScore:
		return PriorityHigh
	case score >= MediumPriorityScore:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ItemKind identifies which table an EditRecord refers to.
type ItemKind string

const (
	ItemLineItem ItemKind = "line_item"
	ItemInstance ItemKind = "instance"
)

// EditType classifies an EditRecord.
type EditType string

const (
	EditStatusChange EditType = "status_change"
	EditFieldChange  EditType = "field_edit"
)
