package entity

import (
	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
)

// DocumentInfo describes one PDF in a bid's corpus. It lives only for the
// duration of a run and is never persisted on its own.
type DocumentInfo struct {
	ID        uuid.UUID `json:"id"`
	Path      string    `json:"path"`
	RelPath   string    `json:"rel_path"`
	Filename  string    `json:"filename"`
	Folder    string    `json:"folder"`
	SizeBytes int64     `json:"size_bytes"`
	PageCount int       `json:"page_count,omitempty"`
}

var documentNamespace = uuid.MustParse("4f0c7a8e-2b1d-5c6e-9a3f-1d2e3c4b5a69")

// DocumentID derives a stable document id from its corpus-relative path.
func DocumentID(relPath string) uuid.UUID {
	return uuid.NewSHA1(documentNamespace, []byte(relPath))
}

// ScoreSignal is one piece of evidence that a document is relevant.
type ScoreSignal struct {
	Type    constants.SignalType `json:"type"`
	Pattern string               `json:"pattern"`
	Points  int                  `json:"points"`
	Reason  string               `json:"reason"`
}

// DocumentScore is a document with its relevance score in [0,100].
// Score is the maximum of the signal points, or the baseline when no signal fired.
type DocumentScore struct {
	Document DocumentInfo       `json:"document"`
	Score    int                `json:"score"`
	Priority constants.Priority `json:"priority"`
	Signals  []ScoreSignal      `json:"signals"`
}

// HasSignal reports whether a signal of the given type contributed.
func (d DocumentScore) HasSignal(t constants.SignalType) bool {
	for _, s := range d.Signals {
		if s.Type == t {
			return true
		}
	}
	return false
}
