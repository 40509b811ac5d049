package scoring

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

// BaselineScore is assigned when no signal fires.
const BaselineScore = 10

// Scorer ranks the PDFs of a corpus by folder and filename signals.
type Scorer struct {
	logger *slog.Logger
}

func NewScorer(logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{logger: logger}
}

// Score walks root recursively and returns every PDF sorted by descending score.
// Unreadable subdirectories are skipped with a warning; an unreadable root is an error.
func (s *Scorer) Score(ctx context.Context, root string, trade constants.Trade) ([]entity.DocumentScore, error) {
	prof, err := Profile(trade)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve root %q: %v", common.ErrInput, root, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: stat root %q: %v", common.ErrInput, root, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: root %q is not a directory", common.ErrInput, root)
	}

	var out []entity.DocumentScore
	skipped := 0
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			if path == abs {
				return walkErr
			}
			skipped++
			s.logger.Warn("scorer.walk.skip", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != abs && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !constants.IsAllowedExt(filepath.Ext(d.Name())) {
			return nil
		}

		doc := describe(abs, path, d)
		out = append(out, scoreDocument(doc, prof))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	SortScores(out)
	top := 0
	if len(out) > 0 {
		top = out[0].Score
	}
	s.logger.Info("scorer.done",
		"root", root,
		"trade", string(trade),
		"documents", len(out),
		"skipped", skipped,
		"top_score", top,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func describe(root, path string, d fs.DirEntry) entity.DocumentInfo {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = d.Name()
	}
	rel = filepath.ToSlash(rel)
	folder := filepath.ToSlash(filepath.Dir(rel))
	if folder == "." {
		folder = ""
	}
	var size int64
	if info, err := d.Info(); err == nil {
		size = info.Size()
	}
	return entity.DocumentInfo{
		ID:        entity.DocumentID(rel),
		Path:      path,
		RelPath:   rel,
		Filename:  d.Name(),
		Folder:    folder,
		SizeBytes: size,
	}
}

// scoreDocument applies both signal families. The score is the largest
// signal's points, never their sum.
func scoreDocument(doc entity.DocumentInfo, prof TradeProfile) entity.DocumentScore {
	var signals []entity.ScoreSignal
	if doc.Folder != "" {
		for _, pat := range prof.FolderPatterns {
			if pat.Re.MatchString(doc.Folder) {
				signals = append(signals, entity.ScoreSignal{
					Type:    constants.SignalFolder,
					Pattern: pat.Re.String(),
					Points:  pat.Points,
					Reason:  pat.Reason,
				})
			}
		}
	}
	stem := strings.TrimSuffix(doc.Filename, filepath.Ext(doc.Filename))
	for _, pat := range prof.FilenamePatterns {
		if pat.Re.MatchString(stem) {
			signals = append(signals, entity.ScoreSignal{
				Type:    constants.SignalFilename,
				Pattern: pat.Re.String(),
				Points:  pat.Points,
				Reason:  pat.Reason,
			})
		}
	}
	score := maxPoints(signals)
	return entity.DocumentScore{
		Document: doc,
		Score:    score,
		Priority: constants.PriorityFor(score),
		Signals:  signals,
	}
}

func maxPoints(signals []entity.ScoreSignal) int {
	if len(signals) == 0 {
		return BaselineScore
	}
	best := 0
	for _, s := range signals {
		if s.Points > best {
			best = s.Points
		}
	}
	if best > 100 {
		best = 100
	}
	return best
}

// SortScores orders by descending score, then by path for stable output.
func SortScores(scores []entity.DocumentScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Document.RelPath < scores[j].Document.RelPath
	})
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
