// Package corpus stages a bid's PDF set on local disk for the length of a run.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

// LockFile is created at the corpus root while a run holds it.
const LockFile = ".takeoff.lock"

// ErrLocked means another run is already reading the corpus.
var ErrLocked = errors.New("corpus is locked by another run")

// Provider returns a local, read-only view of a run's documents.
type Provider interface {
	Stage(ctx context.Context, run entity.Run) (*Corpus, error)
}

// Stats summarises what the corpus holds.
type Stats struct {
	Files     int   `json:"files"`
	PDFs      int   `json:"pdfs"`
	Bytes     int64 `json:"bytes"`
	Unreadable int   `json:"unreadable"`
}

// Corpus is a staged document directory. Release must be called when done.
type Corpus struct {
	Root  string
	Stats Stats
	lock  *flock.Flock
}

// Release drops the corpus lock. Safe to call more than once.
func (c *Corpus) Release() error {
	if c == nil || c.lock == nil {
		return nil
	}
	err := c.lock.Unlock()
	c.lock = nil
	return err
}

// FSProvider resolves runs to directories under a base dir: the run's
// SourceDir when set, else <base>/<bidID>.
type FSProvider struct {
	base   string
	logger *slog.Logger
}

func NewFSProvider(base string, logger *slog.Logger) *FSProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSProvider{base: base, logger: logger}
}

// Resolve returns the directory a run reads from without staging it.
func (p *FSProvider) Resolve(run entity.Run) (string, error) {
	if dir := strings.TrimSpace(run.SourceDir); dir != "" {
		return filepath.Abs(dir)
	}
	bid := strings.TrimSpace(run.BidID)
	if !validBid(bid) {
		return "", common.NewAppError("INVALID_BID", fmt.Sprintf("bid id %q cannot name a directory", run.BidID), common.ErrInput)
	}
	return filepath.Abs(filepath.Join(p.base, bid))
}

func (p *FSProvider) Stage(ctx context.Context, run entity.Run) (*Corpus, error) {
	root, err := p.Resolve(run)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, common.NewAppError("CORPUS_MISSING", fmt.Sprintf("corpus %s is not a directory", root), common.ErrInput)
	}

	lock := flock.New(filepath.Join(root, LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire corpus lock: %w", err)
	}
	if !ok {
		p.logger.Warn("corpus.stage.locked", "run_id", run.ID, "root", root)
		return nil, fmt.Errorf("%s: %w", root, ErrLocked)
	}

	stats, err := survey(ctx, root)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	p.logger.Info("corpus.stage.ok", "run_id", run.ID, "root", root, "pdfs", stats.PDFs, "bytes", stats.Bytes)
	return &Corpus{Root: root, Stats: stats, lock: lock}, nil
}

func survey(ctx context.Context, root string) (Stats, error) {
	var st Stats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			st.Unreadable++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		st.Files++
		if !constants.IsAllowedExt(filepath.Ext(path)) {
			return nil
		}
		st.PDFs++
		if info, err := d.Info(); err == nil {
			st.Bytes += info.Size()
		}
		return nil
	})
	return st, err
}

// validBid reports whether bid names exactly one directory level.
func validBid(bid string) bool {
	return bid != "" && bid == filepath.Base(bid) && bid != "." && bid != ".." && !strings.HasPrefix(bid, ".")
}
