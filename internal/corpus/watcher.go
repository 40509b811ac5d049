package corpus

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
)

// WatchConfig controls WatchBids.
type WatchConfig struct {
	Base string
	// Debounce is how long a bid directory must stay quiet before it is reported.
	Debounce time.Duration
	// InitialScan reports every existing bid directory that holds a PDF.
	InitialScan bool
}

// WatchBids watches the corpus base directory recursively and emits a bid id
// once PDFs under <base>/<bid> stop changing for the debounce window. Both
// channels close when ctx is done.
func WatchBids(ctx context.Context, cfg WatchConfig, logger *slog.Logger) (<-chan string, <-chan error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Base) == "" {
		return nil, nil, errors.New("watch base directory required")
	}
	base := filepath.Clean(strings.TrimSpace(cfg.Base))
	if cfg.Debounce <= 0 {
		cfg.Debounce = 5 * time.Second
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("corpus.watch.create_failed", "error", err)
		return nil, nil, err
	}

	initial := map[string]struct{}{}
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != base && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		if cfg.InitialScan && constants.IsAllowedExt(filepath.Ext(path)) {
			if bid := bidOf(base, path); bid != "" {
				initial[bid] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("corpus.watch.add_failed", "base", base, "error", err)
		_ = w.Close()
		return nil, nil, err
	}

	bidCh := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(bidCh)
		defer close(errCh)
		defer func() { _ = w.Close() }()

		pending := make(map[string]struct{}, len(initial))
		for bid := range initial {
			pending[bid] = struct{}{}
		}
		timer := time.NewTimer(cfg.Debounce)
		if len(pending) == 0 {
			timer.Stop()
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() && !strings.HasPrefix(fi.Name(), ".") {
						if err := w.Add(e.Name); err != nil {
							logger.Warn("corpus.watch.add_dir_failed", "path", e.Name, "error", err)
						}
					}
				}
				if !constants.IsAllowedExt(filepath.Ext(e.Name)) || e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				bid := bidOf(base, e.Name)
				if bid == "" {
					continue
				}
				pending[bid] = struct{}{}
				timer.Reset(cfg.Debounce)
			case <-timer.C:
				for bid := range pending {
					select {
					case bidCh <- bid:
					case <-ctx.Done():
						return
					}
					delete(pending, bid)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("corpus.watch.error", "error", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	logger.Info("corpus.watch.started", "base", base, "debounce_ms", cfg.Debounce.Milliseconds(), "initial", len(initial))
	return bidCh, errCh, nil
}

// bidOf returns the first path element below base, or "" for files directly in base.
func bidOf(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) < 2 || !validBid(parts[0]) {
		return ""
	}
	return parts[0]
}
