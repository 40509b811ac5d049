package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CachedProvider memoizes page counts and page text so the fast path, the
// agent and the miner share one extraction per page. Entries are stamped with
// the file's size and modification time; a replaced file is extracted again.
// Failures are not cached. Forget drops a corpus once its run is done.
type CachedProvider struct {
	inner PageTextProvider
	stat  func(path string) (fileStamp, bool)

	mu    sync.Mutex
	files map[string]*cachedFile
}

type fileStamp struct {
	size    int64
	modTime int64
}

type cachedFile struct {
	stamp fileStamp
	count int // 0 until known
	pages map[int]PageText
}

func NewCachedProvider(inner PageTextProvider) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		stat:  statFile,
		files: make(map[string]*cachedFile),
	}
}

// statFile reports a missing stamp for paths that cannot be stat'ed; those
// are cached by path alone.
func statFile(path string) (fileStamp, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{size: fi.Size(), modTime: fi.ModTime().UnixNano()}, true
}

// entry returns the cache slot for path, resetting it when the file changed.
// Callers hold c.mu.
func (c *CachedProvider) entry(path string, stamp fileStamp) *cachedFile {
	f, ok := c.files[path]
	if !ok || f.stamp != stamp {
		f = &cachedFile{stamp: stamp, pages: make(map[int]PageText)}
		c.files[path] = f
	}
	return f
}

func (c *CachedProvider) PageCount(ctx context.Context, path string) (int, error) {
	stamp, _ := c.stat(path)
	c.mu.Lock()
	n := c.entry(path, stamp).count
	c.mu.Unlock()
	if n > 0 {
		return n, nil
	}
	n, err := c.inner.PageCount(ctx, path)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.entry(path, stamp).count = n
	c.mu.Unlock()
	return n, nil
}

func (c *CachedProvider) PageText(ctx context.Context, path string, page int) (PageText, error) {
	stamp, _ := c.stat(path)
	c.mu.Lock()
	pt, ok := c.entry(path, stamp).pages[page]
	c.mu.Unlock()
	if ok {
		return pt, nil
	}
	pt, err := c.inner.PageText(ctx, path, page)
	if err != nil {
		return PageText{}, err
	}
	c.mu.Lock()
	c.entry(path, stamp).pages[page] = pt
	c.mu.Unlock()
	return pt, nil
}

// Forget drops every cached file under root.
func (c *CachedProvider) Forget(root string) {
	root = filepath.Clean(root)
	prefix := root + string(filepath.Separator)
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.files {
		if path == root || strings.HasPrefix(path, prefix) {
			delete(c.files, path)
		}
	}
}

// Len reports how many files have cached pages.
func (c *CachedProvider) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}
