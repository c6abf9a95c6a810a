// Package assets mirrors user-selected directories as trees of image and
// video files.
package assets

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/portal-engine/pkg/graceful"
)

const crawlConcurrency = 8

var (
	imageExtensions = map[string]struct{}{"png": {}, "jpg": {}, "jpeg": {}}
	videoExtensions = map[string]struct{}{"mp4": {}, "mov": {}, "wmv": {}, "mkv": {}}
)

func extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

// IsImage reports whether name has an allow-listed image extension.
func IsImage(name string) bool {
	_, ok := imageExtensions[extension(name)]
	return ok
}

// IsVideo reports whether name has an allow-listed video extension.
func IsVideo(name string) bool {
	_, ok := videoExtensions[extension(name)]
	return ok
}

// IsAllowed reports whether name is an image or a video.
func IsAllowed(name string) bool {
	return IsImage(name) || IsVideo(name)
}

type File struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type Folder struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Files       []File    `json:"files"`
	Folders     []*Folder `json:"folders"`
	LastUpdated time.Time `json:"last_updated"`
}

// Node is the client view of a folder.
type Node struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Images  []string `json:"images"`
	Folders []Node   `json:"folders"`
}

// Tracker holds the tracked root folders.
type Tracker struct {
	mu    sync.RWMutex
	roots []*Folder
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// within reports whether p is root or lies below it.
func within(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

func checkDir(p string) error {
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return graceful.Newf(graceful.InvalidFileType, "%s is not a directory", p)
	case err != nil:
		return graceful.WrapErr(graceful.InvalidFilePath, "", err)
	case !info.IsDir():
		return graceful.Newf(graceful.InvalidFileType, "%s is not a directory", p)
	}
	return nil
}

// Add tracks p. When an ancestor of p is already tracked the matching part
// of that tree is refreshed instead.
func (t *Tracker) Add(ctx context.Context, p string) error {
	p = filepath.Clean(p)
	if err := checkDir(p); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, root := range t.roots {
		if within(p, root.Path) {
			return t.refresh(ctx, root, p)
		}
	}
	f, err := crawl(ctx, p, filepath.Base(p), t.now())
	if err != nil {
		return err
	}
	t.roots = append(t.roots, f)
	return nil
}

// Update re-crawls the subtree at p. A path that is no longer a directory is
// dropped from the tree before the error is returned.
func (t *Tracker) Update(ctx context.Context, p string) error {
	p = filepath.Clean(p)
	if info, err := os.Stat(p); err != nil || !info.IsDir() {
		t.Delete(p)
		return graceful.Newf(graceful.InvalidFileType, "%s is no longer a directory, removed it from assets", p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, root := range t.roots {
		if within(p, root.Path) {
			return t.refresh(ctx, root, p)
		}
	}
	return nil
}

// UpdateAll re-crawls every root and drops roots that are gone.
func (t *Tracker) UpdateAll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := make([]*Folder, 0, len(t.roots))
	var firstErr error
	for _, root := range t.roots {
		if info, err := os.Stat(root.Path); err != nil || !info.IsDir() {
			continue
		}
		if err := t.refresh(ctx, root, root.Path); err != nil && firstErr == nil {
			firstErr = err
		}
		kept = append(kept, root)
	}
	t.roots = kept
	return firstErr
}

// refresh re-crawls the node of root whose path is p.
func (t *Tracker) refresh(ctx context.Context, root *Folder, p string) error {
	node := root
	for node.Path != p {
		var next *Folder
		for _, child := range node.Folders {
			if within(p, child.Path) {
				next = child
				break
			}
		}
		if next == nil {
			// p is new below node; re-crawl the closest tracked ancestor.
			break
		}
		node = next
	}
	fresh, err := crawl(ctx, node.Path, node.Name, t.now())
	if err != nil {
		return err
	}
	*node = *fresh
	return nil
}

// Delete stops tracking p. An exact root match removes the whole tree;
// otherwise the matching descendant is removed from its parent.
func (t *Tracker) Delete(p string) {
	p = filepath.Clean(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, root := range t.roots {
		if root.Path == p {
			t.roots = append(t.roots[:i], t.roots[i+1:]...)
			return
		}
		if within(p, root.Path) {
			removeDescendant(root, p)
		}
	}
}

func removeDescendant(f *Folder, p string) {
	for i, child := range f.Folders {
		if child.Path == p {
			f.Folders = append(f.Folders[:i], f.Folders[i+1:]...)
			return
		}
		if within(p, child.Path) {
			removeDescendant(child, p)
			return
		}
	}
}

// Flatten lists every tracked file path, depth first.
func (t *Tracker) Flatten() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	var walk func(f *Folder)
	walk = func(f *Folder) {
		for _, file := range f.Files {
			out = append(out, file.Path)
		}
		for _, child := range f.Folders {
			walk(child)
		}
	}
	for _, root := range t.roots {
		walk(root)
	}
	return out
}

// Tree returns the nested client view of every root.
func (t *Tracker) Tree() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.roots))
	for _, root := range t.roots {
		out = append(out, toNode(root))
	}
	return out
}

func toNode(f *Folder) Node {
	n := Node{Name: f.Name, Path: f.Path, Images: make([]string, 0, len(f.Files)), Folders: make([]Node, 0, len(f.Folders))}
	for _, file := range f.Files {
		n.Images = append(n.Images, file.Name)
	}
	for _, child := range f.Folders {
		n.Folders = append(n.Folders, toNode(child))
	}
	return n
}

// Roots returns the tracked root paths.
func (t *Tracker) Roots() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.roots))
	for i, root := range t.roots {
		out[i] = root.Path
	}
	return out
}

// Dirs returns every tracked directory, roots included.
func (t *Tracker) Dirs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	var walk func(f *Folder)
	walk = func(f *Folder) {
		out = append(out, f.Path)
		for _, child := range f.Folders {
			walk(child)
		}
	}
	for _, root := range t.roots {
		walk(root)
	}
	return out
}

// Snapshot returns a deep copy of the roots for persistence.
func (t *Tracker) Snapshot() []*Folder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Folder, len(t.roots))
	for i, root := range t.roots {
		out[i] = root.clone()
	}
	return out
}

// Restore replaces the roots with a persisted snapshot.
func (t *Tracker) Restore(roots []*Folder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots = make([]*Folder, 0, len(roots))
	for _, root := range roots {
		if root != nil {
			t.roots = append(t.roots, root.clone())
		}
	}
}

func (f *Folder) clone() *Folder {
	c := &Folder{Name: f.Name, Path: f.Path, LastUpdated: f.LastUpdated}
	c.Files = append([]File(nil), f.Files...)
	c.Folders = make([]*Folder, len(f.Folders))
	for i, child := range f.Folders {
		c.Folders[i] = child.clone()
	}
	return c
}

// crawl builds the folder at p. Subfolders are crawled concurrently and
// unreadable ones are left out.
func crawl(ctx context.Context, p, name string, now time.Time) (*Folder, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, graceful.MapAndWrapErr(err, graceful.InvalidFilePath)
	}
	f := &Folder{Name: name, Path: p, LastUpdated: now, Files: []File{}}

	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
			continue
		}
		if IsAllowed(e.Name()) {
			f.Files = append(f.Files, File{Name: e.Name(), Path: filepath.Join(p, e.Name())})
		}
	}

	children := make([]*Folder, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(crawlConcurrency)
	for i, d := range dirs {
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			child, err := crawl(gctx, filepath.Join(p, d.Name()), d.Name(), now)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return nil
			}
			children[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, graceful.MapAndWrapErr(err, graceful.StoppedByUser)
	}

	f.Folders = make([]*Folder, 0, len(children))
	for _, child := range children {
		if child != nil {
			f.Folders = append(f.Folders, child)
		}
	}
	return f, nil
}
