package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nmxmxh/portal-engine/pkg/graceful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

// layout creates root/{a.png, notes.txt, b.MP4, sub/{c.jpg, deep/d.jpeg}, other/e.mkv}.
func layout(t *testing.T) string {
	root := filepath.Join(t.TempDir(), "project")
	touch(t, filepath.Join(root, "a.png"))
	touch(t, filepath.Join(root, "notes.txt"))
	touch(t, filepath.Join(root, "b.MP4"))
	touch(t, filepath.Join(root, "sub", "c.jpg"))
	touch(t, filepath.Join(root, "sub", "deep", "d.jpeg"))
	touch(t, filepath.Join(root, "other", "e.mkv"))
	return root
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name         string
		image, video bool
	}{
		{"a.png", true, false},
		{"a.JPEG", true, false},
		{"clip.Mov", false, true},
		{"clip.wmv", false, true},
		{"notes.txt", false, false},
		{"noext", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.image, IsImage(tt.name))
			assert.Equal(t, tt.video, IsVideo(tt.name))
			assert.Equal(t, tt.image || tt.video, IsAllowed(tt.name))
		})
	}
}

func TestAddFlattenTree(t *testing.T) {
	root := layout(t)
	tr := NewTracker()
	require.NoError(t, tr.Add(context.Background(), root))

	assert.ElementsMatch(t, []string{
		filepath.Join(root, "a.png"),
		filepath.Join(root, "b.MP4"),
		filepath.Join(root, "sub", "c.jpg"),
		filepath.Join(root, "sub", "deep", "d.jpeg"),
		filepath.Join(root, "other", "e.mkv"),
	}, tr.Flatten())

	tree := tr.Tree()
	require.Len(t, tree, 1)
	assert.Equal(t, "project", tree[0].Name)
	assert.Equal(t, []string{"a.png", "b.MP4"}, tree[0].Images)
	require.Len(t, tree[0].Folders, 2)
	assert.Equal(t, "other", tree[0].Folders[0].Name)
	assert.Equal(t, "sub", tree[0].Folders[1].Name)
	assert.Equal(t, []string{"d.jpeg"}, tree[0].Folders[1].Folders[0].Images)
}

func TestAddDescendantRefreshesAncestor(t *testing.T) {
	root := layout(t)
	tr := NewTracker()
	require.NoError(t, tr.Add(context.Background(), root))

	touch(t, filepath.Join(root, "sub", "new.png"))
	require.NoError(t, tr.Add(context.Background(), filepath.Join(root, "sub")))

	assert.Equal(t, []string{root}, tr.Roots(), "no duplicate root")
	assert.Contains(t, tr.Flatten(), filepath.Join(root, "sub", "new.png"))
}

func TestAddFailures(t *testing.T) {
	tr := NewTracker()
	dir := t.TempDir()

	err := tr.Add(context.Background(), filepath.Join(dir, "missing"))
	assert.True(t, graceful.Is(err, graceful.InvalidFileType), "a missing path is not a directory")

	file := filepath.Join(dir, "a.png")
	touch(t, file)
	err = tr.Add(context.Background(), file)
	assert.True(t, graceful.Is(err, graceful.InvalidFileType))
	assert.Empty(t, tr.Roots())
}

func TestUpdateAllPrunesDeletedDirectories(t *testing.T) {
	root := layout(t)
	tr := NewTracker()
	require.NoError(t, tr.Add(context.Background(), root))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "sub")))
	assert.Contains(t, tr.Flatten(), filepath.Join(root, "sub", "c.jpg"), "pruning is not eager")

	require.NoError(t, tr.UpdateAll(context.Background()))
	for _, p := range tr.Flatten() {
		assert.NotContains(t, p, string(filepath.Separator)+"sub"+string(filepath.Separator))
	}

	require.NoError(t, os.RemoveAll(root))
	require.NoError(t, tr.UpdateAll(context.Background()))
	assert.Empty(t, tr.Roots())
	assert.Empty(t, tr.Flatten())
}

func TestUpdateRemovesStaleEntry(t *testing.T) {
	root := layout(t)
	tr := NewTracker()
	require.NoError(t, tr.Add(context.Background(), root))

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.RemoveAll(sub))

	err := tr.Update(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, graceful.Is(err, graceful.InvalidFileType))
	assert.NotContains(t, tr.Flatten(), filepath.Join(sub, "c.jpg"))
	assert.Equal(t, []string{root}, tr.Roots(), "the root survives")
}

func TestDelete(t *testing.T) {
	root := layout(t)
	tr := NewTracker()
	require.NoError(t, tr.Add(context.Background(), root))

	tr.Delete(filepath.Join(root, "sub", "deep"))
	assert.NotContains(t, tr.Flatten(), filepath.Join(root, "sub", "deep", "d.jpeg"))
	assert.Contains(t, tr.Flatten(), filepath.Join(root, "sub", "c.jpg"))

	tr.Delete(root)
	assert.Empty(t, tr.Roots())
}

func TestSnapshotRestore(t *testing.T) {
	root := layout(t)
	tr := NewTracker()
	require.NoError(t, tr.Add(context.Background(), root))

	snap := tr.Snapshot()
	tr.Delete(root)

	restored := NewTracker()
	restored.Restore(snap)
	assert.Len(t, restored.Flatten(), 5)
	assert.Empty(t, tr.Roots(), "snapshot is detached from the source")
}

func TestWatcherResyncsOnChange(t *testing.T) {
	root := layout(t)
	tr := NewTracker()
	require.NoError(t, tr.Add(context.Background(), root))

	synced := make(chan struct{}, 1)
	w, err := NewWatcher(nil, tr, func() {
		select {
		case synced <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	late := filepath.Join(root, "other", "late.png")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(late, []byte("x"), 0o644)
		select {
		case <-synced:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	assert.Contains(t, tr.Flatten(), late)
	cancel()
	assert.NoError(t, <-done)
}
