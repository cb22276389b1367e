package tempstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProducesUniqueFileUnderRoot(t *testing.T) {
	dir := t.TempDir()
	root, err := NewRoot(dir)
	require.NoError(t, err)

	f, err := root.Create("task-1", "abc123", ".txt")
	require.NoError(t, err)
	defer f.Close()

	info, err := os.Stat(f.Name())
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, root.Dir(), filepath.Dir(f.Name()))
}

func TestCreateRefusesCollision(t *testing.T) {
	dir := t.TempDir()
	root, err := NewRoot(dir)
	require.NoError(t, err)

	f1, err := root.Create("task-1", "same-token", ".txt")
	require.NoError(t, err)
	defer f1.Close()

	_, err = root.Create("task-1", "same-token", ".txt")
	assert.Error(t, err, "O_EXCL must refuse a name collision")
}

func TestSiblingPathStaysUnderRoot(t *testing.T) {
	dir := t.TempDir()
	root, err := NewRoot(dir)
	require.NoError(t, err)

	f, err := root.Create("task-2", "tok", ".txt")
	require.NoError(t, err)
	f.Close()

	sibling, err := root.SiblingPath(f.Name(), ".gz")
	require.NoError(t, err)
	assert.Equal(t, root.Dir(), filepath.Dir(sibling))
}

func TestMustContainRejectsPathsOutsideRoot(t *testing.T) {
	dir := t.TempDir()
	root, err := NewRoot(dir)
	require.NoError(t, err)

	assert.Error(t, root.mustContain(filepath.Join(dir, "..", "escaped.txt")))
	assert.NoError(t, root.mustContain(filepath.Join(dir, "fine.txt")))
}

func TestRemoveIsSafeOnMissingFile(t *testing.T) {
	assert.NotPanics(t, func() {
		Remove(filepath.Join(t.TempDir(), "does-not-exist"))
		Remove("")
	})
}

func TestRemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	root, err := NewRoot(dir)
	require.NoError(t, err)

	f, err := root.Create("task-3", "tok", ".txt")
	require.NoError(t, err)
	path := f.Name()
	f.Close()

	Remove(path)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file must not exist on disk after Remove (spec invariant #3)")
}
