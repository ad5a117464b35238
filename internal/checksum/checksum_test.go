package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFoldsCase(t *testing.T) {
	require.Equal(t, SHA256, Normalize("SHA256"))
}

func TestNewRejectsUnsupportedAlgorithm(t *testing.T) {
	_, err := New("sha3")
	require.Error(t, err)
}

func TestMageTokenIsNormalized(t *testing.T) {
	require.Equal(t, "sha256", MageToken("SHA256"))
}

func TestFileHashIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	a, err := File(path, SHA256)
	require.NoError(t, err)
	b, err := File(path, SHA256)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.True(t, VerifyEqual(a, b))
}

func TestTreeChangesWhenContentChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("two"), 0o644))

	before, err := Tree(dir, SHA256)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("changed"), 0o644))
	after, err := Tree(dir, SHA256)
	require.NoError(t, err)

	require.NotEqual(t, before, after)
}

func TestTreeIsOrderIndependentOfWalkOrder(t *testing.T) {
	dir1 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir1, "a.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir1, "b.txt"), []byte("2"), 0o644))

	dir2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir2, "b.txt"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir2, "a.txt"), []byte("1"), 0o644))

	h1, err := Tree(dir1, SHA256)
	require.NoError(t, err)
	h2, err := Tree(dir2, SHA256)
	require.NoError(t, err)
	require.Equal(t, h1, h2, "Tree sorts relative paths before hashing, so creation order must not matter")
}
