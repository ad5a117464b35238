package signresult

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerRecordAndFilter(t *testing.T) {
	m := NewManager()
	m.Record(Entry{Path: "a.dll", Pass: PassLeaf, Signer: "pe"})
	m.Record(Entry{Path: "b.zip", Pass: PassGenericArchive, Signer: "archive"})
	m.Record(Entry{Path: "c.dll", Pass: PassLeaf, Signer: "pe"})

	require.Len(t, m.Entries(), 3)
	require.Len(t, m.Filter(ByPass(PassLeaf)), 2)
	require.Len(t, m.Filter(BySigner("archive")), 1)

	groups := m.GroupByPass()
	require.Len(t, groups[PassLeaf], 2)

	sorted := m.Sorted()
	require.Equal(t, "a.dll", sorted[0].Path)
	require.Equal(t, "c.dll", sorted[2].Path)
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	m := NewManager()
	m.Record(Entry{Path: "a.dll", Pass: PassLeaf, Signer: "pe", Container: "pkg.zip"})

	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, m.Entries(), loaded.Entries())
}

func TestManagerClear(t *testing.T) {
	m := NewManager()
	m.Record(Entry{Path: "a.dll"})
	m.Clear()
	require.Empty(t, m.Entries())
}
