package container

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oarkflow/codesign/internal/fileref"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"app.zip":              KindZip,
		"App.ZIP":              KindZip,
		"store.appxupload":     KindZip,
		"store.msixupload":     KindZip,
		"plugin.vsix":          KindZip,
		"package.nupkg":        KindNuGet,
		"app.appx":             KindAppx,
		"app.msix":             KindAppx,
		"app.appxbundle":       KindAppxBundle,
		"app.msixbundle":       KindAppxBundle,
		"plain.txt":            KindNone,
	}
	for name, want := range cases {
		require.Equal(t, want, KindOf(fileref.New(name)), name)
	}
}

func TestContainerOpenGetFilesSaveDispose(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "sample.zip")
	writeZip(t, archivePath, map[string]string{
		"root.txt":       "root",
		"nested/dir.txt": "nested",
	})

	p := NewProvider()
	ref := fileref.New(archivePath)
	require.True(t, p.IsZipContainer(ref))

	c, err := p.GetContainer(ref)
	require.NoError(t, err)
	require.Equal(t, Closed, c.State())

	require.NoError(t, c.Open())
	require.Equal(t, Open, c.State())

	files, err := c.GetFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)

	require.NoError(t, c.Save())
	require.Equal(t, Open, c.State())

	c.Dispose()
	require.Equal(t, Disposed, c.State())

	// idempotent
	c.Dispose()
	require.Equal(t, Disposed, c.State())

	// re-open after save to confirm repack round-trips content
	c2, err := p.GetContainer(ref)
	require.NoError(t, err)
	require.NoError(t, c2.Open())
	defer c2.Dispose()

	files2, err := c2.GetFiles()
	require.NoError(t, err)
	require.Len(t, files2, 2)
}

func TestContainerNuGetSignatureStripped(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "sample.nupkg")
	writeZip(t, archivePath, map[string]string{
		"sample.nuspec":    "<xml/>",
		".signature.p7s":   "stale-signature",
	})

	p := NewProvider()
	ref := fileref.New(archivePath)
	require.True(t, p.IsNuGetContainer(ref))

	c, err := p.GetContainer(ref)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	require.NoError(t, c.Save())
	c.Dispose()

	c2, err := p.GetContainer(ref)
	require.NoError(t, err)
	require.NoError(t, c2.Open())
	defer c2.Dispose()

	files, err := c2.GetFiles()
	require.NoError(t, err)
	for _, f := range files {
		require.NotEqual(t, ".signature.p7s", f.Name())
	}
}

func TestContainerGetFilesRequiresOpenState(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "sample.zip")
	writeZip(t, archivePath, map[string]string{"a.txt": "a"})

	p := NewProvider()
	c, err := p.GetContainer(fileref.New(archivePath))
	require.NoError(t, err)

	_, err = c.GetFiles()
	require.Error(t, err)

	require.NoError(t, c.Open())
	c.Dispose()

	_, err = c.GetFiles()
	require.Error(t, err)
}

func TestGetContainerRejectsUnknownExtension(t *testing.T) {
	p := NewProvider()
	_, err := p.GetContainer(fileref.New("not-a-container.txt"))
	require.Error(t, err)
}
