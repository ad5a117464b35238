package aggregator

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oarkflow/codesign/internal/config"
	"github.com/oarkflow/codesign/internal/container"
	"github.com/oarkflow/codesign/internal/fileref"
	"github.com/oarkflow/codesign/internal/signer"
	"github.com/oarkflow/codesign/internal/signresult"
	"github.com/oarkflow/codesign/internal/tmpl"
)

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func minimalPE(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, 0x40+4)
	copy(data[0:2], "MZ")
	data[0x3C] = 0x40
	copy(data[0x40:0x44], "PE\x00\x00")
	return data
}

func newTestAggregator(t *testing.T, reg *signer.Registry) (*Aggregator, *signresult.Manager) {
	t.Helper()
	results := signresult.NewManager()
	agg := New(container.NewProvider(), reg, results, tmpl.New(nil), config.Certificate{}, 2)
	return agg, results
}

// stubSigner records every file path it was asked to sign, in call order.
type stubSigner struct {
	name       string
	claims     func(fileref.Ref) bool
	seen       []string
	depsCopies []string
}

func (s *stubSigner) Name() string { return s.name }
func (s *stubSigner) CanSign(ref fileref.Ref) bool {
	return s.claims(ref)
}
func (s *stubSigner) SignAsync(ctx context.Context, ref fileref.Ref, tctx *tmpl.Context, opts config.Options, cert config.Certificate) error {
	s.seen = append(s.seen, ref.Path)
	return nil
}
func (s *stubSigner) CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error {
	s.depsCopies = append(s.depsCopies, destDir)
	return os.MkdirAll(destDir, 0o755)
}

func TestCanSignRecognizesClaimedAndZipFamily(t *testing.T) {
	reg := signer.NewRegistry()
	agg, _ := newTestAggregator(t, reg)

	require.True(t, agg.CanSign(fileref.New("/tmp/My.app")))
	require.True(t, agg.CanSign(fileref.New("/tmp/archive.zip")))
	require.True(t, agg.CanSign(fileref.New("/tmp/upload.appxupload")))
	require.False(t, agg.CanSign(fileref.New("/tmp/readme.txt")))
}

func TestEmptyZipOpenedButNotSaved(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "empty.zip")
	writeZip(t, zipPath, map[string][]byte{})
	before, err := os.ReadFile(zipPath)
	require.NoError(t, err)

	reg := signer.NewRegistry()
	agg, results := newTestAggregator(t, reg)

	opts := config.Options{RecurseContainers: true}
	err = agg.SignAsync(context.Background(), []fileref.Ref{fileref.New(zipPath)}, opts)
	require.NoError(t, err)

	after, err := os.ReadFile(zipPath)
	require.NoError(t, err)
	require.Equal(t, before, after, "empty zip must not be resaved")

	for _, e := range results.Entries() {
		require.NotEqual(t, signresult.PassGenericArchive, e.Pass, "no container-save entry should be recorded for an empty zip")
	}
}

func TestEmptyAppxAlwaysSaved(t *testing.T) {
	dir := t.TempDir()
	appxPath := filepath.Join(dir, "empty.appx")
	writeZip(t, appxPath, map[string][]byte{})

	reg := signer.NewRegistry()
	agg, results := newTestAggregator(t, reg)

	opts := config.Options{RecurseContainers: true}
	err := agg.SignAsync(context.Background(), []fileref.Ref{fileref.New(appxPath)}, opts)
	require.NoError(t, err)

	var sawSave bool
	for _, e := range results.Entries() {
		if e.Pass == signresult.PassApplicationPackage && e.Path == appxPath {
			sawSave = true
		}
	}
	require.True(t, sawSave, "an empty .appx must still be saved so publisher metadata is committed")
}

func TestNestedZipSignsInnerDLLBeforeOuterIsConsideredSigned(t *testing.T) {
	dir := t.TempDir()
	inner := minimalPE(t)

	outerZipPath := filepath.Join(dir, "outer.zip")
	writeZip(t, outerZipPath, map[string][]byte{"payload.dll": inner})

	reg := signer.NewRegistry()
	stub := &stubSigner{name: "stub-pe", claims: func(ref fileref.Ref) bool { return ref.HasExt(".dll") }}
	reg.Register(stub)
	agg, results := newTestAggregator(t, reg)

	opts := config.Options{RecurseContainers: true}
	err := agg.SignAsync(context.Background(), []fileref.Ref{fileref.New(outerZipPath)}, opts)
	require.NoError(t, err)

	require.Len(t, stub.seen, 1)
	require.Contains(t, stub.seen[0], "payload.dll")

	var containerSaved bool
	for _, e := range results.Entries() {
		if e.Path == outerZipPath {
			containerSaved = true
		}
	}
	require.True(t, containerSaved, "outer zip must be saved since its collected set was non-empty")

	entries := results.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, signresult.PassLeaf, entries[0].Pass, "the inner DLL is signed first")
	require.Equal(t, outerZipPath, entries[1].Path, "the outer zip is saved after its inner DLL was signed")
}

func TestBundleUsesHardcodedMatcherRegardlessOfCallerFilters(t *testing.T) {
	dir := t.TempDir()
	// part.appx is itself an (empty) application package: bundle members
	// are recursed into, so it has to be a valid zip.
	var part bytes.Buffer
	require.NoError(t, zip.NewWriter(&part).Close())

	bundlePath := filepath.Join(dir, "container.appxbundle")
	writeZip(t, bundlePath, map[string][]byte{
		"part.appx":     part.Bytes(),
		"notes.txt":     []byte("not a bundle member"),
		"ignored.appx2": []byte("looks similar, wrong extension"),
	})

	reg := signer.NewRegistry()
	stub := &stubSigner{name: "stub-appx", claims: func(ref fileref.Ref) bool { return ref.HasExt(".appx") }}
	reg.Register(stub)
	agg, _ := newTestAggregator(t, reg)

	// A caller matcher that would, if honored inside the bundle, select
	// only notes.txt -- the bundle's hardcoded matcher must override it.
	opts := config.Options{RecurseContainers: true, Matcher: []string{"**/*.txt"}}
	err := agg.SignAsync(context.Background(), []fileref.Ref{fileref.New(bundlePath)}, opts)
	require.NoError(t, err)

	require.Len(t, stub.seen, 1)
	require.Contains(t, stub.seen[0], "part.appx")
}

func TestNonPEUnclaimedFileIsSilentlyDropped(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "readme.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("hello"), 0o644))

	reg := signer.NewRegistry()
	agg, results := newTestAggregator(t, reg)

	opts := config.Options{}
	err := agg.SignAsync(context.Background(), []fileref.Ref{fileref.New(textPath)}, opts)
	require.NoError(t, err)
	require.Empty(t, results.Entries())
}

func TestUnclaimedPortableExecutableFallsBackToDefaultSigner(t *testing.T) {
	dir := t.TempDir()
	pePath := filepath.Join(dir, "app.dll")
	require.NoError(t, os.WriteFile(pePath, minimalPE(t), 0o644))

	reg := signer.NewRegistry()
	agg, results := newTestAggregator(t, reg)

	opts := config.Options{}
	err := agg.SignAsync(context.Background(), []fileref.Ref{fileref.New(pePath)}, opts)
	// signtool is not installed in the test environment; we only assert
	// that the default signer was the one invoked (it fails to run the
	// binary, which is itself evidence dispatch chose it).
	require.Error(t, err)
	require.Empty(t, results.Entries())
}

func TestCopySigningDependenciesDelegatesToEveryClaimingSigner(t *testing.T) {
	dir := t.TempDir()
	dllPath := filepath.Join(dir, "app.dll")
	require.NoError(t, os.WriteFile(dllPath, minimalPE(t), 0o644))

	reg := signer.NewRegistry()
	first := &stubSigner{name: "first", claims: func(ref fileref.Ref) bool { return ref.HasExt(".dll") }}
	second := &stubSigner{name: "second", claims: func(ref fileref.Ref) bool { return ref.HasExt(".dll") }}
	reg.Register(first)
	reg.Register(second)
	agg, _ := newTestAggregator(t, reg)

	destDir := t.TempDir()
	err := agg.CopySigningDependencies(fileref.New(dllPath), destDir, config.Options{})
	require.NoError(t, err)

	require.Len(t, first.depsCopies, 1)
	require.Len(t, second.depsCopies, 1)
	require.NotEqual(t, first.depsCopies[0], second.depsCopies[0], "each claiming signer must get its own subdirectory")
}

func TestCopySigningDependenciesFallsBackToDefaultForUnclaimedPE(t *testing.T) {
	dir := t.TempDir()
	pePath := filepath.Join(dir, "app.dll")
	require.NoError(t, os.WriteFile(pePath, minimalPE(t), 0o644))

	reg := signer.NewRegistry()
	agg, _ := newTestAggregator(t, reg)

	destDir := t.TempDir()
	err := agg.CopySigningDependencies(fileref.New(pePath), destDir, config.Options{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(destDir, "signtool"))
	require.NoError(t, err, "the default PE signer's subdirectory must still be created")
}

func TestRecurseContainersFalseSkipsAllContainerOpens(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "archive.zip")
	writeZip(t, zipPath, map[string][]byte{"inner.dll": minimalPE(t)})

	reg := signer.NewRegistry()
	stub := &stubSigner{name: "stub-zip", claims: func(ref fileref.Ref) bool { return ref.HasExt(".zip") }}
	reg.Register(stub)
	agg, _ := newTestAggregator(t, reg)

	opts := config.Options{RecurseContainers: false}
	err := agg.SignAsync(context.Background(), []fileref.Ref{fileref.New(zipPath)}, opts)
	require.NoError(t, err)

	// The zip itself is dispatched as a whole file to whichever signer
	// claims ".zip" extensions; its inner contents are never inspected.
	require.Len(t, stub.seen, 1)
	require.Equal(t, zipPath, stub.seen[0])
}
