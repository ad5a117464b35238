/*
Package container implements C2: the container provider and the Container
lifecycle (Closed -> Open -> Disposed) for every zip-based archive format
the aggregating signer recurses into.

The zip read/write helpers are grounded on two places in the retrieval
pack: the teacher's internal/archive.Creator (addToZip/addToTar-style
header handling) and the Microsoft Go toolchain's eng/_util/cmd/sign
archiveutil.go (path-safety checks against zip-slip via filepath.IsLocal,
open/create-with-callback helpers). Container adapts both into an
extract-mutate-repack lifecycle instead of a build-from-scratch archiver,
because C2 opens and rewrites a pre-existing package rather than
assembling one from loose files. The Closed/Open/Disposed state machine
mirrors the lifecycle states rabenja-immutable-container's pkg/container
uses for its own archive format.
*/
package container

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/oarkflow/codesign/internal/fileref"
	"github.com/oarkflow/codesign/internal/match"
)

// Kind identifies which recognized container format a file is.
type Kind int

const (
	KindNone Kind = iota
	KindZip       // generic archives, upload archives, plugin packages: .zip, .appxupload, .msixupload, .vsix
	KindNuGet     // .nupkg
	KindAppx      // application packages: .appx, .msix
	KindAppxBundle
)

// State is the Container lifecycle state (spec §3).
type State int

const (
	Closed State = iota
	Open
	Disposed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case Disposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// OpenError is raised when a file with a recognized container extension
// does not hold a valid container (spec §7 UnknownContainerError).
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("container: failed to open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// zipExts are extensions opened as a plain re-zippable archive: no
// publisher-metadata rewrite, no signature stripping. .appxupload and
// .msixupload are store-submission wrappers around an inner .appx/.msix
// and .vsix is a VSIX plugin package; all three are, at the container
// level, indistinguishable from a generic .zip.
var zipExts = []string{".zip", ".appxupload", ".msixupload", ".vsix"}

// KindOf classifies a file by its invariant-folded extension.
func KindOf(ref fileref.Ref) Kind {
	switch {
	case ref.HasExt(".nupkg"):
		return KindNuGet
	case ref.HasExt(".appx", ".msix"):
		return KindAppx
	case ref.HasExt(".appxbundle", ".msixbundle"):
		return KindAppxBundle
	case ref.HasExt(zipExts...):
		return KindZip
	default:
		return KindNone
	}
}

// Provider recognizes container kinds and builds Containers bound to
// specific files.
type Provider struct{}

// NewProvider constructs a container Provider.
func NewProvider() *Provider { return &Provider{} }

// IsZipContainer reports whether file is a generic zip-family archive
// (.zip, .appxupload, .msixupload, .vsix).
func (p *Provider) IsZipContainer(ref fileref.Ref) bool { return KindOf(ref) == KindZip }

// IsNuGetContainer reports whether file is a .nupkg package.
func (p *Provider) IsNuGetContainer(ref fileref.Ref) bool { return KindOf(ref) == KindNuGet }

// IsAppxContainer reports whether file is an .appx/.msix application package.
func (p *Provider) IsAppxContainer(ref fileref.Ref) bool { return KindOf(ref) == KindAppx }

// IsAppxBundleContainer reports whether file is an .appxbundle/.msixbundle.
func (p *Provider) IsAppxBundleContainer(ref fileref.Ref) bool { return KindOf(ref) == KindAppxBundle }

// IsContainer reports whether file is any recognized container kind.
func (p *Provider) IsContainer(ref fileref.Ref) bool { return KindOf(ref) != KindNone }

// GetContainer returns a new, Closed Container bound to file.
func (p *Provider) GetContainer(ref fileref.Ref) (*Container, error) {
	kind := KindOf(ref)
	if kind == KindNone {
		return nil, fmt.Errorf("container: %s has no recognized container extension", ref.Path)
	}
	return &Container{path: ref.Path, kind: kind, state: Closed}, nil
}

// Container is a handle to an open archive's extracted working directory.
// Paths returned from GetFiles remain valid until the next Save or
// Dispose call.
type Container struct {
	path    string
	kind    Kind
	state   State
	workDir string
}

// Path returns the original, on-disk archive path this Container is bound
// to.
func (c *Container) Path() string { return c.path }

// Kind returns the container's recognized kind.
func (c *Container) Kind() Kind { return c.kind }

// State returns the current lifecycle state.
func (c *Container) State() State { return c.state }

// Open extracts the archive into a private temporary directory.
func (c *Container) Open() error {
	if c.state != Closed {
		return fmt.Errorf("container: Open called in state %s", c.state)
	}

	workDir, err := os.MkdirTemp("", "codesign-container-*")
	if err != nil {
		return &OpenError{Path: c.path, Err: err}
	}

	if err := extractZip(c.path, workDir); err != nil {
		os.RemoveAll(workDir)
		return &OpenError{Path: c.path, Err: err}
	}

	c.workDir = workDir
	c.state = Open
	return nil
}

// GetFiles returns every regular file in the container, in deterministic
// (lexicographic, by path relative to the container root) order. An
// optional include-only matcher restricts the result.
func (c *Container) GetFiles(matcher ...*match.Set) ([]fileref.Ref, error) {
	if c.state != Open {
		return nil, fmt.Errorf("container: GetFiles called in state %s", c.state)
	}
	var m *match.Set
	if len(matcher) > 0 {
		m = matcher[0]
	}

	var rels []string
	err := filepath.WalkDir(c.workDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := fileref.RelPath(c.workDir, p)
		if m != nil && !m.Empty() && !m.Match(rel) {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)

	refs := make([]fileref.Ref, len(rels))
	for i, rel := range rels {
		refs[i] = fileref.New(filepath.Join(c.workDir, filepath.FromSlash(rel)))
	}
	return refs, nil
}

// Save re-packs the working directory back over the original file: write
// to a sibling temp file, then rename atomically over the original.
// .nupkg packages have any prior package signature stripped first, since
// this pass always re-signs the repacked package.
func (c *Container) Save() error {
	if c.state != Open {
		return fmt.Errorf("container: Save called in state %s", c.state)
	}

	if c.kind == KindNuGet {
		if err := stripNuGetSignature(c.workDir); err != nil {
			return fmt.Errorf("container: failed to strip prior nupkg signature: %w", err)
		}
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".codesign-repack-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := createZip(tmpPath, c.workDir); err != nil {
		return fmt.Errorf("container: failed to repack %s: %w", c.path, err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("container: failed to replace %s: %w", c.path, err)
	}
	return nil
}

// Dispose releases the container's temporary storage. Idempotent: calling
// Dispose more than once is a no-op; on a Container that was never Opened
// it removes nothing and only moves the state to Disposed.
func (c *Container) Dispose() {
	if c.state == Disposed {
		return
	}
	if c.workDir != "" {
		if err := os.RemoveAll(c.workDir); err != nil {
			log.Warn("failed to remove container working directory", "dir", c.workDir, "error", err)
		}
	}
	c.state = Disposed
}

// --- zip plumbing ---

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if !fileref.IsLocal(f.Name) {
			return fmt.Errorf("zip entry escapes container root: %s", f.Name)
		}
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func createZip(archivePath, srcDir string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	var rels []string
	err = filepath.WalkDir(srcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rels = append(rels, fileref.RelPath(srcDir, p))
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(rels)

	for _, rel := range rels {
		if err := addFileToZip(zw, filepath.Join(srcDir, filepath.FromSlash(rel)), rel); err != nil {
			return err
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, name string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// nugetSignatureEntry is the well-known path NuGet client signing writes
// a package's detached signature to.
const nugetSignatureEntry = ".signature.p7s"

func stripNuGetSignature(workDir string) error {
	target := filepath.Join(workDir, nugetSignatureEntry)
	if _, err := os.Stat(target); err == nil {
		return os.Remove(target)
	}
	// Case-insensitive fallback scan, since package producers vary casing.
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), nugetSignatureEntry) {
			return os.Remove(filepath.Join(workDir, e.Name()))
		}
	}
	return nil
}
