/*
Package fileref provides the file-reference data model shared by every
signing component: an absolute path plus an invariant-folded extension.
*/
package fileref

import (
	"path/filepath"
	"strings"
)

// Ref is an absolute path plus its observable extension, compared the way
// the signing pipeline compares extensions: case-insensitively, but only
// across the ASCII A-Z/a-z range. Never use strings.ToLower/EqualFold for
// this — both are locale-aware on some platforms and Turkish dotted/dotless
// I folding must not make ".applİcation" match ".application".
type Ref struct {
	// Path is an absolute filesystem path.
	Path string
}

// New builds a Ref from an absolute path. The caller is responsible for the
// path actually being absolute; Ref does no normalization beyond Clean.
func New(path string) Ref {
	return Ref{Path: filepath.Clean(path)}
}

// Name returns the base name of the file.
func (r Ref) Name() string {
	return filepath.Base(r.Path)
}

// Ext returns the file extension, invariant-ASCII-lower-cased, including the
// leading dot (e.g. ".APPX" -> ".appx").
func (r Ref) Ext() string {
	return FoldExt(filepath.Ext(r.Path))
}

// FoldExt case-folds an extension using an invariant ASCII-only mapping
// (A-Z -> a-z). strings.ToLower is deliberately not used here: on some
// platforms/locales it performs Unicode case folding, which incorrectly
// maps Turkish dotted/dotless I variants onto ASCII letters and would make
// ".applİcation" match ".application". Extension comparison in this system
// must be ordinal/culture-neutral.
func FoldExt(ext string) string {
	b := []byte(ext)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// HasExt reports whether the file's extension matches any of the given
// invariant-folded extensions (each expected to already start with '.').
func (r Ref) HasExt(exts ...string) bool {
	e := r.Ext()
	for _, want := range exts {
		if e == want {
			return true
		}
	}
	return false
}

// RelPath returns path relative to root, using forward slashes, for glob
// matching purposes. Returns path unchanged if it is not under root.
func RelPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// IsLocal reports whether name is a safe relative path: no leading slash,
// no ".." traversal, no volume component. Containers must never let an
// entry path escape the root working directory of the archive it came
// from (spec invariant: no leaf-signer path escapes its container root).
func IsLocal(name string) bool {
	if name == "" {
		return false
	}
	if filepath.IsAbs(name) {
		return false
	}
	cleaned := filepath.ToSlash(filepath.Clean(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	if strings.HasPrefix(cleaned, "/") {
		return false
	}
	return true
}
