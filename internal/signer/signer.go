/*
Package signer implements C3: the leaf data-format signer contract and a
registry of concrete signers, adapted from the teacher's internal/sign
(WindowsSigner/MacOSSigner/Signer) but re-targeted from
"detached-signature an already-built release artifact" to "sign (or
countersign) one file in place inside an opened container's working
directory."
*/
package signer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/oarkflow/codesign/internal/checksum"
	"github.com/oarkflow/codesign/internal/config"
	"github.com/oarkflow/codesign/internal/fileref"
	"github.com/oarkflow/codesign/internal/probe"
	"github.com/oarkflow/codesign/internal/tmpl"
)

// Leaf is a leaf data-format signer: it claims files by content/extension
// and signs them in place. CanSign must be cheap and side-effect free;
// the dispatcher (internal/aggregator) calls it on every candidate file
// in a pass before calling SignAsync on the first signer that claims it.
type Leaf interface {
	// Name identifies the signer for logging and signresult bookkeeping.
	Name() string
	// CanSign reports whether this signer claims ref.
	CanSign(ref fileref.Ref) bool
	// SignAsync signs ref in place. tctx carries the per-file template
	// context (FileName/FilePath already bound).
	SignAsync(ctx context.Context, ref fileref.Ref, tctx *tmpl.Context, opts config.Options, cert config.Certificate) error
	// CopySigningDependencies copies any sibling files this signer needs
	// for content addressing into destDir (a fresh directory), but never
	// ref itself (spec §4.3). Most leaf signers have no such sibling
	// files; they still must ensure destDir exists so callers can
	// content-hash it uniformly regardless of which signer claimed ref.
	CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error
}

// Registry holds the specifically-claimed leaf signers plus the single
// designated default signer for portable executables unclaimed by any
// of them (spec §4.4.2 step 3, and the "Open questions" note that the
// default signer must be singular by construction, not by a
// single-or-default dispatch check).
type Registry struct {
	signers []Leaf
	def     Leaf
}

// NewRegistry builds a Registry with the built-in leaf signers: macOS
// app bundles and release checksum manifests as specifically-claimed
// signers, and the PE/signtool signer as the designated default for any
// portable executable none of the specific signers claimed.
func NewRegistry() *Registry {
	r := &Registry{def: NewPESigner()}
	r.Register(NewAppBundleSigner())
	r.Register(NewChecksumSigner())
	return r
}

// Register appends a specifically-claimed leaf signer. Manifest signers
// (C5) are registered this way by the top-level wiring in internal/cmd,
// because an internal/manifest Signer needs a reference back to the
// aggregator the registry feeds.
func (r *Registry) Register(s Leaf) {
	r.signers = append(r.signers, s)
}

// ClaimSpecific returns the first specifically-registered signer that
// claims ref, or false if none do. It deliberately excludes the default
// PE fallback: callers that also want that fallback should check
// probe.IsPortableExecutable themselves and fall back to Default().
func (r *Registry) ClaimSpecific(ref fileref.Ref) (Leaf, bool) {
	for _, s := range r.signers {
		if s.CanSign(ref) {
			return s, true
		}
	}
	return nil, false
}

// Default returns the single designated default signer.
func (r *Registry) Default() Leaf { return r.def }

// ClaimAll returns every specifically-registered signer that claims ref,
// in registration order. Unlike ClaimSpecific (first match, used for
// dispatch), the aggregator's CopySigningDependencies delegation (spec
// §4.4.4) must reach every claiming signer, since more than one could in
// principle require sibling files for the same ref.
func (r *Registry) ClaimAll(ref fileref.Ref) []Leaf {
	var claimed []Leaf
	for _, s := range r.signers {
		if s.CanSign(ref) {
			claimed = append(claimed, s)
		}
	}
	return claimed
}

// runSigningCommand runs an external signing tool, logging and capturing
// stderr on failure, the way the teacher's Windows/macOS signers do.
func runSigningCommand(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w\n%s", name, err, stderr.String())
	}
	return nil
}

// --- PE (Windows signtool) signer — the designated default signer ---

// PESigner signs Windows portable-executable files via signtool, content
// sniffed through internal/probe rather than by extension. It is wired
// as the registry's sole default signer, not a specifically-claimed one.
type PESigner struct{}

func NewPESigner() *PESigner { return &PESigner{} }

func (s *PESigner) Name() string { return "signtool" }

func (s *PESigner) CanSign(ref fileref.Ref) bool {
	return probe.IsPortableExecutable(ref.Path)
}

func (s *PESigner) SignAsync(ctx context.Context, ref fileref.Ref, tctx *tmpl.Context, opts config.Options, cert config.Certificate) error {
	log.Info("signing portable executable", "file", ref.Path, "signer", s.Name())

	hashAlgo := checksum.MageToken(checksum.Algorithm(opts.FileHashAlgorithm))
	if hashAlgo == "" {
		hashAlgo = string(checksum.SHA256)
	}

	args := []string{"sign", "/f", cert.CertFile, "/fd", hashAlgo}
	if opts.TimestampServiceURL != "" {
		args = append(args, "/tr", opts.TimestampServiceURL, "/td", hashAlgo)
	}
	args = append(args, ref.Path)

	return runSigningCommand(ctx, "signtool", args)
}

// CopySigningDependencies is a no-op beyond ensuring destDir exists: a PE
// file carries everything signtool needs embedded in the binary itself,
// so there are no sibling files to stage for content addressing.
func (s *PESigner) CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error {
	return os.MkdirAll(destDir, 0o755)
}

// --- macOS app-bundle (codesign) signer ---

// AppBundleSigner signs macOS .app bundles/.dmg images via codesign, for
// generic archives that happen to carry cross-platform release payloads.
type AppBundleSigner struct{}

func NewAppBundleSigner() *AppBundleSigner { return &AppBundleSigner{} }

func (s *AppBundleSigner) Name() string { return "codesign" }

func (s *AppBundleSigner) CanSign(ref fileref.Ref) bool {
	return ref.HasExt(".app", ".dmg")
}

func (s *AppBundleSigner) SignAsync(ctx context.Context, ref fileref.Ref, tctx *tmpl.Context, opts config.Options, cert config.Certificate) error {
	log.Info("signing macOS bundle", "file", ref.Path, "signer", s.Name())

	identity := opts.PublisherName
	if identity == "" {
		identity = "-"
	}
	args := []string{"--sign", identity, "--timestamp", "--force", ref.Path}
	return runSigningCommand(ctx, "codesign", args)
}

// CopySigningDependencies is a no-op beyond ensuring destDir exists: a
// .app bundle or .dmg image is signed as a single self-contained unit,
// with no sibling files outside it that codesign consults.
func (s *AppBundleSigner) CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error {
	return os.MkdirAll(destDir, 0o755)
}

// --- checksum-manifest (gpg detached signature) signer ---

// ChecksumSigner claims release checksum manifests (checksums.txt and
// its per-algorithm variants) and produces a detached, armored gpg
// signature alongside them — the teacher's original signing use case
// (internal/sign.Signer signed a release's checksums file), narrowed
// here to a specific, non-overlapping file class rather than a
// catch-all fallback: spec §4.4.2 step 3 requires unclaimed non-PE
// files to be silently dropped, so this signer must never claim
// everything.
type ChecksumSigner struct{}

func NewChecksumSigner() *ChecksumSigner { return &ChecksumSigner{} }

func (s *ChecksumSigner) Name() string { return "gpg" }

func (s *ChecksumSigner) CanSign(ref fileref.Ref) bool {
	name := strings.ToLower(ref.Name())
	if strings.HasSuffix(name, "checksums.txt") {
		return true
	}
	return ref.HasExt(".sha256", ".sha1", ".sha512", ".md5")
}

func (s *ChecksumSigner) SignAsync(ctx context.Context, ref fileref.Ref, tctx *tmpl.Context, opts config.Options, cert config.Certificate) error {
	log.Info("signing checksum manifest", "file", ref.Path, "signer", s.Name())

	sigPath := ref.Path + ".sig"
	args := []string{"--batch", "--yes", "--detach-sign", "--armor", "--output", sigPath, ref.Path}
	return runSigningCommand(ctx, "gpg", args)
}

// CopySigningDependencies is a no-op beyond ensuring destDir exists: a
// checksum manifest is detached-signed as a standalone file, with no
// sibling files gpg needs staged alongside it.
func (s *ChecksumSigner) CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error {
	return os.MkdirAll(destDir, 0o755)
}
