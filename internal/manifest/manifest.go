/*
Package manifest implements C5, the application-deployment-manifest
signer (spec §4.5): it claims ClickOnce-style ".application"/".vsto"
deployment manifests and drives the ten-step protocol of renaming the
payload out of its ".deploy" disguise, recursively signing it through
the aggregating dispatcher, invoking the external manifest-update
utility twice, XML-dsig-signing both manifests, and restoring the
".deploy" names on every exit path. It implements signer.Leaf itself so
top-level wiring can register it into the same Registry the aggregator
dispatches through, without aggregator depending on manifest (see
internal/signer's Registry.Register doc comment for why this wiring
happens outside internal/aggregator).
*/
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/oarkflow/codesign/internal/checksum"
	"github.com/oarkflow/codesign/internal/config"
	"github.com/oarkflow/codesign/internal/fileref"
	"github.com/oarkflow/codesign/internal/keymaterial"
	"github.com/oarkflow/codesign/internal/mage"
	"github.com/oarkflow/codesign/internal/sigerr"
	"github.com/oarkflow/codesign/internal/tmpl"
	"github.com/oarkflow/codesign/internal/xmldsig"
)

// PayloadSigner recursively signs the renamed deployment payload. The
// aggregator satisfies this with its own SignAsync method; manifest only
// needs the narrow slice of its behavior.
type PayloadSigner interface {
	SignAsync(ctx context.Context, files []fileref.Ref, opts config.Options) error
}

// Signer is the C5 leaf signer.
type Signer struct {
	payload PayloadSigner
	keys    keymaterial.Provider
	mage    *mage.Invoker
	xmlsig  xmldsig.ManifestSigner
}

// New builds the manifest Signer. payload recursively signs the
// ".deploy"-renamed application payload (normally the aggregator
// itself); keys supplies the certificate/key for the publisher-DN
// fallback and the XML-dsig signing step; mageInvoker drives the
// external manifest-update utility; xmlSigner performs the XML-dsig
// signing of both manifests.
func New(payload PayloadSigner, keys keymaterial.Provider, mageInvoker *mage.Invoker, xmlSigner xmldsig.ManifestSigner) *Signer {
	return &Signer{payload: payload, keys: keys, mage: mageInvoker, xmlsig: xmlSigner}
}

func (s *Signer) Name() string { return "manifest" }

// CanSign claims ClickOnce deployment manifests and their VSTO/Office
// counterparts.
func (s *Signer) CanSign(ref fileref.Ref) bool {
	return ref.HasExt(".application", ".vsto")
}

// renamedFile records a ".deploy" rename performed in step 3, so step 10
// can always restore it regardless of how the protocol exits.
type renamedFile struct {
	renamed  string
	original string
}

// SignAsync runs the full ten-step protocol against the deployment
// manifest at ref.Path (spec §4.5.1).
func (s *Signer) SignAsync(ctx context.Context, ref fileref.Ref, tctx *tmpl.Context, opts config.Options, cert config.Certificate) error {
	if opts.ApplicationName == "" {
		return sigerr.NewInputValidationError("manifest signer requires options.ApplicationName")
	}

	deployDir := filepath.Dir(ref.Path)

	// Step 1: locate the version directory.
	versionDir, err := locateVersionDirectory(deployDir)
	if err != nil {
		return sigerr.NewSigningError("failed to locate version directory for "+ref.Path, err)
	}

	// Step 2: locate the per-version manifest (optional: scenario 5
	// tolerates its absence).
	manifestPath, hasManifest, err := locatePerVersionManifest(versionDir)
	if err != nil {
		return sigerr.NewSigningError("failed to locate per-version manifest under "+versionDir, err)
	}

	// Step 3: rename *.deploy files, recording originals.
	renames, err := renameDeployFiles(versionDir)
	if err != nil {
		return sigerr.NewSigningError("failed to rename .deploy payload files", err)
	}
	// Step 10 always runs, on every exit path, including cancellation.
	defer restoreDeployFiles(renames)

	if err := s.runProtocol(ctx, ref, versionDir, manifestPath, hasManifest, renames, opts, cert); err != nil {
		return err
	}
	return nil
}

func (s *Signer) runProtocol(ctx context.Context, ref fileref.Ref, versionDir, manifestPath string, hasManifest bool, renames []renamedFile, opts config.Options, cert config.Certificate) error {
	// Step 4: recursively sign the renamed payload — only the files
	// renamed out of ".deploy" in step 3, not everything under the
	// version directory (the per-version manifest lives there too, and
	// must not be offered to the payload signer).
	payloadFiles := make([]fileref.Ref, len(renames))
	for i, r := range renames {
		payloadFiles[i] = fileref.New(r.renamed)
	}
	if err := s.payload.SignAsync(ctx, payloadFiles, opts); err != nil {
		return err
	}

	hashAlgo := checksum.MageToken(checksum.Algorithm(opts.FileHashAlgorithm))
	if hashAlgo == "" {
		hashAlgo = string(checksum.SHA256)
	}

	if hasManifest {
		// Step 5: XML-dsig-sign the per-version manifest.
		if err := s.signManifestFile(ctx, manifestPath); err != nil {
			return err
		}
		// Step 6: invoke mage on the per-version manifest.
		args := mage.UpdateApplicationArgs(manifestPath, hashAlgo, opts.ApplicationName)
		if err := s.mage.Run(ctx, args); err != nil {
			return sigerr.NewSigningError("manifest-update utility failed for application manifest", err)
		}
	}

	// Step 7: resolve the publisher string.
	publisher, err := s.resolvePublisher(opts)
	if err != nil {
		return err
	}

	// Step 8: invoke mage on the deployment manifest.
	supportURL, hasSupportURL := opts.NormalizedDescriptionURL()
	deployArgs := mage.UpdateDeploymentArgs(ref.Path, hashAlgo, opts.ApplicationName, publisher, manifestPath, hasManifest, supportURL, hasSupportURL)
	if err := s.mage.Run(ctx, deployArgs); err != nil {
		return sigerr.NewSigningError("manifest-update utility failed for deployment manifest", err)
	}

	// Step 9: XML-dsig-sign the deployment manifest.
	if err := s.signManifestFile(ctx, ref.Path); err != nil {
		return err
	}

	log.Info("signed application deployment manifest", "file", ref.Path, "publisher", publisher)
	return nil
}

func (s *Signer) signManifestFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigerr.WrapIO("reading manifest for xml-dsig signing", err)
	}
	cert, err := s.keys.Certificate()
	if err != nil {
		return sigerr.NewSigningError("failed to load signing certificate", err)
	}
	key, err := s.keys.PrivateKey()
	if err != nil {
		return sigerr.NewSigningError("failed to load signing key", err)
	}
	signed, err := s.xmlsig.SignManifest(ctx, raw, cert, key)
	if err != nil {
		return sigerr.NewSigningError("xml-dsig signing failed for "+path, err)
	}
	if err := os.WriteFile(path, signed, 0o644); err != nil {
		return sigerr.WrapIO("writing xml-dsig-signed manifest", err)
	}
	return nil
}

// resolvePublisher implements step 7: options.PublisherName verbatim if
// set, else the certificate's subject DN in RFC 2253 form.
func (s *Signer) resolvePublisher(opts config.Options) (string, error) {
	if opts.PublisherName != "" {
		return opts.PublisherName, nil
	}
	cert, err := s.keys.Certificate()
	if err != nil {
		return "", sigerr.NewSigningError("failed to load certificate for publisher fallback", err)
	}
	return keymaterial.SubjectDN(cert), nil
}

// CopySigningDependencies copies the version directory (and everything
// under it) into destDir, but not the deployment manifest file itself
// (spec §4.5.3): callers use this to content-hash the deployable payload
// excluding the top-level manifest.
func (s *Signer) CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error {
	deployDir := filepath.Dir(ref.Path)
	versionDir, err := locateVersionDirectory(deployDir)
	if err != nil {
		return sigerr.NewSigningError("failed to locate version directory for "+ref.Path, err)
	}
	copyDest := filepath.Join(destDir, filepath.Base(versionDir))
	if err := copyTree(versionDir, copyDest); err != nil {
		return err
	}

	algo := checksum.Normalize(opts.FileHashAlgorithm)
	if algo == "" {
		algo = checksum.SHA256
	}
	sum, err := checksum.Tree(copyDest, algo)
	if err != nil {
		return sigerr.NewSigningError("failed to content-hash signing-dependency payload for "+ref.Path, err)
	}
	log.Debug("content-hashed deployment payload", "file", ref.Path, "algorithm", algo, "hash", sum)
	return nil
}

// locateVersionDirectory returns the unique immediate subdirectory of
// dir. Zero or multiple subdirectories is a SigningError (spec §4.5.1
// step 1).
func locateVersionDirectory(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	if len(dirs) != 1 {
		return "", fmt.Errorf("expected exactly one version directory under %s, found %d", dir, len(dirs))
	}
	return dirs[0], nil
}

// locatePerVersionManifest returns the unique "*.manifest" file directly
// under versionDir. Its absence is tolerated (spec §4.5.1 step 2,
// scenario 5); multiple matches is still an error.
func locatePerVersionManifest(versionDir string) (string, bool, error) {
	entries, err := os.ReadDir(versionDir)
	if err != nil {
		return "", false, err
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if fileref.New(e.Name()).HasExt(".manifest") {
			matches = append(matches, filepath.Join(versionDir, e.Name()))
		}
	}
	switch len(matches) {
	case 0:
		return "", false, nil
	case 1:
		return matches[0], true, nil
	default:
		return "", false, fmt.Errorf("expected at most one *.manifest file under %s, found %d", versionDir, len(matches))
	}
}

// renameDeployFiles strips the ".deploy" suffix from every "*.deploy"
// file under versionDir, recursively, recording each rename so it can be
// restored later (spec §4.5.1 step 3).
func renameDeployFiles(versionDir string) ([]renamedFile, error) {
	var renames []renamedFile
	err := filepath.WalkDir(versionDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(filepath.Ext(p)), ".deploy") {
			return nil
		}
		target := strings.TrimSuffix(p, filepath.Ext(p))
		if err := os.Rename(p, target); err != nil {
			return err
		}
		renames = append(renames, renamedFile{renamed: target, original: p})
		return nil
	})
	if err != nil {
		restoreDeployFiles(renames)
		return nil, err
	}
	return renames, nil
}

// restoreDeployFiles undoes every rename recorded by renameDeployFiles,
// in reverse order. It must run on every exit path (spec §4.5.1 step
// 10), so it logs rather than returns on individual failures: a restore
// failure here must never mask the protocol's real outcome.
func restoreDeployFiles(renames []renamedFile) {
	for i := len(renames) - 1; i >= 0; i-- {
		r := renames[i]
		if err := os.Rename(r.renamed, r.original); err != nil {
			log.Error("failed to restore .deploy file name", "path", r.renamed, "error", err)
		}
	}
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
