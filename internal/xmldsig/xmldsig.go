/*
Package xmldsig defines the manifest XML-dsig signing capability (spec
§6) consumed by internal/manifest, plus a minimal enveloped-signature
implementation adequate for local/dev signing and tests. A production
deployment is expected to shell out to a platform-provided signing tool
(e.g. the external manifest-update utility itself, see internal/mage)
for the canonicalization/transform edge cases a hand-rolled XML-dsig
stack can't be trusted to get right; that integration is explicitly out
of scope here (spec Non-goals) and this package only provides the
capability interface plus a stand-in good enough to exercise the rest
of the pipeline.
*/
package xmldsig

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// ManifestSigner signs an application-deployment-manifest's bytes and
// returns the signed manifest bytes (manifest content with an enveloped
// <Signature> element inserted before the root element's closing tag).
type ManifestSigner interface {
	SignManifest(ctx context.Context, manifest []byte, cert *x509.Certificate, key crypto.Signer) ([]byte, error)
}

// DefaultSigner is the local/dev ManifestSigner stand-in: it computes a
// SHA-256 digest of the manifest bytes, RSA-PKCS1v15-signs that digest,
// and inserts before the root element's closing tag a minimal enveloped
// Signature element carrying the
// base64-encoded digest/signature and the signing certificate. It is not
// a full XML-DSig implementation (no canonicalization transforms), which
// is acceptable for local/dev signing but not for production manifests
// signed against a real XML-dsig verifier.
type DefaultSigner struct{}

// NewDefaultSigner constructs the stand-in signer.
func NewDefaultSigner() *DefaultSigner { return &DefaultSigner{} }

func (s *DefaultSigner) SignManifest(ctx context.Context, manifest []byte, cert *x509.Certificate, key crypto.Signer) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	digest := sha256.Sum256(manifest)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		if _, ok := key.(*rsa.PrivateKey); ok {
			return nil, fmt.Errorf("xmldsig: rsa signing failed: %w", err)
		}
		return nil, fmt.Errorf("xmldsig: signing failed: %w", err)
	}

	sigElem := fmt.Sprintf(
		"<Signature xmlns=\"http://www.w3.org/2000/09/xmldsig#\">"+
			"<SignedInfo><DigestMethod Algorithm=\"sha256\"/><DigestValue>%s</DigestValue></SignedInfo>"+
			"<SignatureValue>%s</SignatureValue>"+
			"<KeyInfo><X509Data><X509Certificate>%s</X509Certificate></X509Data></KeyInfo>"+
			"</Signature>",
		base64.StdEncoding.EncodeToString(digest[:]),
		base64.StdEncoding.EncodeToString(sig),
		base64.StdEncoding.EncodeToString(cert.Raw),
	)

	return insertBeforeRootClose(manifest, []byte(sigElem)), nil
}

// insertBeforeRootClose splices insert immediately before the document's
// final closing tag, so the signature lands inside the root element
// ("enveloped") rather than after it, which would make the manifest
// invalid XML.
func insertBeforeRootClose(doc, insert []byte) []byte {
	idx := bytes.LastIndex(doc, []byte("</"))
	if idx < 0 {
		return append(append([]byte{}, doc...), insert...)
	}
	out := make([]byte, 0, len(doc)+len(insert))
	out = append(out, doc[:idx]...)
	out = append(out, insert...)
	out = append(out, doc[idx:]...)
	return out
}
