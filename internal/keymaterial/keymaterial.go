/*
Package keymaterial defines the certificate and private-key capability
interfaces the signing core consumes (spec §6), plus a file-backed
local/dev stand-in implementation. The real enterprise
certificate/HSM-backed provider is explicitly out of scope (spec
Non-goals); only the capability interface and a PEM/PKCS#7 file reader
good enough for local signing and tests are provided here, grounded on
apksigner.go's loadCertAndKey-style PKCS#8 key + PEM/PKCS#7 certificate
loading.
*/
package keymaterial

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"go.mozilla.org/pkcs7"
)

// CertificateProvider supplies the signing certificate (and its chain).
type CertificateProvider interface {
	// Certificate returns the leaf signing certificate.
	Certificate() (*x509.Certificate, error)
	// Chain returns the full certificate chain, leaf first.
	Chain() ([]*x509.Certificate, error)
}

// KeyProvider supplies the RSA private key paired with the signing
// certificate.
type KeyProvider interface {
	PrivateKey() (*rsa.PrivateKey, error)
}

// Provider implements both CertificateProvider and KeyProvider.
type Provider interface {
	CertificateProvider
	KeyProvider
}

// FileProvider reads a certificate (PEM or PKCS#7) and a PKCS#8 private
// key from local files. This is the local/dev stand-in; production
// deployments are expected to supply their own Provider backed by an HSM
// or a signing service (spec Non-goals).
type FileProvider struct {
	CertFile string
	KeyFile  string

	cert  *x509.Certificate
	chain []*x509.Certificate
	key   *rsa.PrivateKey
}

// NewFileProvider constructs a FileProvider bound to the given cert/key
// paths. Files are read lazily on first use.
func NewFileProvider(certFile, keyFile string) *FileProvider {
	return &FileProvider{CertFile: certFile, KeyFile: keyFile}
}

func (p *FileProvider) load() error {
	if p.cert != nil {
		return nil
	}
	raw, err := os.ReadFile(p.CertFile)
	if err != nil {
		return fmt.Errorf("keymaterial: failed to read certificate file: %w", err)
	}

	cert, chain, err := parseCertificate(raw)
	if err != nil {
		return fmt.Errorf("keymaterial: failed to parse certificate: %w", err)
	}
	p.cert = cert
	p.chain = chain

	if p.KeyFile != "" {
		keyRaw, err := os.ReadFile(p.KeyFile)
		if err != nil {
			return fmt.Errorf("keymaterial: failed to read key file: %w", err)
		}
		key, err := parseRSAKey(keyRaw)
		if err != nil {
			return fmt.Errorf("keymaterial: failed to parse private key: %w", err)
		}
		p.key = key
	}
	return nil
}

// Certificate returns the leaf signing certificate.
func (p *FileProvider) Certificate() (*x509.Certificate, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	return p.cert, nil
}

// Chain returns the full certificate chain, leaf first.
func (p *FileProvider) Chain() ([]*x509.Certificate, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	return p.chain, nil
}

// PrivateKey returns the RSA private key.
func (p *FileProvider) PrivateKey() (*rsa.PrivateKey, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	if p.key == nil {
		return nil, fmt.Errorf("keymaterial: no key file configured")
	}
	return p.key, nil
}

// parseCertificate accepts either a PEM-encoded X.509 certificate (one or
// more CERTIFICATE blocks, leaf first) or a DER/PEM PKCS#7 SignedData
// blob carrying the certificate chain, the way apksigner's loadCertAndKey
// and PKCS7-wrapped .p7b files both show up in the wild for code-signing
// certs.
func parseCertificate(raw []byte) (leaf *x509.Certificate, chain []*x509.Certificate, err error) {
	if block, _ := pem.Decode(raw); block != nil {
		var certs []*x509.Certificate
		rest := raw
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, err
			}
			certs = append(certs, c)
		}
		if len(certs) > 0 {
			return certs[0], certs, nil
		}
	}

	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("not a PEM certificate or PKCS#7 blob: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, nil, fmt.Errorf("PKCS#7 blob carries no certificates")
	}
	return p7.Certificates[0], p7.Certificates, nil
}

func parseRSAKey(raw []byte) (*rsa.PrivateKey, error) {
	block := raw
	if pemBlock, _ := pem.Decode(raw); pemBlock != nil {
		block = pemBlock.Bytes
	}

	if key, err := x509.ParsePKCS8PrivateKey(block); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("key is not an RSA key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognized private key encoding")
}

// SubjectDN renders a certificate's subject distinguished name in
// RFC 2253 string form, most-specific component first, for the
// publisher-fallback path (spec §4.5.1 step 7: PublisherName defaults to
// the certificate's subject DN when options.PublisherName is unset).
func SubjectDN(cert *x509.Certificate) string {
	return rfc2253(cert.Subject)
}

// Signer adapts the provider's key/certificate to the standard
// crypto.Signer interface, for handing to xmldsig/PKCS7 signing code
// that only needs the private key operation.
func (p *FileProvider) Signer() (crypto.Signer, error) {
	return p.PrivateKey()
}

func rfc2253(name pkix.Name) string {
	// RFC 2253 string order is most-specific component first.
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for i := len(name.OrganizationalUnit) - 1; i >= 0; i-- {
		parts = append(parts, "OU="+name.OrganizationalUnit[i])
	}
	for i := len(name.Organization) - 1; i >= 0; i-- {
		parts = append(parts, "O="+name.Organization[i])
	}
	for i := len(name.Locality) - 1; i >= 0; i-- {
		parts = append(parts, "L="+name.Locality[i])
	}
	for i := len(name.Province) - 1; i >= 0; i-- {
		parts = append(parts, "ST="+name.Province[i])
	}
	for i := len(name.Country) - 1; i >= 0; i-- {
		parts = append(parts, "C="+name.Country[i])
	}
	return strings.Join(parts, ", ")
}
