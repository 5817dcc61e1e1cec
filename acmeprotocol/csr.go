package acmeprotocol

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"

	"github.com/cpu/acmecore/acmeerr"
)

// BuildCSR produces a DER-encoded PKCS#10 certificate signing request
// covering every name in domains, signed by key. Adapted from
// cpu-acmeshell's client.CSR (acme/client/csr.go): the teacher supported an
// explicit common name and a named key lookup for interactive use; this
// version always uses the first domain as the common name (matching
// RFC 8555 section 7.4's expectation that the CSR's SANs match the order's
// identifiers exactly) since there is no interactive key registry here.
func BuildCSR(key crypto.Signer, domains []string) ([]byte, error) {
	if len(domains) == 0 {
		return nil, acmeerr.New(acmeerr.KindInvalidInput, "no domains specified for CSR")
	}
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "create certificate signing request", err)
	}
	return der, nil
}

// base64urlCSR returns the unpadded base64url encoding of a DER CSR, as
// required by the finalize request's "csr" field (RFC 8555 section 7.4).
func base64urlCSR(der []byte) string {
	return base64.RawURLEncoding.EncodeToString(der)
}
