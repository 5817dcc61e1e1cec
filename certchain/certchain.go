// Package certchain parses issued certificate chains, extracts identity
// metadata, and performs OCSP queries (spec.md section 4.8). Grounded on
// caddyserver-caddy's stapleOCSP (caddytls/crypto.go), which builds the
// request from a PEM bundle, queries the responder named in the leaf's AIA
// extension, and checks the response status — generalized here into a
// reusable Chain type rather than one staple-to-a-cache-file function.
package certchain

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/cpu/acmecore/acmeerr"
)

// Chain is a parsed PEM certificate chain: the leaf being served plus any
// intermediates the CA included.
type Chain struct {
	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate
	raw           []byte
}

// Parse decodes a PEM-encoded certificate chain as returned by the ACME
// certificate download endpoint (RFC 8555 section 7.4.2): the leaf first,
// followed by zero or more intermediates.
func Parse(chainPEM []byte) (*Chain, error) {
	var certs []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, acmeerr.Wrap(acmeerr.KindCertificate, "parse certificate in chain", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, acmeerr.New(acmeerr.KindCertificate, "no certificates found in PEM chain")
	}
	return &Chain{Leaf: certs[0], Intermediates: certs[1:], raw: chainPEM}, nil
}

// CommonName returns the leaf's subject common name.
func (c *Chain) CommonName() string { return c.Leaf.Subject.CommonName }

// SANs returns the leaf's DNS subject alternative names.
func (c *Chain) SANs() []string { return c.Leaf.DNSNames }

// CoversDomains reports whether every domain in want is present in the
// leaf's SAN list (case-insensitively), the check spec.md section 4.3
// requires after finalize ("verify SAN coverage").
func (c *Chain) CoversDomains(want []string) bool {
	have := make(map[string]bool, len(c.Leaf.DNSNames))
	for _, n := range c.Leaf.DNSNames {
		have[normalizeHost(n)] = true
	}
	for _, w := range want {
		if !have[normalizeHost(w)] {
			return false
		}
	}
	return true
}

func normalizeHost(h string) string {
	out := make([]byte, len(h))
	for i := 0; i < len(h); i++ {
		c := h[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// MustStaple reports whether the leaf carries the TLS Feature extension
// (RFC 7633) requesting OCSP must-staple.
func (c *Chain) MustStaple() bool {
	const tlsFeatureOID = "1.3.6.1.5.5.7.1.24"
	for _, ext := range c.Leaf.Extensions {
		if ext.Id.String() == tlsFeatureOID {
			return true
		}
	}
	return false
}

// NotAfter returns the leaf's expiry, used by the renewal scheduler's
// expiry-driven scan (spec.md section 4.7).
func (c *Chain) NotAfter() time.Time { return c.Leaf.NotAfter }

// OCSPStatus is the outcome of a single OCSP query.
type OCSPStatus int

const (
	OCSPUnknown OCSPStatus = iota
	OCSPGood
	OCSPRevoked
)

// QueryOCSP sends an OCSP request for the leaf to its issuer's responder
// (taken from the leaf's AuthorityInfoAccess extension), using issuer as
// the signing CA of leaf (the first intermediate, ordinarily). A revoked
// response is a hard failure; an OCSP query that cannot be completed at
// all (no responder URL, network error, malformed response) is a soft
// failure reported as OCSPUnknown rather than an error, per spec.md
// section 4.8's "revoked is fatal, unknown is a warning" distinction.
func (c *Chain) QueryOCSP(ctx context.Context, client *http.Client) (OCSPStatus, error) {
	if len(c.Leaf.OCSPServer) == 0 {
		return OCSPUnknown, nil
	}
	if len(c.Intermediates) == 0 {
		return OCSPUnknown, nil
	}
	issuer := c.Intermediates[0]

	reqDER, err := ocsp.CreateRequest(c.Leaf, issuer, nil)
	if err != nil {
		return OCSPUnknown, acmeerr.Wrap(acmeerr.KindCertificate, "build OCSP request", err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Leaf.OCSPServer[0], bytes.NewReader(reqDER))
	if err != nil {
		return OCSPUnknown, acmeerr.Wrap(acmeerr.KindCertificate, "build OCSP HTTP request", err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return OCSPUnknown, nil // unreachable responder is a soft failure
	}
	defer httpResp.Body.Close()

	respDER, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return OCSPUnknown, nil // truncated response, treat as unknown
	}

	resp, err := ocsp.ParseResponse(respDER, issuer)
	if err != nil {
		return OCSPUnknown, nil // malformed response, treat as unknown
	}

	switch resp.Status {
	case ocsp.Good:
		return OCSPGood, nil
	case ocsp.Revoked:
		return OCSPRevoked, nil
	default:
		return OCSPUnknown, nil
	}
}

// Verify performs the shallow check: the chain parses, its leaf covers
// domains, and every certificate in the chain (leaf and intermediates) is
// within its validity window. VerifyDeep additionally queries OCSP.
func (c *Chain) Verify(domains []string) error {
	if !c.CoversDomains(domains) {
		return acmeerr.Newf(acmeerr.KindCertificate, "certificate does not cover all requested domains %v", domains)
	}
	now := time.Now()
	if err := checkValidityWindow(c.Leaf, now); err != nil {
		return err
	}
	for _, intermediate := range c.Intermediates {
		if err := checkValidityWindow(intermediate, now); err != nil {
			return err
		}
	}
	return nil
}

func checkValidityWindow(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return acmeerr.Newf(acmeerr.KindCertificate, "certificate %q is not valid until %s", cert.Subject.CommonName, cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return acmeerr.Newf(acmeerr.KindCertificate, "certificate %q expired at %s", cert.Subject.CommonName, cert.NotAfter)
	}
	return nil
}

// VerifyDeep runs Verify and additionally fails hard if OCSP reports the
// certificate revoked. An OCSPUnknown result is logged-worthy but not
// fatal, matching spec.md section 4.8.
func (c *Chain) VerifyDeep(ctx context.Context, domains []string, client *http.Client) (OCSPStatus, error) {
	if err := c.Verify(domains); err != nil {
		return OCSPUnknown, err
	}
	status, err := c.QueryOCSP(ctx, client)
	if err != nil {
		return status, err
	}
	if status == OCSPRevoked {
		return status, acmeerr.New(acmeerr.KindCertificate, "certificate is revoked per OCSP")
	}
	return status, nil
}
