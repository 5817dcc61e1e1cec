// Package tlsalpn01 implements the TLS-ALPN-01 ChallengeSolver (RFC 8737):
// a TLS listener on port 443 that, when the ClientHello negotiates the
// "acme-tls/1" protocol, presents a self-signed certificate whose SAN
// matches the identifier and which carries the critical
// id-pe-acmeIdentifier extension containing the SHA-256 digest of the key
// authorization.
package tlsalpn01

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/resources"
)

const acmeTLS1Protocol = "acme-tls/1"

// idPeACMEIdentifier is the OID for the acmeIdentifier X.509 extension
// (RFC 8737 section 3).
var idPeACMEIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// Solver serves the TLS-ALPN-01 challenge. Like the http01 and dns01
// solvers, one instance is shared across every concurrently prepared
// challenge of this type; Prepare/Cleanup track certificates by SNI name so
// multiple domains can be in flight at once against a single listener.
type Solver struct {
	addr string

	mu       sync.Mutex
	certs    map[string]*tls.Certificate // keyed by SNI name
	listener net.Listener
}

// NewSolver builds a TLS-ALPN-01 Solver listening on addr (e.g. ":443").
func NewSolver(addr string) *Solver {
	if addr == "" {
		addr = ":443"
	}
	return &Solver{addr: addr, certs: make(map[string]*tls.Certificate)}
}

func (s *Solver) Type() string { return resources.ChallengeTLSALPN01 }

func (s *Solver) Prepare(_ context.Context, identifier resources.Identifier, _ resources.Challenge, keyAuthorization string) error {
	cert, err := buildChallengeCertificate(identifier.Value, keyAuthorization)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[identifier.Value] = cert

	if s.listener == nil {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			return acmeerr.Wrap(acmeerr.KindChallenge, fmt.Sprintf("listen on %s for tls-alpn-01", s.addr), err)
		}
		s.listener = ln
		tlsConfig := &tls.Config{
			NextProtos:     []string{acmeTLS1Protocol},
			GetCertificate: s.getCertificate,
		}
		go s.serve(tls.NewListener(ln, tlsConfig))
	}
	return nil
}

func (s *Solver) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[hello.ServerName]
	if !ok {
		return nil, fmt.Errorf("tlsalpn01: no challenge certificate for %q", hello.ServerName)
	}
	return cert, nil
}

func (s *Solver) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			tlsConn, ok := c.(*tls.Conn)
			if !ok {
				return
			}
			// The handshake alone is the proof; no application data is ever
			// exchanged per RFC 8737 section 3.
			_ = tlsConn.Handshake()
		}(conn)
	}
}

// Present is a no-op: the listener started in Prepare already answers
// handshakes for every certificate currently registered.
func (s *Solver) Present(_ context.Context) error { return nil }

// Verify is a no-op: there is no meaningful local self-check beyond what
// the listener already guarantees (it will only present this certificate
// for this SNI name).
func (s *Solver) Verify(_ context.Context) error { return nil }

// Cleanup removes every certificate Prepare registered. The listener is
// left running (ClientHellos for unknown names fail getCertificate, which
// is the desired steady state) until the caller explicitly stops the
// Solver via Shutdown, since Cleanup alone has no way to know whether other
// concurrent challenges still need the listener kept fully alive.
func (s *Solver) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.certs {
		delete(s.certs, name)
	}
	return nil
}

// Shutdown stops the listener entirely. Call once no more TLS-ALPN-01
// challenges are expected.
func (s *Solver) Shutdown() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func buildChallengeCertificate(domain, keyAuthorization string) (*tls.Certificate, error) {
	digest := sha256.Sum256([]byte(keyAuthorization))
	extValue, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "marshal acmeIdentifier extension", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "generate tls-alpn-01 certificate key", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: idPeACMEIdentifier, Critical: true, Value: extValue},
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "create tls-alpn-01 certificate", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
