// Package keys provides crypto.Signer generation, JWK serialization, RFC
// 7638 thumbprints, and PEM round-tripping for ACME account and certificate
// keys.
//
// Adapted from cpu-acmeshell's acme/keys package: the original only
// supported ECDSA/RSA signers for the shell's manual key commands. This
// version prefers Ed25519 (per spec.md's KeyPair invariant) while keeping
// ECDSA support for CSR signing and for servers that don't yet accept
// Ed25519 account keys.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/cpu/acmecore/acmeerr"
	jose "github.com/go-jose/go-jose/v4"
)

// KeyType names a supported signer algorithm.
type KeyType string

const (
	Ed25519 KeyType = "ed25519"
	ECDSA   KeyType = "ecdsa"
	RSA     KeyType = "rsa"
)

// NewSigner generates a new crypto.Signer of the given type. Ed25519 is the
// preferred default per the data model's KeyPair invariant.
func NewSigner(keyType KeyType) (crypto.Signer, error) {
	switch keyType {
	case "", Ed25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, acmeerr.Wrap(acmeerr.KindCrypto, "generate ed25519 key", err)
		}
		return priv, nil
	case ECDSA:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, acmeerr.Wrap(acmeerr.KindCrypto, "generate ecdsa key", err)
		}
		return priv, nil
	case RSA:
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, acmeerr.Wrap(acmeerr.KindCrypto, "generate rsa key", err)
		}
		return priv, nil
	default:
		return nil, acmeerr.Newf(acmeerr.KindInvalidInput, "unknown key type %q", keyType)
	}
}

func sigAlgForKey(signer crypto.Signer) jose.SignatureAlgorithm {
	switch signer.(type) {
	case ed25519.PrivateKey:
		return jose.EdDSA
	case *ecdsa.PrivateKey:
		return jose.ES256
	case *rsa.PrivateKey:
		return jose.RS256
	}
	return ""
}

func algForKey(signer crypto.Signer) string {
	switch signer.(type) {
	case ed25519.PrivateKey:
		return "OKP"
	case *ecdsa.PrivateKey:
		return "EC"
	case *rsa.PrivateKey:
		return "RSA"
	}
	return "unknown"
}

// JWKForSigner returns the public JWK view of signer, suitable for embedding
// in a JWS or for thumbprint computation.
func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{Key: signer.Public(), Algorithm: algForKey(signer)}
}

// SigningKeyForSigner builds a jose.SigningKey for signer, setting KeyID when
// non-empty (used for "kid"-authenticated JWS rather than embedded-JWK JWS).
func SigningKeyForSigner(signer crypto.Signer, keyID string) jose.SigningKey {
	alg := sigAlgForKey(signer)
	jwk := jose.JSONWebKey{Key: signer, Algorithm: string(alg), KeyID: keyID}
	return jose.SigningKey{Key: jwk, Algorithm: alg}
}

// Thumbprint returns the RFC 7638 base64url (no padding) SHA-256 thumbprint
// of signer's public key. This is the canonical-JSON-over-required-members
// hash described in spec.md's JWK invariant; go-jose implements the RFC
// 7638 canonicalization directly.
func Thumbprint(signer crypto.Signer) (string, error) {
	jwk := JWKForSigner(signer)
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", acmeerr.Wrap(acmeerr.KindCrypto, "compute jwk thumbprint", err)
	}
	return jose.Base64URLEncode(sum), nil
}

// KeyAuthorization computes the ACME key authorization string for a
// challenge token: "token.base64url(thumbprint)".
func KeyAuthorization(signer crypto.Signer, token string) (string, error) {
	thumb, err := Thumbprint(signer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", token, thumb), nil
}

// ToPEM serializes signer to a PEM-encoded PKCS#8 private key block.
func ToPEM(signer crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return "", acmeerr.Wrap(acmeerr.KindCrypto, "marshal private key", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// FromPEM parses a PEM-encoded PKCS#8 private key block produced by ToPEM.
// KeyPair.from_pem(kp.to_pem()) == kp is the round-trip invariant this
// supports (spec.md section 8).
func FromPEM(pemBytes []byte) (crypto.Signer, error) {
	if len(pemBytes) == 0 {
		return nil, acmeerr.New(acmeerr.KindCertificate, "empty PEM input")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, acmeerr.New(acmeerr.KindCrypto, "no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "parse PKCS8 private key", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, acmeerr.New(acmeerr.KindCrypto, "parsed key is not a crypto.Signer")
	}
	return signer, nil
}
