package acmeprotocol

import (
	"crypto"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/keys"
	jose "github.com/go-jose/go-jose/v4"
)

// signingOptions controls how a JWS request body is produced. Adapted from
// cpu-acmeshell's client.SigningOptions: EmbedKey is mutually exclusive with
// KeyID, exactly as RFC 8555 section 6.2 requires (the first request that
// creates an account must embed "jwk"; every request after uses "kid").
type signingOptions struct {
	embedKey bool
	keyID    string
	signer   crypto.Signer
	nonce    string
}

func (o signingOptions) validate() error {
	if o.keyID != "" && o.embedKey {
		return acmeerr.New(acmeerr.KindInvalidInput, "cannot specify both keyID and embedKey")
	}
	if o.keyID == "" && !o.embedKey {
		return acmeerr.New(acmeerr.KindInvalidInput, "must specify a keyID or embedKey")
	}
	if o.signer == nil {
		return acmeerr.New(acmeerr.KindInvalidInput, "must specify a signer")
	}
	if o.nonce == "" {
		return acmeerr.New(acmeerr.KindInvalidInput, "must specify a nonce")
	}
	return nil
}

// staticNonceSource hands a single pre-acquired nonce to go-jose. Nonces in
// this module are acquired explicitly from the Nonce Manager before signing
// (section 4.1), not lazily pulled by go-jose itself, so this adapter is a
// one-shot jose.NonceSource.
type staticNonceSource string

func (s staticNonceSource) Nonce() (string, error) { return string(s), nil }

// signJWS produces a flattened-JSON-serialized JWS for data, addressed to
// url, per RFC 8555 section 6.2. Ported from cpu-acmeshell's
// client/jws.go Sign/signEmbedded/signKeyID/sign helpers, collapsed into one
// function since this module has no REPL-facing SignResult to populate.
func signJWS(url string, data []byte, opts signingOptions) ([]byte, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var signingKey jose.SigningKey
	if opts.embedKey {
		signingKey = keys.SigningKeyForSigner(opts.signer, "")
	} else {
		signingKey = keys.SigningKeyForSigner(opts.signer, opts.keyID)
	}

	joseOpts := &jose.SignerOptions{
		NonceSource: staticNonceSource(opts.nonce),
		EmbedJWK:    opts.embedKey,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "construct jws signer", err)
	}

	signed, err := signer.Sign(data)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "sign jws payload", err)
	}

	return []byte(signed.FullSerialize()), nil
}

// signInnerRolloverJWS signs the inner payload of a key-rollover request
// (RFC 8555 section 7.3.5): signed by the new key, embedding its JWK, and
// carrying no nonce (nonces are a property of the outer envelope only).
func signInnerRolloverJWS(url string, data []byte, newKey crypto.Signer) ([]byte, error) {
	signingKey := keys.SigningKeyForSigner(newKey, "")
	joseOpts := &jose.SignerOptions{
		EmbedJWK: true,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}
	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "construct inner rollover signer", err)
	}
	signed, err := signer.Sign(data)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "sign inner rollover payload", err)
	}
	return []byte(signed.FullSerialize()), nil
}
