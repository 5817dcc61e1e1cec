package acmeprotocol

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/keys"
	"github.com/cpu/acmecore/acmeprotocol/resources"
)

// AccountManager implements RFC 8555 section 7.3 account operations:
// register, update, deactivate and key rollover (spec.md section 4.2).
//
// Adapted from cpu-acmeshell's client.CreateAccount and client.Rollover
// (acme/client/resources.go), generalized to retry once transparently on
// badNonce (spec.md section 4.2/7) and to expose Update/Deactivate, which
// the teacher's shell only partially implemented via ad hoc shell commands.
type AccountManager struct {
	dir     *DirectoryCache
	nonces  NonceSource
	tr      *Transport
	signer  crypto.Signer
	kid     string
}

// NewAccountManager builds an AccountManager that signs with signer. kid is
// empty until Register (or RestoreAccount) populates it.
func NewAccountManager(dir *DirectoryCache, nonces NonceSource, tr *Transport, signer crypto.Signer) *AccountManager {
	return &AccountManager{dir: dir, nonces: nonces, tr: tr, signer: signer}
}

// KeyID returns the account URL used as the JWS "kid", or "" before
// Register/SetAccountID has been called.
func (m *AccountManager) KeyID() string { return m.kid }

// SetAccountID restores a previously-created account's server URL, e.g.
// after loading credentials from storage.
func (m *AccountManager) SetAccountID(kid string) { m.kid = kid }

// Signer returns the account's signing key.
func (m *AccountManager) Signer() crypto.Signer { return m.signer }

type newAccountRequest struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
}

// Register creates the account with the ACME server, embedding the account
// JWK in the first request as RFC 8555 section 6.2 requires. On success the
// Location header becomes the account's kid for all subsequent requests.
func (m *AccountManager) Register(ctx context.Context, contacts []string, tosAgreed bool) (*resources.Account, error) {
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return nil, err
	}
	if dir.NewAccount == "" {
		return nil, acmeerr.New(acmeerr.KindAccount, "directory has no newAccount endpoint")
	}

	body, err := json.Marshal(newAccountRequest{Contact: contacts, TermsOfServiceAgreed: tosAgreed})
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindAccount, "marshal register request", err)
	}

	resp, err := m.signAndPostWithRetry(ctx, dir.NewAccount, body, signingOptions{embedKey: true, signer: m.signer})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, acmeerr.WithProblem(acmeerr.KindAccount, "register account failed", ProblemFromResponse(resp))
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, acmeerr.New(acmeerr.KindAccount, "register response missing Location header")
	}
	m.kid = loc

	var acct resources.Account
	if err := json.Unmarshal(resp.Body, &acct); err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindAccount, "parse account response", err)
	}
	acct.ID = loc
	return &acct, nil
}

// Update changes the account's contact list (RFC 8555 section 7.3.2).
func (m *AccountManager) Update(ctx context.Context, contacts []string) (*resources.Account, error) {
	if m.kid == "" {
		return nil, acmeerr.New(acmeerr.KindAccount, "account has not been registered")
	}
	body, err := json.Marshal(struct {
		Contact []string `json:"contact"`
	}{Contact: contacts})
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindAccount, "marshal update request", err)
	}

	resp, err := m.signAndPostWithRetry(ctx, m.kid, body, signingOptions{keyID: m.kid, signer: m.signer})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, acmeerr.WithProblem(acmeerr.KindAccount, "update account failed", ProblemFromResponse(resp))
	}

	var acct resources.Account
	if err := json.Unmarshal(resp.Body, &acct); err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindAccount, "parse account response", err)
	}
	acct.ID = m.kid
	return &acct, nil
}

// Get fetches the current account resource (POST-as-GET, RFC 8555 section
// 7.3.5) without mutating it.
func (m *AccountManager) Get(ctx context.Context) (*resources.Account, error) {
	if m.kid == "" {
		return nil, acmeerr.New(acmeerr.KindAccount, "account has not been registered")
	}
	resp, err := m.signAndPostWithRetry(ctx, m.kid, []byte("{}"), signingOptions{keyID: m.kid, signer: m.signer})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, acmeerr.WithProblem(acmeerr.KindAccount, "get account failed", ProblemFromResponse(resp))
	}
	var acct resources.Account
	if err := json.Unmarshal(resp.Body, &acct); err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindAccount, "parse account response", err)
	}
	acct.ID = m.kid
	return &acct, nil
}

// Deactivate permanently disables the account (RFC 8555 section 7.3.6).
// After this call the account can no longer place orders.
func (m *AccountManager) Deactivate(ctx context.Context) error {
	if m.kid == "" {
		return acmeerr.New(acmeerr.KindAccount, "account has not been registered")
	}
	body, err := json.Marshal(struct {
		Status string `json:"status"`
	}{Status: resources.AccountStatusDeactivated})
	if err != nil {
		return acmeerr.Wrap(acmeerr.KindAccount, "marshal deactivate request", err)
	}

	resp, err := m.signAndPostWithRetry(ctx, m.kid, body, signingOptions{keyID: m.kid, signer: m.signer})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return acmeerr.WithProblem(acmeerr.KindAccount, "deactivate account failed", ProblemFromResponse(resp))
	}
	return nil
}

// RolloverResult records both key thumbprints involved in a rollover, so a
// caller holding a cached copy of the old signer can detect the change.
// Supplements spec.md per original_source's account/key_rollover.rs.
type RolloverResult struct {
	OldThumbprint string
	NewThumbprint string
}

type keyChangeInner struct {
	Account string          `json:"account"`
	OldKey  json.RawMessage `json:"oldKey"`
}

// Rollover replaces the account's authorized key with newKey (RFC 8555
// section 7.3.5). The inner JWS is signed by newKey (embedding its JWK);
// the outer envelope is signed by the current (old) key using kid auth, as
// spec.md section 4.2's table specifies.
func (m *AccountManager) Rollover(ctx context.Context, newKey crypto.Signer) (*RolloverResult, error) {
	if m.kid == "" {
		return nil, acmeerr.New(acmeerr.KindAccount, "account has not been registered")
	}
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return nil, err
	}
	if dir.KeyChange == "" {
		return nil, acmeerr.New(acmeerr.KindAccount, "directory has no keyChange endpoint")
	}

	oldJWK := keys.JWKForSigner(m.signer)
	oldJWKJSON, err := json.Marshal(oldJWK)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindAccount, "marshal old jwk", err)
	}

	inner := keyChangeInner{Account: m.kid, OldKey: oldJWKJSON}
	innerBody, err := json.Marshal(inner)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindAccount, "marshal rollover inner payload", err)
	}

	// The inner JWS carries no nonce (RFC 8555 section 7.3.5 forbids one in
	// the inner protected header); only the outer envelope is nonce-protected.
	innerJWS, err := signInnerRolloverJWS(dir.KeyChange, innerBody, newKey)
	if err != nil {
		return nil, err
	}

	outerResp, err := m.signAndPostWithRetry(ctx, dir.KeyChange, innerJWS, signingOptions{keyID: m.kid, signer: m.signer})
	if err != nil {
		return nil, err
	}
	if outerResp.StatusCode != http.StatusOK {
		return nil, acmeerr.WithProblem(acmeerr.KindAccount, "key rollover failed", ProblemFromResponse(outerResp))
	}

	oldThumb, _ := keys.Thumbprint(m.signer)
	newThumb, err := keys.Thumbprint(newKey)
	if err != nil {
		return nil, err
	}
	m.signer = newKey
	return &RolloverResult{OldThumbprint: oldThumb, NewThumbprint: newThumb}, nil
}

// signAndPostWithRetry signs body and POSTs it to url, fetching a fresh
// nonce each attempt. If the server responds with badNonce, the nonce cache
// is cleared and the operation is retried exactly once more, transparently
// to the caller (spec.md section 4.2/7, scenario 3 in section 8).
func (m *AccountManager) signAndPostWithRetry(ctx context.Context, url string, body []byte, opts signingOptions) (*Response, error) {
	return signAndPostWithRetry(ctx, m.nonces, m.tr, url, body, opts)
}

// signAndPostWithRetry is the shared badNonce-retry helper used by every
// caller that needs to POST a signed JWS (AccountManager and OrderManager
// alike): fetch a nonce, sign, POST, cache the response's Replay-Nonce, and
// if the server says badNonce, clear the cache and retry exactly once more
// (spec.md section 4.2/7, scenario 3 in section 8).
func signAndPostWithRetry(ctx context.Context, nonces NonceSource, tr *Transport, url string, body []byte, opts signingOptions) (*Response, error) {
	const maxBadNonceRetries = 1
	for attempt := 0; ; attempt++ {
		nonce, err := nonces.GetNonce(ctx)
		if err != nil {
			return nil, err
		}
		opts.nonce = nonce

		jws, err := signJWS(url, body, opts)
		if err != nil {
			return nil, err
		}

		resp, err := tr.PostURL(ctx, url, jws)
		if err != nil {
			return nil, err
		}
		nonces.CacheNonce(resp.ReplayNonce())

		problem := ProblemFromResponse(resp)
		if IsBadNonce(problem) && attempt < maxBadNonceRetries {
			nonces.Clear()
			continue
		}
		return resp, nil
	}
}
