package acmeprotocol

import (
	"crypto"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/keys"
)

// ClientOptions configures a Client's wiring.
type ClientOptions struct {
	// DirectoryURL is the ACME server's directory endpoint (e.g. Let's
	// Encrypt's production or staging URL).
	DirectoryURL string
	// AccountKey is the signer to register/authenticate the account with.
	// If nil, a fresh Ed25519 key is generated (spec.md's KeyPair default).
	AccountKey crypto.Signer
	// Transport, if non-nil, is used as-is. Otherwise one is built from
	// TransportOptions.
	Transport *Transport
	// TransportOptions builds the Transport when Transport is nil.
	TransportOptions *TransportOptions
	// NoncePoolMin/Max enable the prefetching NoncePool variant when Max > 0.
	// A zero NoncePoolMax uses the plain on-demand NonceManager.
	NoncePoolMin int
	NoncePoolMax int
}

// Client composes the directory cache, nonce supply, account manager and
// order manager into the single service object spec.md section 11 describes
// ("one Go struct composing the directory cache, nonce manager, account
// manager and order manager in that dependency order"). Grounded on
// cpu-acmeshell's client.Client, which wired the same pieces (minus the
// pluggable nonce pool and order manager split) for its REPL.
type Client struct {
	Directory *DirectoryCache
	Nonces    NonceSource
	Transport *Transport
	Account   *AccountManager
	Orders    *OrderManager
}

// NewClient builds a fully-wired Client from opts.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.DirectoryURL == "" {
		return nil, acmeerr.New(acmeerr.KindConfiguration, "directory URL is required")
	}

	tr := opts.Transport
	if tr == nil {
		var err error
		tr, err = NewTransport(opts.TransportOptions)
		if err != nil {
			return nil, err
		}
	}

	dir := NewDirectoryCache(opts.DirectoryURL, tr)

	// NonceSource lets everything downstream (AccountManager, OrderManager)
	// accept either the plain on-demand NonceManager or the prefetching
	// NoncePool without caring which.
	var nonces NonceSource = NewNonceManager(dir, tr)
	if opts.NoncePoolMax > 0 {
		mgr := nonces.(*NonceManager)
		nonces = NewNoncePool(mgr, opts.NoncePoolMin, opts.NoncePoolMax)
	}

	signer := opts.AccountKey
	if signer == nil {
		var err error
		signer, err = keys.NewSigner(keys.Ed25519)
		if err != nil {
			return nil, err
		}
	}

	account := NewAccountManager(dir, nonces, tr, signer)
	orders := NewOrderManager(dir, nonces, tr, account)

	return &Client{
		Directory: dir,
		Nonces:    nonces,
		Transport: tr,
		Account:   account,
		Orders:    orders,
	}, nil
}
