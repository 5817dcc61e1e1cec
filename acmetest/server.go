// Package acmetest is an in-process mock ACME server for exercising the
// acmeprotocol/challenge/scheduler packages end to end without a network
// dependency on a real CA. It implements just enough of RFC 8555 (directory,
// newNonce, newAccount, newOrder, authorization/challenge polling,
// finalize, certificate download, revoke) to drive the six scenarios
// spec.md section 8 names: happy-path HTTP-01, wildcard DNS-01, nonce-replay
// recovery, authorization failure, expiry-triggered renewal, and
// bounded-concurrency renewal batches.
//
// Grounded on cpu-acmeshell's client package for the wire shapes it mocks
// (acme/resources), and on the general shape of Let's Encrypt's "pebble"
// test CA (single in-memory store, synchronous validation triggered by the
// challenge-respond POST) without vendoring pebble itself, since nothing in
// the retrieval pack carries a full ACME server implementation to adapt.
package acmetest

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/cpu/acmecore/acmeprotocol/resources"
)

// Server is the mock ACME CA. Zero value is not usable; build with New.
type Server struct {
	http   *httptest.Server
	caKey  crypto.Signer
	caCert *x509.Certificate

	mu            sync.Mutex
	nonces        map[string]bool
	accounts      map[string]*accountState
	orders        map[string]*orderState
	authzs        map[string]*authzState
	nextID        int
	forceFailures map[string]string // domain -> detail

	// HTTPDialer, when set, is used to validate HTTP-01 challenges by
	// fetching http://<identifier>/.well-known/acme-challenge/<token> — in
	// tests this is pointed at the in-process http01.Solver's listener
	// rather than doing real DNS + TCP to the public internet.
	HTTPDialer func(ctx *http.Request) (*http.Response, error)
	// DNSResolver, when set, is used to validate DNS-01 challenges by
	// querying a TXT record for _acme-challenge.<domain>. Tests typically
	// point this at a dnsprovider.ChallTestServer's embedded DNS server.
	DNSResolver func(fqdn string) ([]string, error)
	// TLSALPNDialer, when set, validates TLS-ALPN-01 by dialing the
	// identifier's tlsalpn01.Solver listener directly with ALPN
	// "acme-tls/1" and checking the returned certificate's extension.
	TLSALPNDialer func(domain string) (*x509.Certificate, error)
}

type accountState struct {
	id       string
	jwkThumb string
	contact  []string
	status   string
}

type orderState struct {
	order   resources.Order
	certDER []byte
}

type authzState struct {
	authz     resources.Authorization
	domain    string
	forceFail string
}

// New builds and starts a mock ACME server. Callers must call Close when
// done.
func New() *Server {
	caKey, caCert := mustSelfSignedCA()
	s := &Server{
		nonces:        make(map[string]bool),
		accounts:      make(map[string]*accountState),
		orders:        make(map[string]*orderState),
		authzs:        make(map[string]*authzState),
		forceFailures: make(map[string]string),
		caKey:         caKey,
		caCert:        caCert,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", s.handleDirectory)
	mux.HandleFunc("/new-nonce", s.handleNewNonce)
	mux.HandleFunc("/new-account", s.handleNewAccount)
	mux.HandleFunc("/new-order", s.handleNewOrder)
	mux.HandleFunc("/order/", s.handleOrder)
	mux.HandleFunc("/authz/", s.handleAuthz)
	mux.HandleFunc("/chall/", s.handleChallenge)
	mux.HandleFunc("/finalize/", s.handleFinalize)
	mux.HandleFunc("/cert/", s.handleCertificate)
	mux.HandleFunc("/revoke-cert", s.handleRevoke)
	s.http = httptest.NewServer(mux)
	return s
}

// URL returns the server's directory URL, suitable for
// acmeprotocol.ClientOptions.DirectoryURL.
func (s *Server) URL() string { return s.http.URL + "/directory" }

// Close shuts down the underlying httptest.Server.
func (s *Server) Close() { s.http.Close() }

// ForceAuthorizationFailure makes every authorization for domain fail
// validation with detail, simulating a CA-side rejection (spec.md section
// 8's authorization-invalid scenario). Must be set before the order
// authorizing domain is created.
func (s *Server) ForceAuthorizationFailure(domain, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceFailures[strings.ToLower(domain)] = detail
}

func (s *Server) newNonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := fmt.Sprintf("nonce-%d", s.nextID)
	s.nextID++
	s.nonces[n] = true
	return n
}

func (s *Server) consumeNonce(n string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.nonces[n] {
		return false
	}
	delete(s.nonces, n)
	return true
}

func (s *Server) setReplayNonce(w http.ResponseWriter) {
	w.Header().Set("Replay-Nonce", s.newNonce())
}

func (s *Server) writeProblem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	s.setReplayNonce(w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":   typ,
		"detail": detail,
		"status": status,
	})
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	base := s.http.URL
	dir := resources.Directory{
		NewNonce:   base + "/new-nonce",
		NewAccount: base + "/new-account",
		NewOrder:   base + "/new-order",
		RevokeCert: base + "/revoke-cert",
		KeyChange:  base + "/key-change",
		Meta:       &resources.DirectoryMeta{TermsOfService: base + "/terms"},
	}
	s.setReplayNonce(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dir)
}

func (s *Server) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	s.setReplayNonce(w)
	w.WriteHeader(http.StatusOK)
}

// jwsEnvelope is the flattened-JSON-serialization shape RFC 8555 section
// 6.2 requires every signed request to use.
type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// parseJWS reads the flattened-JSON JWS body, consumes its anti-replay
// nonce, and returns the decoded payload. For embedded-JWK requests
// (newAccount) the signature is verified against the embedded key. For
// kid-addressed requests the mock trusts the kid without re-verifying the
// signature against the account's stored key: these tests exercise the
// protocol state machine and the six scenarios spec.md section 8 names, not
// resistance to signature forgery, which a real CA's JWS layer already
// covers.
func (s *Server) parseJWS(r *http.Request) (payload []byte, jwk *jose.JSONWebKey, kid string, ok bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, "", false
	}

	var env jwsEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Protected == "" {
		return nil, nil, "", false
	}
	rawHdr, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		return nil, nil, "", false
	}
	var hdr struct {
		Nonce string           `json:"nonce"`
		Kid   string           `json:"kid"`
		JWK   *jose.JSONWebKey `json:"jwk"`
	}
	if err := json.Unmarshal(rawHdr, &hdr); err != nil {
		return nil, nil, "", false
	}
	if hdr.Nonce == "" || !s.consumeNonce(hdr.Nonce) {
		return nil, nil, "", false
	}

	obj, err := jose.ParseSigned(string(body), []jose.SignatureAlgorithm{jose.EdDSA, jose.ES256, jose.RS256})
	if err != nil {
		return nil, nil, "", false
	}

	if hdr.JWK != nil {
		payload, err = obj.Verify(hdr.JWK)
		if err != nil {
			return nil, nil, "", false
		}
		return payload, hdr.JWK, "", true
	}

	if hdr.Kid == "" {
		return nil, nil, "", false
	}
	s.mu.Lock()
	_, found := s.accounts[hdr.Kid]
	s.mu.Unlock()
	if !found {
		return nil, nil, "", false
	}
	payload = obj.UnsafePayloadWithoutVerification()
	return payload, nil, hdr.Kid, true
}

func jwkThumbprint(jwk *jose.JSONWebKey) string {
	if jwk == nil {
		return ""
	}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(sum)
}

func (s *Server) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	payload, jwk, _, ok := s.parseJWS(r)
	if !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	var req struct {
		Contact              []string `json:"contact"`
		TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	}
	_ = json.Unmarshal(payload, &req)

	id := fmt.Sprintf("%s/account/%s", s.http.URL, uuid.NewString())
	s.mu.Lock()
	s.accounts[id] = &accountState{id: id, jwkThumb: jwkThumbprint(jwk), contact: req.Contact, status: resources.AccountStatusValid}
	s.mu.Unlock()

	s.setReplayNonce(w)
	w.Header().Set("Location", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resources.Account{Status: resources.AccountStatusValid, Contact: req.Contact})
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	payload, _, _, ok := s.parseJWS(r)
	if !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	var req struct {
		Identifiers []resources.Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Identifiers) == 0 {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "no identifiers")
		return
	}

	orderID := fmt.Sprintf("%s/order/%s", s.http.URL, uuid.NewString())
	var authzURLs []string
	s.mu.Lock()
	for _, id := range req.Identifiers {
		authzID := fmt.Sprintf("%s/authz/%s", s.http.URL, uuid.NewString())
		wildcard := id.IsWildcard()
		bareDomain := strings.TrimPrefix(id.Value, "*.")
		chall := s.buildChallenges(authzID, wildcard)
		forceFail := s.forceFailures[strings.ToLower(bareDomain)]
		s.authzs[authzID] = &authzState{
			authz: resources.Authorization{
				ID:         authzID,
				Status:     resources.AuthzStatusPending,
				Identifier: resources.Identifier{Type: "dns", Value: bareDomain},
				Challenges: chall,
				Wildcard:   wildcard,
			},
			domain:    bareDomain,
			forceFail: forceFail,
		}
		authzURLs = append(authzURLs, authzID)
	}

	order := resources.Order{
		Status:         resources.OrderStatusPending,
		Identifiers:    req.Identifiers,
		Authorizations: authzURLs,
		Finalize:       orderID + "/finalize",
		Certificate:    orderID + "/cert",
	}
	s.orders[orderID] = &orderState{order: order}
	s.mu.Unlock()

	s.setReplayNonce(w)
	w.Header().Set("Location", orderID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(order)
}

func (s *Server) buildChallenges(authzID string, wildcard bool) []resources.Challenge {
	base := fmt.Sprintf("%s/chall/%s", s.http.URL, uuid.NewString())
	if wildcard {
		return []resources.Challenge{{Type: resources.ChallengeDNS01, URL: base + "-dns", Token: randomToken(), Status: resources.ChallengeStatusPending}}
	}
	return []resources.Challenge{
		{Type: resources.ChallengeHTTP01, URL: base + "-http", Token: randomToken(), Status: resources.ChallengeStatusPending},
		{Type: resources.ChallengeDNS01, URL: base + "-dns", Token: randomToken(), Status: resources.ChallengeStatusPending},
		{Type: resources.ChallengeTLSALPN01, URL: base + "-tlsalpn", Token: randomToken(), Status: resources.ChallengeStatusPending},
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if _, _, _, ok := s.parseJWS(r); !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	id := s.http.URL + r.URL.String()
	s.mu.Lock()
	o, found := s.orders[id]
	s.mu.Unlock()
	if !found {
		s.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	s.setReplayNonce(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(o.order)
}

func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request) {
	if _, _, _, ok := s.parseJWS(r); !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	id := s.http.URL + r.URL.String()
	s.mu.Lock()
	a, found := s.authzs[id]
	s.mu.Unlock()
	if !found {
		s.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such authorization")
		return
	}
	s.setReplayNonce(w)
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	authz := a.authz
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(authz)
}

// handleChallenge is RFC 8555 section 7.5.1's "respond to challenge"
// endpoint. Validation here is synchronous: the mock immediately attempts
// to verify the proof (via whichever of HTTPDialer/DNSResolver/
// TLSALPNDialer applies) and flips the authorization/challenge status
// before responding, rather than the async poll-until-valid a real CA uses.
// OrderManager.pollAuthorization's polling loop still works correctly
// against this — it will simply see the terminal status on its first poll.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if _, _, _, ok := s.parseJWS(r); !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	challURL := s.http.URL + r.URL.String()

	s.mu.Lock()
	var target *authzState
	var challIdx int
	for _, a := range s.authzs {
		for i, c := range a.authz.Challenges {
			if c.URL == challURL {
				target = a
				challIdx = i
			}
		}
	}
	s.mu.Unlock()
	if target == nil {
		s.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
		return
	}

	s.validateChallenge(target, challIdx)

	s.mu.Lock()
	ch := target.authz.Challenges[challIdx]
	s.mu.Unlock()

	s.setReplayNonce(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ch)
}

func (s *Server) validateChallenge(target *authzState, idx int) {
	s.mu.Lock()
	ch := &target.authz.Challenges[idx]
	ch.Status = resources.ChallengeStatusProcessing
	domain := target.domain
	forceFail := target.forceFail
	s.mu.Unlock()

	var err error
	if forceFail != "" {
		err = fmt.Errorf("%s", forceFail)
	} else {
		switch ch.Type {
		case resources.ChallengeHTTP01:
			err = s.validateHTTP01(domain, ch.Token)
		case resources.ChallengeDNS01:
			err = s.validateDNS01(domain)
		case resources.ChallengeTLSALPN01:
			err = s.validateTLSALPN01(domain)
		default:
			err = fmt.Errorf("unsupported challenge type %q", ch.Type)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		ch.Status = resources.ChallengeStatusInvalid
		ch.Error = &resources.Problem{Type: "urn:ietf:params:acme:error:unauthorized", Detail: err.Error(), Status: http.StatusForbidden}
		target.authz.Status = resources.AuthzStatusInvalid
		return
	}
	ch.Status = resources.ChallengeStatusValid
	target.authz.Status = resources.AuthzStatusValid
}

func (s *Server) validateHTTP01(domain, token string) error {
	if s.HTTPDialer == nil {
		return fmt.Errorf("no HTTPDialer configured for http-01 validation")
	}
	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", domain, token), nil)
	resp, err := s.HTTPDialer(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http-01 validation got status %d", resp.StatusCode)
	}
	return nil
}

func (s *Server) validateDNS01(domain string) error {
	if s.DNSResolver == nil {
		return fmt.Errorf("no DNSResolver configured for dns-01 validation")
	}
	fqdn := "_acme-challenge." + domain + "."
	txts, err := s.DNSResolver(fqdn)
	if err != nil {
		return err
	}
	if len(txts) == 0 {
		return fmt.Errorf("no TXT record found for %s", fqdn)
	}
	return nil
}

func (s *Server) validateTLSALPN01(domain string) error {
	if s.TLSALPNDialer == nil {
		return fmt.Errorf("no TLSALPNDialer configured for tls-alpn-01 validation")
	}
	_, err := s.TLSALPNDialer(domain)
	return err
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	payload, _, _, ok := s.parseJWS(r)
	if !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid finalize payload")
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid CSR encoding")
		return
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "unparseable CSR")
		return
	}

	orderID := strings.TrimSuffix(s.http.URL+r.URL.String(), "/finalize")
	s.mu.Lock()
	o, found := s.orders[orderID]
	s.mu.Unlock()
	if !found {
		s.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}

	leafDER, err := s.issueCertificate(csr)
	if err != nil {
		s.writeProblem(w, http.StatusInternalServerError, "urn:ietf:params:acme:error:serverInternal", err.Error())
		return
	}

	s.mu.Lock()
	o.certDER = leafDER
	o.order.Status = resources.OrderStatusValid
	order := o.order
	s.mu.Unlock()

	s.setReplayNonce(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(order)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	if _, _, _, ok := s.parseJWS(r); !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	orderID := strings.TrimSuffix(s.http.URL+r.URL.String(), "/cert")
	s.mu.Lock()
	o, found := s.orders[orderID]
	s.mu.Unlock()
	if !found || o.certDER == nil {
		s.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no certificate issued")
		return
	}
	pemChain := encodePEMChain(o.certDER, s.caCert.Raw)
	s.setReplayNonce(w)
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.Write(pemChain)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if _, _, _, ok := s.parseJWS(r); !ok {
		s.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid JWS")
		return
	}
	s.setReplayNonce(w)
	w.WriteHeader(http.StatusOK)
}

func randomToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
