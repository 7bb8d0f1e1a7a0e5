package oidc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestProvider is a local server implementing just enough of the identity
// provider contract ({authority}/auth, {authority}/token,
// {authority}/remove-session) to make writing tests easy.  Its shape
// follows hashicorp/cap's TestProvider, minus everything JWT: this
// provider's token reply is an arbitrary JSON object, exactly as the
// clients of this package treat it.
type TestProvider struct {
	httpServer *httptest.Server

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	expectedAuthCode    string
	allowedRedirectURIs []string
	tokenReply          Document
	tokenErrorCode      int
	tokenRequests       map[string]int
	logoutRequests      int

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider.  It's stopped via
// t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	p := &TestProvider{
		t:             t,
		tokenReply:    Document{"access_token": "test-access-token"},
		tokenRequests: map[string]int{},
	}
	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the provider's base URL, suitable as a Config authority.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() { p.httpServer.Close() }

// SetClientCreds configures the client credentials the token endpoint
// requires.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the code returned from /auth and the only
// code /token will accept.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetAllowedRedirectURIs configures the redirect URIs the provider accepts.
// When unset any redirect URI is allowed.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetTokenReply configures the JSON object /token replies with.
func (p *TestProvider) SetTokenReply(reply Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenReply = reply
}

// SetTokenError makes /token reply with the given non-2xx status.
func (p *TestProvider) SetTokenError(statusCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrorCode = statusCode
}

// TokenRequestCount reports how many exchange requests the provider has
// seen for the given code.
func (p *TestProvider) TokenRequestCount(code string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests[code]
}

// LogoutRequestCount reports how many /remove-session requests were made.
func (p *TestProvider) LogoutRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logoutRequests
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.Helper()
	require := require.New(p.t)

	switch req.URL.Path {
	case "/auth":
		require.Equal(http.MethodGet, req.Method)
		qv := req.URL.Query()
		if qv.Get("response_type") != "code" {
			http.Error(w, "unsupported_response_type", http.StatusBadRequest)
			return
		}
		redirectURI := qv.Get("redirect_uri")
		if redirectURI == "" {
			http.Error(w, "invalid_request", http.StatusBadRequest)
			return
		}
		if p.expectedAuthCode == "" {
			http.Error(w, "access_denied", http.StatusUnauthorized)
			return
		}
		http.Redirect(w, req, redirectURI+"?code="+url.QueryEscape(p.expectedAuthCode), http.StatusFound)

	case "/token":
		require.Equal(http.MethodPost, req.Method)
		require.NoError(req.ParseForm())

		code := req.FormValue("code")
		p.tokenRequests[code]++

		w.Header().Set("Content-Type", "application/json")
		switch {
		case p.tokenErrorCode != 0:
			w.WriteHeader(p.tokenErrorCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		case req.FormValue("grant_type") != "authorization_code":
			p.writeTokenError(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
		case p.clientID != "" && req.FormValue("client_id") != p.clientID:
			p.writeTokenError(w, http.StatusUnauthorized, "invalid_client", "unexpected client_id")
		case p.clientSecret != "" && req.FormValue("client_secret") != p.clientSecret:
			p.writeTokenError(w, http.StatusUnauthorized, "invalid_client", "unexpected client_secret")
		case len(p.allowedRedirectURIs) > 0 && !strContains(p.allowedRedirectURIs, req.FormValue("redirect_uri")):
			p.writeTokenError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
		case code != p.expectedAuthCode || p.tokenRequests[code] > 1:
			// single use: a second exchange of the same code is a
			// provider-side rejection
			p.writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
		default:
			_ = json.NewEncoder(w).Encode(p.tokenReply)
		}

	case "/remove-session":
		require.Equal(http.MethodGet, req.Method)
		p.logoutRequests++
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) writeTokenError(w http.ResponseWriter, statusCode int, errorCode, desc string) {
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": desc,
	})
}

// TestVerifier is a local server standing in for the verification service:
// one POST endpoint accepting {"proofs": ...} and replying with JSON.
type TestVerifier struct {
	httpServer *httptest.Server

	mu         sync.Mutex
	reply      Document
	statusCode int
	proofsSeen []string

	t *testing.T
}

// StartTestVerifier creates a disposable TestVerifier.  It's stopped via
// t.Cleanup.
func StartTestVerifier(t *testing.T) *TestVerifier {
	t.Helper()
	v := &TestVerifier{
		t:          t,
		reply:      Document{"verified": true},
		statusCode: http.StatusOK,
	}
	v.httpServer = httptest.NewServer(v)
	t.Cleanup(v.httpServer.Close)
	return v
}

// Addr returns the verifier's endpoint URL.
func (v *TestVerifier) Addr() string { return v.httpServer.URL }

// Stop stops the running TestVerifier.
func (v *TestVerifier) Stop() { v.httpServer.Close() }

// SetReply configures the JSON object and status the verifier replies with.
func (v *TestVerifier) SetReply(statusCode int, reply Document) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statusCode = statusCode
	v.reply = reply
}

// ProofsSeen returns the proofs values received so far, in order.
func (v *TestVerifier) ProofsSeen() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.proofsSeen...)
}

// ServeHTTP implements the test verifier's http.Handler.
func (v *TestVerifier) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.t.Helper()
	require := require.New(v.t)

	require.Equal(http.MethodPost, req.Method)
	require.Equal("application/json", req.Header.Get("Content-Type"))

	var body struct {
		Proofs string `json:"proofs"`
	}
	require.NoError(json.NewDecoder(req.Body).Decode(&body))
	v.proofsSeen = append(v.proofsSeen, body.Proofs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(v.statusCode)
	_ = json.NewEncoder(w).Encode(v.reply)
}

func strContains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
