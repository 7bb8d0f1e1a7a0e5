package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpclient/oidc"
)

func testConf(t *testing.T, verifyEndpoint string) Config {
	t.Helper()
	return Config{
		ListenAddr:           "127.0.0.1:0",
		StorePath:            filepath.Join(t.TempDir(), "store.json"),
		VerificationEndpoint: verifyEndpoint,
		RequestTimeout:       "5s",
		LogLevel:             "off",
	}
}

// noRedirect returns a client that reports redirects instead of following
// them, so each hop of the flow can be inspected.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postForm(t *testing.T, client *http.Client, target string, form url.Values) *http.Response {
	t.Helper()
	resp, err := client.Post(target, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, client *http.Client, target string) *http.Response {
	t.Helper()
	resp, err := client.Get(target)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, client *http.Client, target string) string {
	t.Helper()
	resp := get(t, client, target)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestApp_EndToEnd(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	tp := oidc.StartTestProvider(t)
	tp.SetExpectedAuthCode("xyz")
	tp.SetClientCreds("c1", "s1")
	tp.SetTokenReply(oidc.Document{"access_token": "t1", "vp_token": "vp1"})

	tv := oidc.StartTestVerifier(t)
	tv.SetReply(http.StatusOK, oidc.Document{"verified": true})

	conf := testConf(t, tv.Addr())
	app, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	ts := httptest.NewServer(app.Routes())
	t.Cleanup(ts.Close)
	client := noRedirect()

	redirectURI := ts.URL + "/callback"
	tp.SetAllowedRedirectURIs([]string{redirectURI})

	// configure the client, field by field via the form
	resp := postForm(t, client, ts.URL+"/client", url.Values{
		"authority":     {tp.Addr()},
		"client_id":     {"c1"},
		"client_secret": {"s1"},
		"redirect_uri":  {redirectURI},
		"scope":         {"openid  profile "},
	})
	require.Equal(http.StatusSeeOther, resp.StatusCode)

	// Grant Access: the app persists the configuration and sends the
	// browser to the provider
	resp = postForm(t, client, ts.URL+"/authorize", nil)
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	authURL := resp.Header.Get("Location")
	u, err := url.Parse(authURL)
	require.NoError(err)
	assert.Equal("/auth", u.Path)
	q := u.Query()
	assert.Len(q, 4)
	assert.Equal("c1", q.Get("client_id"))
	assert.Equal("openid profile", q.Get("scope"))
	assert.Equal("code", q.Get("response_type"))
	assert.Equal(redirectURI, q.Get("redirect_uri"))

	// the durable replica holds the normalized configuration
	raw, err := os.ReadFile(conf.StorePath)
	require.NoError(err)
	assert.Contains(string(raw), `openid profile`)

	// the provider authenticates the user and redirects back with a code
	resp = get(t, client, authURL)
	require.Equal(http.StatusFound, resp.StatusCode)
	callbackURL := resp.Header.Get("Location")
	assert.Contains(callbackURL, "code=xyz")

	// the callback exchanges the code
	resp = get(t, client, callbackURL)
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	require.Equal(1, tp.TokenRequestCount("xyz"))

	page := body(t, client, ts.URL+"/")
	assert.Contains(page, "token-obtained")
	assert.Contains(page, "t1")
	assert.Contains(page, "vp1")

	// a duplicate delivery of the same redirect is inert
	resp = get(t, client, callbackURL)
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	assert.Equal(1, tp.TokenRequestCount("xyz"))

	// verify the presentation
	resp = postForm(t, client, ts.URL+"/verify", nil)
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	assert.Equal([]string{"vp1"}, tv.ProofsSeen())

	page = body(t, client, ts.URL+"/")
	assert.Contains(page, "verified")

	// logout drops the session and hands the browser to the provider
	resp = get(t, client, ts.URL+"/logout")
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	assert.Equal(tp.Addr()+"/remove-session", resp.Header.Get("Location"))

	page = body(t, client, ts.URL+"/")
	assert.Contains(page, "idle")
	assert.NotContains(page, "t1")
}

func TestApp_AuthorizeRequiresCompleteConfig(t *testing.T) {
	require := require.New(t)

	conf := testConf(t, DefaultVerificationEndpoint)
	app, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	ts := httptest.NewServer(app.Routes())
	t.Cleanup(ts.Close)
	client := noRedirect()

	// nothing configured: Grant Access must not redirect to the provider
	resp := postForm(t, client, ts.URL+"/authorize", nil)
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	require.Equal("/", resp.Header.Get("Location"))

	// and nothing was persisted
	_, err = os.Stat(conf.StorePath)
	require.True(os.IsNotExist(err))
}

func TestApp_CallbackWithoutCode(t *testing.T) {
	require := require.New(t)

	conf := testConf(t, DefaultVerificationEndpoint)
	app, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	ts := httptest.NewServer(app.Routes())
	t.Cleanup(ts.Close)
	client := noRedirect()

	// a fresh visit to the redirect URI is just a redirect home
	resp := get(t, client, ts.URL+"/callback")
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	require.Equal("/", resp.Header.Get("Location"))
	require.Equal(oidc.StateIdle, app.flow.State())
}

func TestApp_VerifyRequiresVPToken(t *testing.T) {
	require := require.New(t)

	tv := oidc.StartTestVerifier(t)
	conf := testConf(t, tv.Addr())
	app, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	ts := httptest.NewServer(app.Routes())
	t.Cleanup(ts.Close)
	client := noRedirect()

	// no token response held: the verifier must not be called
	resp := postForm(t, client, ts.URL+"/verify", nil)
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	require.Empty(tv.ProofsSeen())
	require.Equal(oidc.VerifyNotAttempted, app.verifier.State())
}

func TestApp_RestoresConfigAcrossRestart(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	tp := oidc.StartTestProvider(t)
	tp.SetExpectedAuthCode("xyz")

	conf := testConf(t, DefaultVerificationEndpoint)
	app1, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	ts := httptest.NewServer(app1.Routes())
	client := noRedirect()

	postForm(t, client, ts.URL+"/client", url.Values{
		"authority":     {tp.Addr()},
		"client_id":     {"c1"},
		"client_secret": {"s1"},
		"redirect_uri":  {"https://app/cb"},
		"scope":         {"openid  profile "},
	})
	resp := postForm(t, client, ts.URL+"/authorize", nil)
	require.Equal(http.StatusSeeOther, resp.StatusCode)
	ts.Close()

	// the redirect tore the app down; a fresh instance restores the
	// persisted configuration
	app2, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	assert.Equal(tp.Addr(), app2.client.Authority)
	assert.Equal("c1", app2.client.ClientID)
	assert.Equal(oidc.ClientSecret("s1"), app2.client.ClientSecret)
	assert.Equal("https://app/cb", app2.client.RedirectURI)
	assert.Equal("openid profile", app2.client.Scope)
}

func TestApp_CorruptStoreFallsBackToDefaults(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	conf := testConf(t, DefaultVerificationEndpoint)
	require.NoError(os.WriteFile(conf.StorePath, []byte("{definitely not json"), 0o600))

	app, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	assert.Equal(oidc.DefaultConfig(), app.client)
}

func TestApp_ButtonsDisabledWhilePending(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	conf := testConf(t, DefaultVerificationEndpoint)
	app, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)

	render := func(data viewData) string {
		var sb strings.Builder
		require.NoError(app.tmpl.Execute(&sb, data))
		return sb.String()
	}

	client := oidc.DefaultConfig()
	client.ClientID = "c1"
	client.ClientSecret = "s1"
	client.RedirectURI = "https://app/cb"

	// ready and idle: both triggers are live
	page := render(viewData{Client: client, AuthReady: true, FlowState: oidc.StateIdle, HasVPToken: true})
	assert.NotContains(page, "disabled>Grant Access")
	assert.NotContains(page, "disabled>Verify")

	// a pending exchange keeps Grant Access disabled
	page = render(viewData{Client: client, AuthReady: true, FlowState: oidc.StateExchanging, Exchanging: true, HasVPToken: true})
	assert.Contains(page, "disabled>Grant Access")

	// a pending verification keeps Verify disabled
	page = render(viewData{Client: client, AuthReady: true, HasVPToken: true, VerifyState: oidc.Verifying, Verifying: true})
	assert.Contains(page, "disabled>Verify")
}

func TestApp_VerifierEndpointIsSessionScoped(t *testing.T) {
	assert, require := assert.New(t), require.New(t)

	conf := testConf(t, DefaultVerificationEndpoint)
	app1, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	ts := httptest.NewServer(app1.Routes())
	client := noRedirect()

	postForm(t, client, ts.URL+"/verifier", url.Values{"endpoint": {"https://other.example/verify"}})
	app1.mu.Lock()
	assert.Equal("https://other.example/verify", app1.verifyEndpoint)
	app1.mu.Unlock()
	ts.Close()

	// not persisted: a fresh instance starts from the configured default
	app2, err := NewApp(conf, hclog.NewNullLogger())
	require.NoError(err)
	assert.Equal(DefaultVerificationEndpoint, app2.verifyEndpoint)
}
