package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"

	"vpclient/oidc"
	"vpclient/store"
)

// clientFields are the configuration fields the form may update, by their
// json names.
var clientFields = []string{
	"authority",
	"client_id",
	"client_secret",
	"redirect_uri",
	"scope",
	"response_type",
}

// App is the relying-party application: one in-memory session wrapped
// around the protocol core.  The client configuration is the only state
// with a durable replica; the token response, the verification result and
// the verification endpoint live and die with the session.
type App struct {
	conf   Config
	logger hclog.Logger
	store  *store.FileStore
	tmpl   *template.Template

	mu             sync.Mutex
	client         *oidc.Config
	flow           *oidc.Flow
	verifier       *oidc.Verifier
	verifyEndpoint string
	flash          string
}

// NewApp opens the durable store, restores the client configuration (or
// its documented defaults when nothing usable is stored) and prepares a
// fresh session.
func NewApp(conf Config, logger hclog.Logger) (*App, error) {
	const op = "server.NewApp"
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	st, err := store.Open(conf.StorePath, store.WithLogger(logger.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a := &App{
		conf:           conf,
		logger:         logger,
		store:          st,
		tmpl:           template.Must(template.New("index").Parse(indexTemplate)),
		verifyEndpoint: conf.VerificationEndpoint,
	}
	a.client = a.loadClient()
	if err := a.resetSession(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// loadClient reads the durable replica of the client configuration.
// Absent and corrupt replicas both degrade to the documented defaults;
// startup never fails on bad stored state.
func (a *App) loadClient() *oidc.Config {
	raw, ok, err := a.store.Get(store.ClientKey)
	if err != nil || !ok {
		return oidc.DefaultConfig()
	}
	cfg := oidc.DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		a.logger.Warn("stored client configuration is corrupt, using defaults", "error", err)
		return oidc.DefaultConfig()
	}
	return cfg
}

// resetSession replaces the flow and verifier, dropping any held token
// response and verification result.  Callers must hold a.mu or be the only
// actor (construction).
func (a *App) resetSession() error {
	flow, err := oidc.NewFlow(
		oidc.WithLogger(a.logger.Named("oidc.flow")),
		oidc.WithTimeout(a.conf.Timeout()),
	)
	if err != nil {
		return err
	}
	a.flow = flow
	a.verifier = oidc.NewVerifier(
		oidc.WithLogger(a.logger.Named("oidc.verifier")),
		oidc.WithTimeout(a.conf.Timeout()),
	)
	return nil
}

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(a.logRequests)

	r.Get("/", a.handleIndex)
	r.Post("/client", a.handleClientUpdate)
	r.Post("/authorize", a.handleAuthorize)
	r.Get("/callback", a.handleCallback)
	r.Post("/verifier", a.handleVerifierEndpoint)
	r.Post("/verify", a.handleVerify)
	r.Get("/logout", a.handleLogout)

	return r
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type viewData struct {
	Client         *oidc.Config
	SecretValue    string
	AuthReady      bool
	FlowState      oidc.FlowState
	Exchanging     bool
	HasToken       bool
	TokenJSON      string
	HasVPToken     bool
	VerifyState    oidc.VerifyState
	Verifying      bool
	ResultJSON     string
	VerifyEndpoint string
	Flash          string
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	token := a.flow.Token()
	_, hasVP := oidc.ExtractVPToken(token)
	flowState := a.flow.State()
	verifyState := a.verifier.State()
	data := viewData{
		Client:         a.client.Clone(),
		SecretValue:    string(a.client.ClientSecret),
		AuthReady:      a.client.Validate() == nil,
		FlowState:      flowState,
		Exchanging:     flowState == oidc.StateExchanging,
		HasToken:       token != nil,
		TokenJSON:      token.JSON(),
		HasVPToken:     hasVP,
		VerifyState:    verifyState,
		Verifying:      verifyState == oidc.Verifying,
		ResultJSON:     a.verifier.Result().JSON(),
		VerifyEndpoint: a.verifyEndpoint,
		Flash:          a.flash,
	}
	a.flash = ""
	a.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := a.tmpl.Execute(w, data); err != nil {
		a.logger.Error("unable to render index", "error", err)
	}
}

// handleClientUpdate applies field-level edits to the in-memory client
// configuration.  Nothing is validated and nothing is persisted here;
// both happen at redirect initiation.
func (a *App) handleClientUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	for _, field := range clientFields {
		if !r.PostForm.Has(field) {
			continue
		}
		if err := a.client.SetField(field, r.PostForm.Get(field)); err != nil {
			a.logger.Warn("ignoring client field update", "field", field, "error", err)
		}
	}
	a.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleAuthorize is the Grant Access action: validate, normalize, persist
// the configuration (the single durable write of the whole flow) and send
// the browser to the provider.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.client.Validate(); err != nil {
		a.flash = "configuration incomplete: client id, client secret and redirect link are required"
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	a.client.Normalize()

	raw, err := json.Marshal(a.client)
	if err != nil {
		a.flash = fmt.Sprintf("unable to encode configuration: %s", err)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err := a.store.Put(store.ClientKey, raw); err != nil {
		a.flash = fmt.Sprintf("unable to persist configuration: %s", err)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	authURL, err := oidc.AuthURL(a.client)
	if err != nil {
		a.flash = fmt.Sprintf("unable to build authorization URL: %s", err)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	a.logger.Info("initiating authorization redirect", "flow_id", a.flow.ID())
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// handleCallback is the single re-entry point of the flow: the provider
// has navigated the browser back, possibly carrying an authorization code.
// The code is correlated with the configuration restored from the durable
// store at startup and exchanged at most once.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	code, ok := oidc.DetectCode(r.URL.String())
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	a.mu.Lock()
	cfg := a.client.Clone()
	flow := a.flow
	a.mu.Unlock()

	_, err := flow.Exchange(r.Context(), cfg, code)
	if err != nil {
		a.mu.Lock()
		switch {
		case errors.Is(err, oidc.ErrCodeAlreadyExchanged):
			// duplicate delivery of the same redirect; the first exchange
			// already settled this code
		case errors.Is(err, oidc.ErrExchangeInFlight):
			a.flash = "a token exchange is already in progress"
		case errors.Is(err, oidc.ErrProviderRejected):
			a.flash = "the provider rejected the token request; start a fresh authorization"
		default:
			a.flash = fmt.Sprintf("token exchange failed: %s", err)
		}
		a.mu.Unlock()
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleVerifierEndpoint updates the session-scoped verification endpoint.
func (a *App) handleVerifierEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	endpoint := strings.TrimSpace(r.PostForm.Get("endpoint"))
	a.mu.Lock()
	if endpoint == "" {
		a.verifyEndpoint = a.conf.VerificationEndpoint
	} else {
		a.verifyEndpoint = endpoint
	}
	a.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleVerify submits the held vp_token to the verification endpoint.
// Inert unless a token response holding a vp_token exists.
func (a *App) handleVerify(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	token := a.flow.Token()
	verifier := a.verifier
	endpoint := a.verifyEndpoint
	a.mu.Unlock()

	if token == nil {
		a.setFlash("nothing to verify: no token response held")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	vpToken, ok := oidc.ExtractVPToken(token)
	if !ok {
		a.setFlash("nothing to verify: the token response carries no vp_token")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if _, err := verifier.Verify(r.Context(), endpoint, vpToken); err != nil {
		switch {
		case errors.Is(err, oidc.ErrVerifyInFlight):
			a.setFlash("a verification is already in progress")
		default:
			a.setFlash(fmt.Sprintf("verification failed: %s", err))
		}
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout drops the session and sends the browser to the provider's
// session-removal endpoint.  Inert without a held token response.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flow.Token() == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	logoutURL, err := oidc.LogoutURL(a.client)
	if err != nil {
		a.flash = fmt.Sprintf("unable to build logout URL: %s", err)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err := a.resetSession(); err != nil {
		a.flash = fmt.Sprintf("unable to reset session: %s", err)
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, logoutURL, http.StatusSeeOther)
}

func (a *App) setFlash(msg string) {
	a.mu.Lock()
	a.flash = msg
	a.mu.Unlock()
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head><title>OIDC Client</title></head>
<body>
  {{if .Flash}}<p class="flash">{{.Flash}}</p>{{end}}

  <h2>Configure OIDC Client</h2>
  <form method="post" action="/client">
    <label>Authority</label>
    <input name="authority" value="{{.Client.Authority}}" placeholder="https://oidc.dentity.com/oidc">
    <label>Client ID</label>
    <input name="client_id" value="{{.Client.ClientID}}">
    <label>Client Secret</label>
    <input name="client_secret" type="password" value="{{.SecretValue}}">
    <label>Redirect Link</label>
    <input name="redirect_uri" value="{{.Client.RedirectURI}}">
    <label>Scope</label>
    <input name="scope" value="{{.Client.Scope}}">
    <button type="submit">Save</button>
  </form>

  <form method="post" action="/authorize">
    <button type="submit" {{if or (not .AuthReady) .Exchanging}}disabled{{end}}>Grant Access</button>
  </form>
  <form method="get" action="/logout">
    <button type="submit" {{if not .HasToken}}disabled{{end}}>Logout</button>
  </form>

  <h2>Response OIDC</h2>
  <p>flow: {{.FlowState}}</p>
  <pre>{{.TokenJSON}}</pre>

  <h2>Verify Presentation</h2>
  <form method="post" action="/verifier">
    <label>Verification Endpoint</label>
    <input name="endpoint" value="{{.VerifyEndpoint}}">
    <button type="submit">Set</button>
  </form>
  <form method="post" action="/verify">
    <button type="submit" {{if or (not .HasVPToken) .Verifying}}disabled{{end}}>Verify</button>
  </form>
  <p>verification: {{.VerifyState}}</p>
  <pre>{{.ResultJSON}}</pre>
</body>
</html>
`
