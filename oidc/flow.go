package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/oauth2"
)

// FlowState is where one authorization code flow currently stands.
type FlowState string

const (
	// StateIdle is a fresh flow: no authorization code seen yet.
	StateIdle FlowState = "idle"

	// StateExchanging means the code-for-token request is in flight.
	StateExchanging FlowState = "exchanging"

	// StateTokenObtained is the terminal success state: a token response is
	// held for the rest of the session.
	StateTokenObtained FlowState = "token-obtained"

	// StateExchangeFailed is terminal for the code that failed.  A fresh
	// authorization round-trip (new redirect, new code) is required to try
	// again.
	StateExchangeFailed FlowState = "exchange-failed"
)

// DefaultExchangeTimeout bounds the token and verification calls when the
// caller's context has no deadline.
const DefaultExchangeTimeout = 30 * time.Second

// maxReplyBytes caps how much of a provider reply will be read.
const maxReplyBytes = 1 << 20

// Flow drives the two network-observable steps of the authorization code
// flow for a single session: detecting the authorization code delivered on
// the redirect, and exchanging it for a token response.
//
// An authorization code is single use.  Flow guards the exchange with a
// gate keyed on the code value itself, so a duplicate trigger (a re-served
// callback, a refresh of the redirect URL) never re-submits a code the
// provider may have already invalidated.
type Flow struct {
	id      string
	client  *http.Client
	logger  hclog.Logger
	timeout time.Duration

	mu        sync.Mutex
	state     FlowState
	exchanged map[string]struct{}
	token     Document
}

// NewFlow creates a Flow in StateIdle.
// Supported options: WithLogger, WithHTTPClient, WithTimeout
func NewFlow(opt ...Option) (*Flow, error) {
	const op = "oidc.NewFlow"
	opts := getFlowOpts(opt...)
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a flow id: %w", op, ErrIdGeneratorFailed)
	}
	f := &Flow{
		id:        id,
		client:    opts.withHTTPClient,
		logger:    opts.withLogger,
		timeout:   opts.withTimeout,
		state:     StateIdle,
		exchanged: map[string]struct{}{},
	}
	if f.client == nil {
		f.client = cleanhttp.DefaultPooledClient()
	}
	if f.logger == nil {
		f.logger = hclog.NewNullLogger()
	}
	return f, nil
}

// ID is the flow's correlation id, generated at construction.  It ties the
// two legs of the flow together in log lines across the redirect boundary.
func (f *Flow) ID() string { return f.id }

// State reports where the flow currently stands.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Token returns the token response held by the flow, or nil before a
// successful exchange.
func (f *Flow) Token() Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// AuthURL builds the URL that kicks off the authorization code flow:
// {authority}/auth with exactly the client_id, scope, response_type and
// redirect_uri of the given configuration.  Pure function of the config.
//
// Note: no OIDC state parameter is sent.  The upstream contract this client
// implements carries none, so the redirect round-trip has no CSRF binding;
// that gap is deliberate and documented rather than silently papered over.
func AuthURL(c *Config) (string, error) {
	const op = "oidc.AuthURL"
	if c == nil {
		return "", fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	var opts []oauth2.AuthCodeOption
	if c.ResponseType != "" && c.ResponseType != ResponseTypeCode {
		opts = append(opts, oauth2.SetAuthURLParam("response_type", c.ResponseType))
	}
	return oauth2Config(c).AuthCodeURL("", opts...), nil
}

// LogoutURL builds {authority}/remove-session.  Pure function of the config.
func LogoutURL(c *Config) (string, error) {
	const op = "oidc.LogoutURL"
	if c == nil {
		return "", fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if c.Authority == "" {
		return "", fmt.Errorf("%s: authority is empty: %w", op, ErrInvalidAuthority)
	}
	return endpointURL(c, "/remove-session"), nil
}

// DetectCode parses the query portion of a URL for the code parameter the
// provider appends on its redirect.  It reports the code and whether one
// was present.
func DetectCode(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	code := u.Query().Get("code")
	return code, code != ""
}

// Exchange submits the authorization code to {authority}/token as a
// form-encoded POST of client_id, client_secret, redirect_uri,
// grant_type=authorization_code and code.  On success the raw JSON reply is
// held as the flow's token response and returned.
//
// The exchange is attempted at most once per code value: a code is marked
// consumed before the request leaves, so neither failure nor a duplicate
// trigger can ever re-submit it.  Failures are not retried; a fresh
// authorization round-trip issues a fresh code.
func (f *Flow) Exchange(ctx context.Context, c *Config, code string) (Document, error) {
	const op = "Flow.Exchange"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}

	f.mu.Lock()
	if _, ok := f.exchanged[code]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrCodeAlreadyExchanged)
	}
	if f.state == StateExchanging {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrExchangeInFlight)
	}
	f.exchanged[code] = struct{}{}
	f.state = StateExchanging
	f.mu.Unlock()

	f.logger.Debug("exchanging authorization code", "flow_id", f.id, "authority", c.Authority)
	doc, err := f.postToken(ctx, c, code)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateExchangeFailed
		f.logger.Error("token exchange failed", "flow_id", f.id, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	f.state = StateTokenObtained
	f.token = doc
	f.logger.Info("token exchange succeeded", "flow_id", f.id)
	return doc, nil
}

func (f *Flow) postToken(ctx context.Context, c *Config, code string) (Document, error) {
	const op = "Flow.postToken"
	if _, ok := ctx.Deadline(); !ok {
		timeout := f.timeout
		if timeout == 0 {
			timeout = DefaultExchangeTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	form := url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {string(c.ClientSecret)},
		"redirect_uri":  {c.RedirectURI},
		"grant_type":    {"authorization_code"},
		"code":          {code},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(c, "/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: token endpoint unreachable: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read token reply: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode, strings.TrimSpace(string(body)), ErrProviderRejected)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedTokenReply)
	}
	return doc, nil
}

// oauth2Config adapts a client configuration into an oauth2.Config with the
// provider's fixed endpoints.  No discovery happens: the endpoint layout is
// part of the provider contract.
func oauth2Config(c *Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: string(c.ClientSecret),
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpointURL(c, "/auth"),
			TokenURL:  endpointURL(c, "/token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func endpointURL(c *Config, path string) string {
	return strings.TrimSuffix(c.Authority, "/") + path
}

// flowOptions is the set of available options
type flowOptions struct {
	withLogger     hclog.Logger
	withHTTPClient *http.Client
	withTimeout    time.Duration
}

// flowDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func flowDefaults() flowOptions {
	return flowOptions{}
}

// getFlowOpts gets the defaults and applies the opt overrides passed in.
func getFlowOpts(opt ...Option) flowOptions {
	opts := flowDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
