package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

// VPTokenField is the one token-response field this package projects out.
const VPTokenField = "vp_token"

// VerifyState is where the presentation verification currently stands.
type VerifyState string

const (
	VerifyNotAttempted VerifyState = "not-attempted"
	Verifying          VerifyState = "verifying"
	Verified           VerifyState = "verified"
	VerifyFailed       VerifyState = "verify-failed"
)

// Verifier submits a verifiable presentation taken out of a token response
// to a verification service.  It is reactive only: nothing runs without an
// explicit trigger, and a failed attempt never disturbs a previously held
// successful result.  Unlike the token exchange, verification is retriable.
type Verifier struct {
	client  *http.Client
	logger  hclog.Logger
	timeout time.Duration

	mu     sync.Mutex
	state  VerifyState
	result Document
}

// NewVerifier creates a Verifier in VerifyNotAttempted.
// Supported options: WithLogger, WithHTTPClient, WithTimeout
func NewVerifier(opt ...Option) *Verifier {
	opts := getVerifierOpts(opt...)
	v := &Verifier{
		client:  opts.withHTTPClient,
		logger:  opts.withLogger,
		timeout: opts.withTimeout,
		state:   VerifyNotAttempted,
	}
	if v.client == nil {
		v.client = cleanhttp.DefaultPooledClient()
	}
	if v.logger == nil {
		v.logger = hclog.NewNullLogger()
	}
	return v
}

// ExtractVPToken returns the vp_token field of a token response when one is
// present.  A missing or non-string field is simply reported as absent.
func ExtractVPToken(tokenResponse Document) (string, bool) {
	return tokenResponse.GetString(VPTokenField)
}

// State reports where verification currently stands.
func (v *Verifier) State() VerifyState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Result returns the verification result held by the verifier, or nil when
// no attempt has succeeded yet.
func (v *Verifier) Result() Document {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result
}

// Verify submits the vp token to the endpoint as the JSON body
// {"proofs": vpToken} and holds the JSON reply as the verification result.
// A failure leaves any prior result in place; the caller may trigger again.
func (v *Verifier) Verify(ctx context.Context, endpoint, vpToken string) (Document, error) {
	const op = "Verifier.Verify"
	if endpoint == "" {
		return nil, fmt.Errorf("%s: endpoint is empty: %w", op, ErrInvalidParameter)
	}
	if vpToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingVPToken)
	}

	v.mu.Lock()
	if v.state == Verifying {
		v.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrVerifyInFlight)
	}
	v.state = Verifying
	v.mu.Unlock()

	v.logger.Debug("verifying presentation", "endpoint", endpoint)
	doc, err := v.postProofs(ctx, endpoint, vpToken)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.state = VerifyFailed
		v.logger.Error("presentation verification failed", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v.state = Verified
	v.result = doc
	v.logger.Info("presentation verified", "endpoint", endpoint)
	return doc, nil
}

func (v *Verifier) postProofs(ctx context.Context, endpoint, vpToken string) (Document, error) {
	const op = "Verifier.postProofs"
	if _, ok := ctx.Deadline(); !ok {
		timeout := v.timeout
		if timeout == 0 {
			timeout = DefaultExchangeTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(map[string]interface{}{"proofs": vpToken})
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode proofs: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create verification request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: verification endpoint unreachable: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read verification reply: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode, strings.TrimSpace(string(body)), ErrVerificationRejected)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedVerifyReply)
	}
	return doc, nil
}

// verifierOptions is the set of available options
type verifierOptions struct {
	withLogger     hclog.Logger
	withHTTPClient *http.Client
	withTimeout    time.Duration
}

func verifierDefaults() verifierOptions {
	return verifierOptions{}
}

// getVerifierOpts gets the defaults and applies the opt overrides passed in.
func getVerifierOpts(opt ...Option) verifierOptions {
	opts := verifierDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
