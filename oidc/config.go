package oidc

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ClientSecret is a relying party secret.  Its String() is redacted so a
// secret can't leak into log lines, but it marshals as the raw value since
// the client registration must round-trip durable storage intact.
type ClientSecret string

// RedactedClientSecret is the redacted string for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (s ClientSecret) String() string {
	return RedactedClientSecret
}

// GoString will redact the client secret
func (s ClientSecret) GoString() string {
	return RedactedClientSecret
}

const (
	// DefaultAuthority is the issuer base URL used until the operator
	// configures their own.
	DefaultAuthority = "https://oidc.dentity.com/oidc"

	// DefaultScope is the scope set requested when none is configured.
	DefaultScope = "openid profile"

	// ResponseTypeCode is the only response type this client speaks.
	ResponseTypeCode = "code"
)

// Config represents the registration of one relying party with its provider.
// It is the record that crosses the redirect boundary: written to durable
// storage when the authorization redirect is initiated and read back when
// the application starts.
type Config struct {
	// Authority is the base URL of the identity provider.  The provider's
	// endpoints hang off of it: {authority}/auth, {authority}/token and
	// {authority}/remove-session.
	Authority string `json:"authority"`

	// ClientID is the provider-issued relying party id
	ClientID string `json:"client_id"`

	// ClientSecret is the provider-issued relying party secret
	ClientSecret ClientSecret `json:"client_secret"`

	// RedirectURI is the absolute URL registered with the provider, where
	// the provider delivers the authorization code.
	RedirectURI string `json:"redirect_uri"`

	// Scope is the space-delimited set of scope tokens to request.
	Scope string `json:"scope"`

	// ResponseType is fixed to "code" for the authorization code flow.
	ResponseType string `json:"response_type"`
}

// DefaultConfig returns the documented defaults: identifying fields empty,
// everything else ready for the authorization code flow.
func DefaultConfig() *Config {
	return &Config{
		Authority:    DefaultAuthority,
		Scope:        DefaultScope,
		ResponseType: ResponseTypeCode,
	}
}

// SetField replaces exactly one named field (its json name), leaving all
// others unchanged.  No validation happens at this layer; Validate() is the
// gate at redirect time.
func (c *Config) SetField(name, value string) error {
	const op = "Config.SetField"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	switch name {
	case "authority":
		c.Authority = value
	case "client_id":
		c.ClientID = value
	case "client_secret":
		c.ClientSecret = ClientSecret(value)
	case "redirect_uri":
		c.RedirectURI = value
	case "scope":
		c.Scope = value
	case "response_type":
		c.ResponseType = value
	default:
		return fmt.Errorf("%s: unknown field %q: %w", op, name, ErrInvalidParameter)
	}
	return nil
}

// Validate the client configuration.  It verifies everything required
// before an authorization request may be initiated: client id, client
// secret and redirect URI must be non-empty and the authority must be an
// http(s) URL.  All violations are reported, not just the first.
func (c *Config) Validate() error {
	const op = "oidc.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter))
	}
	if c.ClientSecret == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client secret is empty: %w", op, ErrInvalidParameter))
	}
	if c.RedirectURI == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URI is empty: %w", op, ErrInvalidParameter))
	}
	switch u, err := url.Parse(c.Authority); {
	case c.Authority == "":
		result = multierror.Append(result, fmt.Errorf("%s: authority is empty: %w", op, ErrInvalidAuthority))
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("%s: authority %q is invalid: %w", op, c.Authority, err))
	case u.Scheme != "http" && u.Scheme != "https":
		result = multierror.Append(result, fmt.Errorf("%s: authority %q scheme is not http or https: %w", op, c.Authority, ErrInvalidAuthority))
	}
	return result.ErrorOrNil()
}

// Normalize rewrites Scope by splitting on whitespace, discarding empty
// tokens and rejoining with single spaces.  It's called once, right before
// the configuration is persisted for the redirect.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Scope = strings.Join(strings.Fields(c.Scope), " ")
}

// Scopes returns the normalized scope as a slice of tokens.
func (c *Config) Scopes() []string {
	if c == nil {
		return nil
	}
	return strings.Fields(c.Scope)
}

// Clone returns a copy, so callers can hand configuration across goroutine
// boundaries without sharing the original.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
