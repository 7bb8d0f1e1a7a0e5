package oidc

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithLogger provides an optional logger for the Flow or Verifier.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *flowOptions:
			v.withLogger = l
		case *verifierOptions:
			v.withLogger = l
		}
	}
}

// WithHTTPClient provides an optional http client override, which is
// primarily useful in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *flowOptions:
			v.withHTTPClient = c
		case *verifierOptions:
			v.withHTTPClient = c
		}
	}
}

// WithTimeout provides an optional bound applied to each network call when
// the caller's context carries no deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *flowOptions:
			v.withTimeout = d
		case *verifierOptions:
			v.withTimeout = d
		}
	}
}
