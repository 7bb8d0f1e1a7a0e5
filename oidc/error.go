package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrNilParameter         = errors.New("nil parameter")
	ErrInvalidAuthority     = errors.New("invalid authority")
	ErrIdGeneratorFailed    = errors.New("id generation failed")
	ErrCodeAlreadyExchanged = errors.New("authorization code already exchanged")
	ErrExchangeInFlight     = errors.New("token exchange already in flight")
	ErrProviderRejected     = errors.New("provider rejected the token request")
	ErrMissingVPToken       = errors.New("vp_token is missing")
	ErrVerifyInFlight       = errors.New("verification already in flight")
	ErrVerificationRejected = errors.New("verification service rejected the presentation")
	ErrMalformedTokenReply  = errors.New("malformed token endpoint reply")
	ErrMalformedVerifyReply = errors.New("malformed verification reply")
)
