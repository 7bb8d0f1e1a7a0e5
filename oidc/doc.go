// oidc is a package for driving an OIDC authorization code flow from the
// relying-party side against a provider with fixed endpoints
// ({authority}/auth, {authority}/token, {authority}/remove-session), and for
// optionally submitting a verifiable presentation (vp_token) returned in the
// token response to a separate verification service.
//
// The primary types are: Config which holds the client registration for one
// relying party, Flow which drives the two network-observable steps of the
// authorization code flow, and Verifier which submits vp_tokens for
// verification.
package oidc
