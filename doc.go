// Package keygate is an embeddable session and token lifecycle engine.
//
// It issues short-lived signed access tokens paired with opaque,
// rotating refresh tokens. Refresh tokens form families: each rotation
// replaces the family's single live link, and presenting an
// already-rotated token revokes the entire family, cutting off both
// the legitimate holder and whoever replayed the old token.
//
// The oauth subpackage adds an authorization-code handshake with PKCE
// against an external identity provider; a verified callback lands in
// the same session machinery as a password login.
//
// The engine is transport-agnostic. Routing calls Login, Refresh,
// Logout, Validate, OAuthStart, and OAuthCallback and translates the
// results; every security failure on those paths should surface to end
// users as one generic re-authenticate response (see IsReauthenticate)
// while logs and audit events keep the specific cause.
package keygate
