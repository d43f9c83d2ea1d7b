// Package oauth coordinates the authorization-code handshake with PKCE.
// The server keeps the pkce verifier and expected nonce in a handshake
// record keyed by correlation id; the browser carries only the
// correlation id and an HMAC-signed state. The callback pipeline checks
// state, consumes the handshake exactly once, redeems the code, and
// validates the id token before any session is written.
package oauth
