// Package token issues and verifies the two token kinds the engine hands
// out: short-lived signed access tokens (JWT, ed25519 or HS256, with a
// bounded previous-key acceptance window for rollover) and opaque refresh
// material whose keyed hash is the only thing a store ever sees.
package token
