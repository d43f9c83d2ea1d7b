package keygate

import (
	"context"
	"time"

	"github.com/keygate-io/keygate/oauth"
)

// TokenPair is what a successful login or refresh hands back: a signed
// access token and the opaque refresh token for the next rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
	FamilyID         string
}

// SessionInfo is the read-only view returned by ActiveSessions.
type SessionInfo struct {
	SessionID string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// OAuthStartResult carries what routing needs to launch the provider
// redirect: the correlation id belongs in a cookie, the redirect URL in
// a 302.
type OAuthStartResult struct {
	CorrelationID string
	State         string
	RedirectURL   string
}

// OAuthLoginResult is a completed callback: a resolved local user with
// a fresh session and the path to send the browser back to.
type OAuthLoginResult struct {
	TokenPair
	UserID   string
	Subject  string
	ReturnTo string
}

// RoleDirectory supplies the role claims embedded in access tokens.
// Role storage lives outside this module; a nil directory means tokens
// carry no roles.
type RoleDirectory interface {
	RolesFor(ctx context.Context, userID string) ([]string, error)
}

// UserResolver maps a verified provider identity to a local user id,
// creating the account if the deployment does just-in-time
// provisioning.
type UserResolver interface {
	ResolveUser(ctx context.Context, identity oauth.Identity) (string, error)
}
