package keygate

import (
	"errors"

	"github.com/keygate-io/keygate/oauth"
)

var (
	// ErrEngineNotReady is returned when an engine method is called
	// before Build completed.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidToken covers malformed, unknown, and expired refresh
	// tokens.
	ErrInvalidToken = errors.New("invalid refresh token")
	// ErrFamilyRevoked is returned when the presented token's family
	// was already revoked.
	ErrFamilyRevoked = errors.New("session family revoked")
	// ErrReusedToken is returned when a rotated token is presented
	// again; the family is revoked as a side effect.
	ErrReusedToken = errors.New("refresh token reuse detected")
	// ErrAccessTokenInvalid is returned by Validate for tokens failing
	// signature or time checks.
	ErrAccessTokenInvalid = errors.New("invalid access token")
	// ErrBackendUnavailable wraps session or handshake store transport
	// failures.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
	// ErrOAuthDisabled is returned by the oauth facade when no
	// coordinator is configured.
	ErrOAuthDisabled = errors.New("oauth flow not configured")
)

// reauthenticateKinds is every failure the caller should answer with a
// generic "please sign in again". Specific kinds stay in logs and
// events only, never in responses, so callers cannot probe which check
// failed.
var reauthenticateKinds = []error{
	ErrInvalidToken,
	ErrFamilyRevoked,
	ErrReusedToken,
	ErrAccessTokenInvalid,
	oauth.ErrMissingParams,
	oauth.ErrHandshakeMissing,
	oauth.ErrStateMismatch,
	oauth.ErrCodeReplayed,
	oauth.ErrPkceMissing,
	oauth.ErrTokenExchangeFailed,
	oauth.ErrIDTokenInvalid,
	oauth.ErrSessionWriteFailed,
}

// IsReauthenticate reports whether err should surface to the end user
// as a single re-authenticate outcome.
func IsReauthenticate(err error) bool {
	for _, kind := range reauthenticateKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
