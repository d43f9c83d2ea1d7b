package oauth

import (
	"errors"
	"fmt"
)

// Callback failure taxonomy. Every callback error is a *StepError
// wrapping exactly one of these, so logs carry the precise failure kind
// while callers collapse all of them to "restart the flow".
var (
	ErrMissingParams       = errors.New("callback parameters missing")
	ErrHandshakeMissing    = errors.New("handshake missing or expired")
	ErrStateMismatch       = errors.New("state verification failed")
	ErrCodeReplayed        = errors.New("authorization code already consumed")
	ErrPkceMissing         = errors.New("pkce verifier missing from handshake")
	ErrTokenExchangeFailed = errors.New("authorization code exchange failed")
	ErrIDTokenInvalid      = errors.New("id token validation failed")
	ErrSessionWriteFailed  = errors.New("session establishment failed")

	// ErrHandshakeStoreUnavailable wraps handshake store transport
	// failures.
	ErrHandshakeStoreUnavailable = errors.New("handshake store unavailable")
)

// Callback pipeline step names, in execution order.
const (
	StepCallbackStart   = "callback_start"
	StepHandshakeLoad   = "handshake_load"
	StepStateCheck      = "state_check"
	StepConsumeGuard    = "consume_guard"
	StepPkceCheck       = "pkce_check"
	StepTokenExchange   = "token_exchange"
	StepIDTokenValidate = "id_token_validate"
	StepSessionWrite    = "session_write"
)

// StepError pins a callback failure to the pipeline step that raised it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
