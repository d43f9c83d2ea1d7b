package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/keygate-io/keygate/internal"
)

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Store        HandshakeStore
	Provider     ProviderClient
	Verifier     IDTokenVerifier
	Endpoint     Endpoint
	StateKey     []byte
	HandshakeTTL time.Duration
	Logger       *zap.Logger
}

// StartResult is what the caller needs to launch the redirect: the
// correlation id goes into a cookie, the redirect URL to the browser.
type StartResult struct {
	CorrelationID string
	State         string
	RedirectURL   string
}

// Coordinator drives the authorization-code handshake: Start mints the
// handshake and the provider redirect, Callback runs the ordered
// verification pipeline and yields the proven identity.
type Coordinator struct {
	store    HandshakeStore
	provider ProviderClient
	verifier IDTokenVerifier
	endpoint Endpoint
	stateKey []byte
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("handshake store required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider client required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("id token verifier required")
	}
	if len(cfg.StateKey) < 32 {
		return nil, errors.New("state key must be at least 32 bytes")
	}
	if cfg.HandshakeTTL <= 0 {
		cfg.HandshakeTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Coordinator{
		store:    cfg.Store,
		provider: cfg.Provider,
		verifier: cfg.Verifier,
		endpoint: cfg.Endpoint,
		stateKey: cfg.StateKey,
		ttl:      cfg.HandshakeTTL,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// Start opens a handshake. returnTo must be a site-relative path; it is
// echoed back after the callback succeeds.
func (c *Coordinator) Start(ctx context.Context, returnTo string) (*StartResult, error) {
	if !validReturnTo(returnTo) {
		return nil, fmt.Errorf("invalid return_to path %q", returnTo)
	}

	correlationID, err := internal.NewCorrelationID()
	if err != nil {
		return nil, err
	}
	nonce, err := internal.NewNonce()
	if err != nil {
		return nil, err
	}
	verifier, err := internal.NewPKCEVerifier()
	if err != nil {
		return nil, err
	}

	state := internal.SignState(c.stateKey, correlationID, nonce)
	redirect, err := c.endpoint.authorizeRedirect(state, nonce, internal.PKCEChallenge(verifier))
	if err != nil {
		return nil, err
	}

	h := &Handshake{
		CorrelationID: correlationID,
		PKCEVerifier:  verifier,
		SignedState:   state,
		Nonce:         nonce,
		ReturnTo:      returnTo,
		CreatedAt:     c.now(),
	}
	if err := c.store.Save(ctx, h, c.ttl); err != nil {
		return nil, err
	}

	c.logger.Info("oauth handshake started",
		zap.String("correlation_id", correlationID),
	)
	return &StartResult{
		CorrelationID: correlationID,
		State:         state,
		RedirectURL:   redirect,
	}, nil
}

// Callback runs the verification pipeline in order. Any failure comes
// back as a *StepError naming the step that raised it. A state mismatch
// leaves the handshake unconsumed so the user can retry the redirect.
func (c *Coordinator) Callback(ctx context.Context, correlationID, state, code string) (*Identity, string, error) {
	if correlationID == "" || state == "" || code == "" {
		return nil, "", c.fail(correlationID, StepCallbackStart, ErrMissingParams, nil)
	}

	h, err := c.store.Load(ctx, correlationID)
	if err != nil {
		if errors.Is(err, ErrHandshakeMissing) {
			return nil, "", c.fail(correlationID, StepHandshakeLoad, ErrHandshakeMissing, nil)
		}
		return nil, "", c.fail(correlationID, StepHandshakeLoad, err, nil)
	}

	// The state must carry a valid signature bound to this correlation
	// id and match what the handshake recorded. Checked before the
	// consumption guard so a mismatched redirect does not burn the
	// handshake.
	if !internal.VerifyState(c.stateKey, correlationID, state) || state != h.SignedState {
		return nil, "", c.fail(correlationID, StepStateCheck, ErrStateMismatch, nil)
	}

	h, err = c.store.Consume(ctx, correlationID)
	if err != nil {
		if errors.Is(err, ErrCodeReplayed) {
			return nil, "", c.fail(correlationID, StepConsumeGuard, ErrCodeReplayed, nil)
		}
		if errors.Is(err, ErrHandshakeMissing) {
			return nil, "", c.fail(correlationID, StepConsumeGuard, ErrHandshakeMissing, nil)
		}
		return nil, "", c.fail(correlationID, StepConsumeGuard, err, nil)
	}

	if h.PKCEVerifier == "" {
		return nil, "", c.fail(correlationID, StepPkceCheck, ErrPkceMissing, nil)
	}

	tokens, err := c.provider.ExchangeCode(ctx, code, h.PKCEVerifier)
	if err != nil {
		return nil, "", c.fail(correlationID, StepTokenExchange, ErrTokenExchangeFailed, err)
	}
	if tokens.IDToken == "" {
		return nil, "", c.fail(correlationID, StepIDTokenValidate, ErrIDTokenInvalid, errors.New("provider returned no id token"))
	}

	identity, err := c.verifier.Verify(ctx, tokens.IDToken, h.Nonce)
	if err != nil {
		return nil, "", c.fail(correlationID, StepIDTokenValidate, ErrIDTokenInvalid, err)
	}

	if identity.Email == "" {
		// Best effort; a verified subject is enough to proceed.
		profile, profileErr := c.provider.FetchProfile(ctx, tokens.AccessToken)
		if profileErr != nil {
			c.logger.Warn("profile fetch failed",
				zap.String("correlation_id", correlationID),
				zap.Error(profileErr),
			)
		} else {
			identity.Email = profile.Email
			if identity.Name == "" {
				identity.Name = profile.Name
			}
		}
	}

	c.logger.Info("oauth callback verified",
		zap.String("correlation_id", correlationID),
		zap.String("subject", identity.Subject),
	)
	return identity, h.ReturnTo, nil
}

func (c *Coordinator) fail(correlationID, step string, kind, cause error) error {
	fields := []zap.Field{
		zap.String("step", step),
		zap.String("correlation_id", correlationID),
		zap.Error(kind),
	}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	c.logger.Warn("oauth callback failed", fields...)
	return &StepError{Step: step, Err: kind}
}

func validReturnTo(returnTo string) bool {
	if returnTo == "" {
		return true
	}
	if !strings.HasPrefix(returnTo, "/") {
		return false
	}
	// Protocol-relative URLs would leave the site.
	return !strings.HasPrefix(returnTo, "//")
}
