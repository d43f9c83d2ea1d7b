package keygate

import (
	"context"

	"go.uber.org/zap"

	"github.com/keygate-io/keygate/oauth"
)

// OAuthStart opens a handshake with the configured provider. The
// caller sets the correlation id as a cookie and redirects the browser
// to RedirectURL.
func (e *Engine) OAuthStart(ctx context.Context, returnTo string) (*OAuthStartResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.coordinator == nil {
		return nil, ErrOAuthDisabled
	}

	res, err := e.coordinator.Start(ctx, returnTo)
	if err != nil {
		return nil, err
	}

	e.metrics.inc(MetricOAuthStart)
	e.emit(ctx, AuditEvent{
		EventType:     EventOAuthStart,
		CorrelationID: res.CorrelationID,
		Success:       true,
	})
	return &OAuthStartResult{
		CorrelationID: res.CorrelationID,
		State:         res.State,
		RedirectURL:   res.RedirectURL,
	}, nil
}

// OAuthCallback completes the handshake: it runs the coordinator's
// verification pipeline, resolves the proven identity to a local user,
// and starts a session family. Session establishment is the pipeline's
// final step and fails as such.
func (e *Engine) OAuthCallback(ctx context.Context, correlationID, state, code string) (*OAuthLoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.coordinator == nil {
		return nil, ErrOAuthDisabled
	}

	identity, returnTo, err := e.coordinator.Callback(ctx, correlationID, state, code)
	if err != nil {
		return nil, e.callbackFailed(ctx, correlationID, err)
	}

	userID, err := e.resolver.ResolveUser(ctx, *identity)
	if err != nil {
		e.logger.Warn("oauth user resolution failed",
			zap.String("step", oauth.StepSessionWrite),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return nil, e.callbackFailed(ctx, correlationID,
			&oauth.StepError{Step: oauth.StepSessionWrite, Err: oauth.ErrSessionWriteFailed})
	}

	sess, opaque, err := e.sessions.StartFamily(ctx, userID)
	if err != nil {
		e.logger.Error("oauth session establishment failed",
			zap.String("step", oauth.StepSessionWrite),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return nil, e.callbackFailed(ctx, correlationID,
			&oauth.StepError{Step: oauth.StepSessionWrite, Err: oauth.ErrSessionWriteFailed})
	}

	pair, err := e.issuePair(ctx, sess, opaque)
	if err != nil {
		return nil, e.callbackFailed(ctx, correlationID,
			&oauth.StepError{Step: oauth.StepSessionWrite, Err: oauth.ErrSessionWriteFailed})
	}

	e.metrics.inc(MetricOAuthLoginSuccess)
	e.emit(ctx, AuditEvent{
		EventType:     EventOAuthLogin,
		UserID:        userID,
		SessionID:     sess.ID,
		FamilyID:      sess.FamilyID,
		CorrelationID: correlationID,
		Success:       true,
	})
	return &OAuthLoginResult{
		TokenPair: *pair,
		UserID:    userID,
		Subject:   identity.Subject,
		ReturnTo:  returnTo,
	}, nil
}

func (e *Engine) callbackFailed(ctx context.Context, correlationID string, err error) error {
	e.metrics.inc(MetricOAuthCallbackFailure)
	e.emit(ctx, AuditEvent{
		EventType:     EventOAuthFailed,
		CorrelationID: correlationID,
		Error:         err.Error(),
	})
	return err
}
