package keygate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/keygate-io/keygate/internal/audit"
	"github.com/keygate-io/keygate/oauth"
	"github.com/keygate-io/keygate/session"
	"github.com/keygate-io/keygate/token"
)

// Engine is the auth facade routing talks to. Credential verification
// happens before Login is called; the engine owns everything after
// that: token issuance, rotation, reuse handling, and the OAuth
// handshake.
type Engine struct {
	config      Config
	codec       *token.Codec
	sessions    *session.Manager
	coordinator *oauth.Coordinator
	directory   RoleDirectory
	resolver    UserResolver
	logger      *zap.Logger
	dispatcher  *audit.Dispatcher
	metrics     *Metrics
}

// Login starts a new session family for an already-authenticated user
// and returns its first token pair.
func (e *Engine) Login(ctx context.Context, userID string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		e.metrics.inc(MetricLoginFailure)
		return nil, ErrInvalidToken
	}

	sess, opaque, err := e.sessions.StartFamily(ctx, userID)
	if err != nil {
		e.metrics.inc(MetricLoginFailure)
		return nil, e.mapSessionErr(err)
	}

	pair, err := e.issuePair(ctx, sess, opaque)
	if err != nil {
		e.metrics.inc(MetricLoginFailure)
		return nil, err
	}

	e.metrics.inc(MetricLoginSuccess)
	e.emit(ctx, AuditEvent{
		EventType: EventLogin,
		UserID:    userID,
		SessionID: sess.ID,
		FamilyID:  sess.FamilyID,
		Success:   true,
	})
	return pair, nil
}

// Refresh rotates the presented refresh token. A reused token revokes
// its whole family before the error returns.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	sess, opaque, err := e.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		e.metrics.inc(MetricRefreshFailure)
		return nil, e.handleRotateErr(ctx, err)
	}

	pair, err := e.issuePair(ctx, sess, opaque)
	if err != nil {
		e.metrics.inc(MetricRefreshFailure)
		return nil, err
	}

	e.metrics.inc(MetricRefreshSuccess)
	e.emit(ctx, AuditEvent{
		EventType: EventRefresh,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		FamilyID:  sess.FamilyID,
		Success:   true,
	})
	return pair, nil
}

// Logout revokes the presented refresh token. With everywhere set the
// whole family goes; otherwise only the presented session is stamped,
// leaving the rest of the chain's history intact.
func (e *Engine) Logout(ctx context.Context, refreshToken string, everywhere bool) error {
	if e == nil {
		return ErrEngineNotReady
	}

	var (
		sess *session.Session
		err  error
	)
	if everywhere {
		sess, err = e.sessions.RevokeByToken(ctx, refreshToken)
	} else {
		sess, err = e.sessions.RevokeSession(ctx, refreshToken)
	}
	if err != nil {
		return e.mapSessionErr(err)
	}

	scope := "session"
	if everywhere {
		scope = "family"
	}
	e.metrics.inc(MetricLogout)
	e.emit(ctx, AuditEvent{
		EventType: EventLogout,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		FamilyID:  sess.FamilyID,
		Success:   true,
		Metadata:  map[string]string{"scope": scope},
	})
	return nil
}

// LogoutAll revokes every family the user owns and returns the number
// of sessions stamped.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	stamped, err := e.sessions.RevokeUser(ctx, userID)
	if err != nil {
		return 0, e.mapSessionErr(err)
	}

	e.metrics.inc(MetricLogoutAll)
	e.emit(ctx, AuditEvent{
		EventType: EventLogoutAll,
		UserID:    userID,
		Success:   true,
	})
	return stamped, nil
}

// Validate verifies an access token. Pure signature and time checks;
// revocation is enforced on the refresh path, which bounds the exposure
// of a revoked family to the access TTL.
func (e *Engine) Validate(accessToken string) (*token.Claims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.codec.Verify(accessToken)
	if err != nil {
		e.metrics.inc(MetricValidateFailure)
		return nil, ErrAccessTokenInvalid
	}
	e.metrics.inc(MetricValidateSuccess)
	return claims, nil
}

// ActiveSessions lists the user's live sessions for device-management
// surfaces.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	live, err := e.sessions.ActiveSessions(ctx, userID)
	if err != nil {
		return nil, e.mapSessionErr(err)
	}

	infos := make([]SessionInfo, 0, len(live))
	for _, sess := range live {
		infos = append(infos, SessionInfo{
			SessionID: sess.ID,
			FamilyID:  sess.FamilyID,
			IssuedAt:  sess.IssuedAt,
			ExpiresAt: sess.ExpiresAt,
		})
	}
	return infos, nil
}

// Metrics exposes the engine's counters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.dispatcher.Close()
}

func (e *Engine) issuePair(ctx context.Context, sess *session.Session, opaque string) (*TokenPair, error) {
	var roles []string
	if e.directory != nil {
		var err error
		roles, err = e.directory.RolesFor(ctx, sess.UserID)
		if err != nil {
			return nil, err
		}
	}

	access, err := e.codec.Sign(sess.UserID, sess.ID, roles)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     opaque,
		AccessExpiresAt:  time.Now().Add(e.config.Tokens.AccessTTL),
		RefreshExpiresAt: sess.ExpiresAt,
		SessionID:        sess.ID,
		FamilyID:         sess.FamilyID,
	}, nil
}

func (e *Engine) handleRotateErr(ctx context.Context, err error) error {
	var fe *session.FamilyError
	if errors.As(err, &fe) {
		switch {
		case errors.Is(err, session.ErrTokenReused):
			e.metrics.inc(MetricReuseDetected)
			e.emit(ctx, AuditEvent{
				EventType: EventReuseDetected,
				UserID:    fe.UserID,
				SessionID: fe.SessionID,
				FamilyID:  fe.FamilyID,
				Error:     ErrReusedToken.Error(),
			})
			e.emit(ctx, AuditEvent{
				EventType: EventFamilyRevoked,
				UserID:    fe.UserID,
				FamilyID:  fe.FamilyID,
				Success:   true,
			})
			return ErrReusedToken
		case errors.Is(err, session.ErrFamilyRevoked):
			return ErrFamilyRevoked
		}
	}
	return e.mapSessionErr(err)
}

func (e *Engine) mapSessionErr(err error) error {
	switch {
	case errors.Is(err, session.ErrTokenUnknown):
		return ErrInvalidToken
	case errors.Is(err, session.ErrFamilyRevoked):
		return ErrFamilyRevoked
	case errors.Is(err, session.ErrTokenReused):
		return ErrReusedToken
	case errors.Is(err, session.ErrStoreUnavailable), errors.Is(err, session.ErrSessionCorrupt):
		e.logger.Error("session backend failure", zap.Error(err))
		return ErrBackendUnavailable
	}
	return err
}

func (e *Engine) emit(ctx context.Context, event AuditEvent) {
	if e.dispatcher == nil {
		return
	}
	event.Timestamp = time.Now()
	e.dispatcher.Emit(ctx, audit.Event{
		Timestamp:     event.Timestamp,
		EventType:     event.EventType,
		UserID:        event.UserID,
		SessionID:     event.SessionID,
		FamilyID:      event.FamilyID,
		CorrelationID: event.CorrelationID,
		Success:       event.Success,
		Error:         event.Error,
		Metadata:      event.Metadata,
	})
}

// wrapSink adapts the public sink to the internal dispatcher.
type sinkAdapter struct {
	sink AuditSink
}

func wrapSink(sink AuditSink) audit.Sink {
	if sink == nil {
		return audit.NoOpSink{}
	}
	return sinkAdapter{sink: sink}
}

func (a sinkAdapter) Emit(ctx context.Context, event audit.Event) {
	a.sink.Emit(ctx, AuditEvent{
		Timestamp:     event.Timestamp,
		EventType:     event.EventType,
		UserID:        event.UserID,
		SessionID:     event.SessionID,
		FamilyID:      event.FamilyID,
		CorrelationID: event.CorrelationID,
		Success:       event.Success,
		Error:         event.Error,
		Metadata:      event.Metadata,
	})
}
