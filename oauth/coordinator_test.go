package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/keygate-io/keygate/internal"
)

type fakeProvider struct {
	tokens      *TokenResponse
	exchangeErr error
	profile     *Profile
	profileErr  error

	gotCode     string
	gotVerifier string
	exchanges   int
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code, codeVerifier string) (*TokenResponse, error) {
	f.exchanges++
	f.gotCode = code
	f.gotVerifier = codeVerifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.tokens, nil
}

func (f *fakeProvider) FetchProfile(context.Context, string) (*Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profile, nil
}

type fakeVerifier struct {
	identity *Identity
	err      error
	gotNonce string
}

func (f *fakeVerifier) Verify(_ context.Context, _, expectedNonce string) (*Identity, error) {
	f.gotNonce = expectedNonce
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

var testStateKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCoordinator(t *testing.T, provider *fakeProvider, verifier *fakeVerifier) *Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if provider == nil {
		provider = &fakeProvider{
			tokens: &TokenResponse{AccessToken: "at", IDToken: "idt"},
		}
	}
	if verifier == nil {
		verifier = &fakeVerifier{
			identity: &Identity{Subject: "idp-user-1", Email: "u@example.com"},
		}
	}

	c, err := NewCoordinator(CoordinatorConfig{
		Store:    NewRedisHandshakeStore(client, "kgtest", 2*time.Minute),
		Provider: provider,
		Verifier: verifier,
		Endpoint: Endpoint{
			AuthorizeURL: "https://idp.example.com/authorize",
			TokenURL:     "https://idp.example.com/token",
			ClientID:     "client-1",
			RedirectURI:  "https://app.example.com/callback",
			Scopes:       []string{"openid", "email"},
		},
		StateKey:     testStateKey,
		HandshakeTTL: 10 * time.Minute,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func TestCoordinatorStart(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	res, err := c.Start(context.Background(), "/app")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.CorrelationID == "" || res.State == "" {
		t.Fatalf("incomplete result %+v", res)
	}

	u, err := url.Parse(res.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != "client-1" {
		t.Fatalf("redirect query %v", q)
	}
	if q.Get("state") != res.State {
		t.Fatal("state not attached to redirect")
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatal("pkce challenge missing from redirect")
	}
	if !internal.VerifyState(testStateKey, res.CorrelationID, res.State) {
		t.Fatal("state does not verify for its correlation id")
	}

	// The verifier stays server-side; only its challenge travels.
	h, err := c.store.Load(context.Background(), res.CorrelationID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if internal.PKCEChallenge(h.PKCEVerifier) != q.Get("code_challenge") {
		t.Fatal("stored verifier does not match sent challenge")
	}
}

func TestCoordinatorStartRejectsAbsoluteReturnTo(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	for _, bad := range []string{"https://evil.example.com", "//evil.example.com", "app"} {
		if _, err := c.Start(context.Background(), bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestCoordinatorCallbackHappyPath(t *testing.T) {
	provider := &fakeProvider{tokens: &TokenResponse{AccessToken: "at", IDToken: "idt"}}
	verifier := &fakeVerifier{identity: &Identity{Subject: "idp-user-1", Email: "u@example.com"}}
	c := newTestCoordinator(t, provider, verifier)
	ctx := context.Background()

	res, err := c.Start(ctx, "/app")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	identity, returnTo, err := c.Callback(ctx, res.CorrelationID, res.State, "code-1")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if identity.Subject != "idp-user-1" {
		t.Fatalf("subject = %q", identity.Subject)
	}
	if returnTo != "/app" {
		t.Fatalf("returnTo = %q", returnTo)
	}
	if provider.gotCode != "code-1" || provider.gotVerifier == "" {
		t.Fatalf("exchange saw code=%q verifier=%q", provider.gotCode, provider.gotVerifier)
	}
	if verifier.gotNonce == "" {
		t.Fatal("id token was not bound to the handshake nonce")
	}
}

func TestCoordinatorCallbackMissingParams(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	cases := [][3]string{
		{"", "state", "code"},
		{"cid", "", "code"},
		{"cid", "state", ""},
	}
	for _, tc := range cases {
		_, _, err := c.Callback(ctx, tc[0], tc[1], tc[2])
		if !errors.Is(err, ErrMissingParams) {
			t.Fatalf("%v: expected ErrMissingParams, got %v", tc, err)
		}
		assertStep(t, err, StepCallbackStart)
	}
}

func TestCoordinatorCallbackUnknownHandshake(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	_, _, err := c.Callback(context.Background(), "unknown", "state", "code")
	if !errors.Is(err, ErrHandshakeMissing) {
		t.Fatalf("expected ErrHandshakeMissing, got %v", err)
	}
	assertStep(t, err, StepHandshakeLoad)
}

func TestCoordinatorCallbackStateMismatchLeavesHandshakeUnconsumed(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	res, err := c.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A state minted for a different correlation id fails the check.
	nonce, _ := internal.NewNonce()
	foreign := internal.SignState(testStateKey, "other-cid", nonce)
	_, _, err = c.Callback(ctx, res.CorrelationID, foreign, "code-1")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
	assertStep(t, err, StepStateCheck)

	// The handshake survived; the correct redirect still works.
	if _, _, err := c.Callback(ctx, res.CorrelationID, res.State, "code-1"); err != nil {
		t.Fatalf("retry after mismatch: %v", err)
	}
}

func TestCoordinatorCallbackReplay(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	ctx := context.Background()

	res, err := c.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, _, err := c.Callback(ctx, res.CorrelationID, res.State, "code-1"); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	_, _, err = c.Callback(ctx, res.CorrelationID, res.State, "code-1")
	if !errors.Is(err, ErrCodeReplayed) {
		t.Fatalf("expected ErrCodeReplayed, got %v", err)
	}
	assertStep(t, err, StepConsumeGuard)
}

func TestCoordinatorCallbackExchangeFailure(t *testing.T) {
	provider := &fakeProvider{exchangeErr: errors.New("provider down")}
	c := newTestCoordinator(t, provider, nil)
	ctx := context.Background()

	res, err := c.Start(ctx, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, _, err = c.Callback(ctx, res.CorrelationID, res.State, "code-1")
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("expected ErrTokenExchangeFailed, got %v", err)
	}
	assertStep(t, err, StepTokenExchange)

	// The handshake was consumed before the exchange; a retry with the
	// same code is a replay.
	_, _, err = c.Callback(ctx, res.CorrelationID, res.State, "code-1")
	if !errors.Is(err, ErrCodeReplayed) {
		t.Fatalf("expected ErrCodeReplayed, got %v", err)
	}
}

func TestCoordinatorCallbackIDTokenFailures(t *testing.T) {
	t.Run("missing id token", func(t *testing.T) {
		provider := &fakeProvider{tokens: &TokenResponse{AccessToken: "at"}}
		c := newTestCoordinator(t, provider, nil)
		ctx := context.Background()

		res, _ := c.Start(ctx, "")
		_, _, err := c.Callback(ctx, res.CorrelationID, res.State, "code-1")
		if !errors.Is(err, ErrIDTokenInvalid) {
			t.Fatalf("expected ErrIDTokenInvalid, got %v", err)
		}
		assertStep(t, err, StepIDTokenValidate)
	})

	t.Run("verifier rejects", func(t *testing.T) {
		verifier := &fakeVerifier{err: ErrIDTokenInvalid}
		c := newTestCoordinator(t, nil, verifier)
		ctx := context.Background()

		res, _ := c.Start(ctx, "")
		_, _, err := c.Callback(ctx, res.CorrelationID, res.State, "code-1")
		if !errors.Is(err, ErrIDTokenInvalid) {
			t.Fatalf("expected ErrIDTokenInvalid, got %v", err)
		}
		assertStep(t, err, StepIDTokenValidate)
	})
}

func TestCoordinatorCallbackProfileFallback(t *testing.T) {
	provider := &fakeProvider{
		tokens:  &TokenResponse{AccessToken: "at", IDToken: "idt"},
		profile: &Profile{Subject: "idp-user-1", Email: "fallback@example.com", Name: "U"},
	}
	verifier := &fakeVerifier{identity: &Identity{Subject: "idp-user-1"}}
	c := newTestCoordinator(t, provider, verifier)
	ctx := context.Background()

	res, _ := c.Start(ctx, "")
	identity, _, err := c.Callback(ctx, res.CorrelationID, res.State, "code-1")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if identity.Email != "fallback@example.com" {
		t.Fatalf("email = %q", identity.Email)
	}

	t.Run("profile failure is tolerated", func(t *testing.T) {
		provider := &fakeProvider{
			tokens:     &TokenResponse{AccessToken: "at", IDToken: "idt"},
			profileErr: errors.New("profile endpoint down"),
		}
		verifier := &fakeVerifier{identity: &Identity{Subject: "idp-user-2"}}
		c := newTestCoordinator(t, provider, verifier)

		res, _ := c.Start(ctx, "")
		identity, _, err := c.Callback(ctx, res.CorrelationID, res.State, "code-1")
		if err != nil {
			t.Fatalf("Callback: %v", err)
		}
		if identity.Subject != "idp-user-2" || identity.Email != "" {
			t.Fatalf("identity = %+v", identity)
		}
	})
}

func TestCoordinatorStateSurvivesQueryEncoding(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	res, err := c.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	u, _ := url.Parse(res.RedirectURL)
	if got := u.Query().Get("state"); got != res.State {
		t.Fatalf("state round-trip changed: %q vs %q", got, res.State)
	}
	if strings.ContainsAny(res.State, " +") {
		t.Fatalf("state contains characters unsafe in a query: %q", res.State)
	}
}

func assertStep(t *testing.T, err error, step string) {
	t.Helper()
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a StepError", err)
	}
	if se.Step != step {
		t.Fatalf("step = %q, want %q", se.Step, step)
	}
}
