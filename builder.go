package keygate

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/keygate-io/keygate/internal"
	"github.com/keygate-io/keygate/internal/audit"
	"github.com/keygate-io/keygate/oauth"
	"github.com/keygate-io/keygate/session"
	"github.com/keygate-io/keygate/token"
)

// Builder assembles an Engine. Sessions need Redis or Postgres; the
// OAuth flow additionally needs Redis for handshakes plus a provider
// client, id-token verifier, and user resolver.
type Builder struct {
	config Config

	redis    redis.UniversalClient
	postgres *pgxpool.Pool

	provider  oauth.ProviderClient
	verifier  oauth.IDTokenVerifier
	resolver  UserResolver
	directory RoleDirectory

	logger    *zap.Logger
	auditSink AuditSink

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPostgres selects the relational session backend. Redis remains
// required when the OAuth flow is enabled.
func (b *Builder) WithPostgres(pool *pgxpool.Pool) *Builder {
	b.postgres = pool
	return b
}

func (b *Builder) WithProvider(client oauth.ProviderClient) *Builder {
	b.provider = client
	return b
}

func (b *Builder) WithIDTokenVerifier(v oauth.IDTokenVerifier) *Builder {
	b.verifier = v
	return b
}

func (b *Builder) WithUserResolver(r UserResolver) *Builder {
	b.resolver = r
	return b
}

func (b *Builder) WithRoleDirectory(d RoleDirectory) *Builder {
	b.directory = d
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil && b.postgres == nil {
		return nil, errors.New("a session backend is required: redis or postgres")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	keys, err := internal.DeriveKeys(b.config.MasterSecret)
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.CodecConfig{
		Method:            b.config.Tokens.SigningMethod,
		PrivateKey:        b.config.Tokens.PrivateKey,
		PublicKey:         b.config.Tokens.PublicKey,
		KeyID:             b.config.Tokens.KeyID,
		PreviousKeyID:     b.config.Tokens.PreviousKeyID,
		PreviousPublicKey: b.config.Tokens.PreviousPublicKey,
		PreviousKeyExpiry: b.config.Tokens.PreviousKeyExpiry,
		Issuer:            b.config.Tokens.Issuer,
		Audience:          b.config.Tokens.Audience,
		AccessTTL:         b.config.Tokens.AccessTTL,
		Leeway:            b.config.Tokens.Leeway,
	})
	if err != nil {
		return nil, err
	}

	var store session.Store
	if b.postgres != nil {
		store = session.NewPostgresStore(b.postgres)
	} else {
		store = session.NewRedisStore(b.redis, b.config.Sessions.RedisPrefix)
	}

	hasher := token.NewHasher(keys.RefreshHashKey)
	sessions := session.NewManager(store, hasher, b.config.Sessions.RefreshTTL, logger)

	var coordinator *oauth.Coordinator
	if b.config.OAuth.Enabled {
		if b.redis == nil {
			return nil, errors.New("oauth flow requires redis for handshake storage")
		}
		if b.provider == nil {
			return nil, errors.New("oauth flow requires a provider client")
		}
		if b.verifier == nil {
			return nil, errors.New("oauth flow requires an id token verifier")
		}
		if b.resolver == nil {
			return nil, errors.New("oauth flow requires a user resolver")
		}

		coordinator, err = oauth.NewCoordinator(oauth.CoordinatorConfig{
			Store: oauth.NewRedisHandshakeStore(
				b.redis,
				b.config.Sessions.RedisPrefix,
				b.config.OAuth.ConsumedGrace,
			),
			Provider: b.provider,
			Verifier: b.verifier,
			Endpoint: oauth.Endpoint{
				AuthorizeURL: b.config.OAuth.AuthorizeURL,
				TokenURL:     b.config.OAuth.TokenURL,
				ProfileURL:   b.config.OAuth.ProfileURL,
				ClientID:     b.config.OAuth.ClientID,
				ClientSecret: b.config.OAuth.ClientSecret,
				RedirectURI:  b.config.OAuth.RedirectURI,
				Scopes:       b.config.OAuth.Scopes,
			},
			StateKey:     keys.StateKey[:],
			HandshakeTTL: b.config.OAuth.HandshakeTTL,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	}

	dispatcher := audit.NewDispatcher(audit.Config{
		Enabled:    b.config.Audit.Enabled,
		BufferSize: b.config.Audit.BufferSize,
		DropIfFull: b.config.Audit.DropIfFull,
	}, wrapSink(b.auditSink))

	b.built = true
	return &Engine{
		config:      b.config,
		codec:       codec,
		sessions:    sessions,
		coordinator: coordinator,
		directory:   b.directory,
		resolver:    b.resolver,
		logger:      logger,
		dispatcher:  dispatcher,
		metrics:     newMetrics(b.config.Metrics.Enabled),
	}, nil
}
