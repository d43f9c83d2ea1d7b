package keygate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keygate-io/keygate/token"
)

// TokenConfig controls access-token issuance and verification.
type TokenConfig struct {
	SigningMethod token.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string

	// A decommissioned signing key stays acceptable for verification
	// until PreviousKeyExpiry, so tokens minted right before rollover
	// live out their TTL.
	PreviousKeyID     string
	PreviousPublicKey []byte
	PreviousKeyExpiry time.Time

	Issuer    string
	Audience  string
	AccessTTL time.Duration
	Leeway    time.Duration
}

// SessionConfig controls refresh-session families.
type SessionConfig struct {
	RefreshTTL  time.Duration
	RedisPrefix string
}

// OAuthConfig controls the authorization-code handshake.
type OAuthConfig struct {
	Enabled       bool
	AuthorizeURL  string
	TokenURL      string
	ProfileURL    string
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	Scopes        []string
	HandshakeTTL  time.Duration
	ConsumedGrace time.Duration
}

// AuditConfig controls the asynchronous security event dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// Config is the engine's full configuration. MasterSecret seeds the
// derived keys (refresh-token hashing, state signing) so operators
// rotate one value.
type Config struct {
	ProductionMode bool
	MasterSecret   []byte

	Tokens   TokenConfig
	Sessions SessionConfig
	OAuth    OAuthConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

func defaultConfig() Config {
	return Config{
		Tokens: TokenConfig{
			SigningMethod: token.MethodEd25519,
			AccessTTL:     10 * time.Minute,
			Leeway:        30 * time.Second,
		},
		Sessions: SessionConfig{
			RefreshTTL:  30 * 24 * time.Hour,
			RedisPrefix: "kg",
		},
		OAuth: OAuthConfig{
			HandshakeTTL:  10 * time.Minute,
			ConsumedGrace: 2 * time.Minute,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.MasterSecret = append([]byte(nil), cfg.MasterSecret...)
	out.Tokens.PrivateKey = append([]byte(nil), cfg.Tokens.PrivateKey...)
	out.Tokens.PublicKey = append([]byte(nil), cfg.Tokens.PublicKey...)
	out.Tokens.PreviousPublicKey = append([]byte(nil), cfg.Tokens.PreviousPublicKey...)
	out.OAuth.Scopes = append([]string(nil), cfg.OAuth.Scopes...)
	return out
}

// Validate checks internal consistency. ProductionMode tightens the
// rules rather than changing behavior.
func (c *Config) Validate() error {
	if len(c.MasterSecret) < 32 {
		return errors.New("master secret must be at least 32 bytes")
	}
	if c.Tokens.AccessTTL <= 0 {
		return errors.New("access TTL must be positive")
	}
	if c.Sessions.RefreshTTL <= c.Tokens.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if strings.TrimSpace(c.Tokens.KeyID) == "" {
		return errors.New("token key id required")
	}

	if c.OAuth.Enabled {
		for name, v := range map[string]string{
			"authorize url": c.OAuth.AuthorizeURL,
			"token url":     c.OAuth.TokenURL,
			"client id":     c.OAuth.ClientID,
			"redirect uri":  c.OAuth.RedirectURI,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("oauth %s required", name)
			}
		}
		if c.OAuth.HandshakeTTL <= 0 {
			return errors.New("oauth handshake TTL must be positive")
		}
	}

	if c.ProductionMode {
		if c.Tokens.SigningMethod == token.MethodHS256 {
			return errors.New("production mode requires asymmetric token signing")
		}
		if c.Tokens.AccessTTL > time.Hour {
			return errors.New("production mode caps access TTL at one hour")
		}
		if c.OAuth.Enabled {
			if !strings.HasPrefix(c.OAuth.RedirectURI, "https://") {
				return errors.New("production mode requires an https redirect uri")
			}
			if !strings.HasPrefix(c.OAuth.AuthorizeURL, "https://") ||
				!strings.HasPrefix(c.OAuth.TokenURL, "https://") {
				return errors.New("production mode requires https provider endpoints")
			}
		}
	}

	return nil
}
