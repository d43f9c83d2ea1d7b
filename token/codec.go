package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the access-token signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

var (
	// ErrTokenInvalid is returned when an access token fails signature,
	// time, or claim validation.
	ErrTokenInvalid = errors.New("access token invalid")
	// ErrKeyDecommissioned is returned when a token was signed with a key
	// whose acceptance window has closed.
	ErrKeyDecommissioned = errors.New("signing key decommissioned")
)

// CodecConfig configures the access-token codec. Sign always uses the
// active key; Verify additionally accepts PreviousKeyID until
// PreviousKeyExpiry, so tokens issued just before a key rollover stay
// valid for their natural lifetime.
type CodecConfig struct {
	Method     SigningMethod
	PrivateKey []byte
	PublicKey  []byte
	KeyID      string

	PreviousKeyID     string
	PreviousPublicKey []byte
	PreviousKeyExpiry time.Time

	Issuer    string
	Audience  string
	AccessTTL time.Duration
	Leeway    time.Duration
}

// Claims is the access-token claim set.
type Claims struct {
	SessionID string   `json:"sid"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access tokens.
type Codec struct {
	cfg CodecConfig
	now func() time.Time
}

func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("leeway out of range")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	if cfg.KeyID == "" {
		return nil, errors.New("key id required")
	}

	switch cfg.Method {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires a private key")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	if cfg.PreviousKeyID != "" {
		if cfg.PreviousKeyExpiry.IsZero() {
			return nil, errors.New("previous key requires an expiry")
		}
		if cfg.Method == MethodEd25519 {
			if _, err := parseEdPublicKey(cfg.PreviousPublicKey); err != nil {
				return nil, fmt.Errorf("previous key: %w", err)
			}
		} else if len(cfg.PreviousPublicKey) == 0 {
			return nil, errors.New("previous key requires key material")
		}
	}

	return &Codec{cfg: cfg, now: time.Now}, nil
}

// Sign issues an access token for the given subject. The jti is a fresh
// uuid so individual tokens are distinguishable in logs.
func (c *Codec) Sign(subject, sessionID string, roles []string) (string, error) {
	now := c.now()
	claims := Claims{
		SessionID: sessionID,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			Issuer:    c.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.AccessTTL)),
		},
	}
	if c.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.cfg.Audience}
	}

	tok := jwt.NewWithClaims(c.method(), claims)
	tok.Header["kid"] = c.cfg.KeyID

	key, err := c.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

// Verify parses and validates an access token. Validation is pure: the
// signature, time window, issuer, and audience are checked, but no store
// is consulted. Revocation is enforced on the refresh path only.
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if c.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.cfg.Leeway))
	}
	if c.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.cfg.Issuer))
	}
	if c.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(c.cfg.Audience))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, c.verifyKeyFor)
	if err != nil {
		if errors.Is(err, ErrKeyDecommissioned) {
			return nil, ErrKeyDecommissioned
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (c *Codec) verifyKeyFor(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	switch kid {
	case "":
		return nil, errors.New("missing kid")
	case c.cfg.KeyID:
		return c.verifyKey(c.activeVerifyBytes())
	case c.cfg.PreviousKeyID:
		if c.now().After(c.cfg.PreviousKeyExpiry) {
			return nil, ErrKeyDecommissioned
		}
		return c.verifyKey(c.cfg.PreviousPublicKey)
	default:
		return nil, errors.New("unknown kid")
	}
}

func (c *Codec) activeVerifyBytes() []byte {
	if c.cfg.Method == MethodHS256 {
		return c.cfg.PrivateKey
	}
	return c.cfg.PublicKey
}

func (c *Codec) method() jwt.SigningMethod {
	if c.cfg.Method == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (c *Codec) signKey() (interface{}, error) {
	if c.cfg.Method == MethodHS256 {
		return c.cfg.PrivateKey, nil
	}
	return parseEdPrivateKey(c.cfg.PrivateKey)
}

func (c *Codec) verifyKey(raw []byte) (interface{}, error) {
	if c.cfg.Method == MethodHS256 {
		return raw, nil
	}
	return parseEdPublicKey(raw)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
