package cloud

import (
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
)

// Token lifetime constants.
const (
	// defaultTTL is used when the configuration does not set one.
	defaultTTL = 60 * time.Minute

	// refreshDivisor controls early refresh: a token is replaced once
	// the final 1/refreshDivisor of its lifetime begins.
	refreshDivisor = 4
)

// ErrNoCredentials indicates neither a signer identity nor a shared
// secret is available for token minting.
var ErrNoCredentials = errors.New("cloud: no credential source configured")

// SignerIdentity is the slice of the device identity the token source
// needs. Satisfied by *identity.Identity.
type SignerIdentity interface {
	Signer() crypto.Signer
	SigningAlgorithm() string
}

// TokenSource mints and caches device JWTs for the upstream broker.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type TokenSource struct {
	deviceID string
	audience string
	ttl      time.Duration
	method   jwt.SigningMethod
	key      interface{}
	logger   *logging.Logger

	// now is replaced in tests.
	now func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewTokenSource builds a token source from the upstream JWT settings.
//
// A signer identity takes precedence; the shared secret is the
// development fallback when no certificate identity is provisioned.
//
// Parameters:
//   - deviceID: Used as the iss and sub claims
//   - cfg: JWT settings from config.yaml
//   - id: Device identity, nil when running without one
//   - logger: Structured logger
//
// Returns:
//   - *TokenSource: Ready source
//   - error: ErrNoCredentials when no signing material exists
func NewTokenSource(deviceID string, cfg config.JWTConfig, id SignerIdentity, logger *logging.Logger) (*TokenSource, error) {
	ttl := time.Duration(cfg.TTL) * time.Minute
	if ttl <= 0 {
		ttl = defaultTTL
	}

	ts := &TokenSource{
		deviceID: deviceID,
		audience: cfg.Audience,
		ttl:      ttl,
		logger:   logger.Component("cloud"),
		now:      time.Now,
	}

	switch {
	case id != nil:
		ts.method = &signerMethod{alg: id.SigningAlgorithm(), signer: id.Signer()}
	case cfg.Secret != "":
		ts.method = jwt.SigningMethodHS256
		ts.key = []byte(cfg.Secret)
	default:
		return nil, ErrNoCredentials
	}

	return ts, nil
}

// Token returns a JWT valid for at least a quarter of the configured
// lifetime, minting a fresh one when the cached token is too close to
// expiry.
//
// Returns:
//   - string: Compact serialized JWT
//   - error: If signing fails
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.cached != "" && now.Before(ts.expires.Add(-ts.ttl/refreshDivisor)) {
		return ts.cached, nil
	}

	expires := now.Add(ts.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    ts.deviceID,
		Subject:   ts.deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if ts.audience != "" {
		claims.Audience = jwt.ClaimStrings{ts.audience}
	}

	token, err := jwt.NewWithClaims(ts.method, claims).SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("minting device token: %w", err)
	}

	ts.cached = token
	ts.expires = expires
	return token, nil
}

// Credentials supplies the upstream MQTT username and password. Wired
// as the client's credentials provider, so every reconnect presents a
// current token.
//
// A minting failure yields an empty password; the broker rejects the
// connect and the client's backoff retries, which calls here again.
func (ts *TokenSource) Credentials() (string, string) {
	token, err := ts.Token()
	if err != nil {
		ts.logger.Error("device token minting failed", "error", err)
		return ts.deviceID, ""
	}
	return ts.deviceID, token
}
