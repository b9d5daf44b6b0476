package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
)

// Domain-specific errors for identity operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNoIdentity is returned when neither a file key nor a PKCS#11 key is configured.
	ErrNoIdentity = errors.New("identity: no device key configured")

	// ErrKeyNotFound is returned when the PKCS#11 token does not hold the labelled key.
	ErrKeyNotFound = errors.New("identity: key not found on token")

	// ErrUnsupportedKey is returned for key types the agent cannot sign with.
	ErrUnsupportedKey = errors.New("identity: unsupported key type")
)

// Identity is the device's TLS identity: a certificate chain plus a
// signer for its private key.
//
// The signer may be an in-memory key (file source) or a PKCS#11-backed
// signer whose key never leaves the token.
type Identity struct {
	cert   *x509.Certificate
	chain  [][]byte
	signer crypto.Signer
	roots  *x509.CertPool

	// hsm is non-nil when the signer holds PKCS#11 resources.
	hsm *hsmSigner
}

// New loads the device identity from configuration.
//
// Returns ErrNoIdentity when the configuration names no key source;
// callers fall back to secret-based credentials in that case.
//
// Parameters:
//   - cfg: Identity configuration from config.yaml
//
// Returns:
//   - *Identity: Loaded identity ready for use
//   - error: If certificates or keys cannot be loaded
func New(cfg config.IdentityConfig) (*Identity, error) {
	id := &Identity{}

	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("identity: no certificates in CA bundle %s", cfg.CACert)
		}
		id.roots = pool
	}

	switch {
	case cfg.PKCS11.Enabled:
		if err := id.loadPKCS11(cfg); err != nil {
			return nil, err
		}
	case cfg.CertFile != "" && cfg.KeyFile != "":
		if err := id.loadFiles(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoIdentity
	}

	switch id.signer.Public().(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
	default:
		id.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, id.signer.Public())
	}

	return id, nil
}

// loadFiles loads a certificate and key pair from disk.
func (id *Identity) loadFiles(cfg config.IdentityConfig) error {
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading device key pair: %w", err)
	}

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing device certificate: %w", err)
	}

	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pair.PrivateKey)
	}

	id.cert = leaf
	id.chain = pair.Certificate
	id.signer = signer
	return nil
}

// loadPKCS11 loads the certificate from disk and binds the signer to the
// key held on the PKCS#11 token.
func (id *Identity) loadPKCS11(cfg config.IdentityConfig) error {
	if cfg.CertFile == "" {
		return fmt.Errorf("identity: pkcs11 needs cert_file for the device certificate")
	}

	pem, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return fmt.Errorf("reading device certificate: %w", err)
	}
	leaf, chain, err := parseCertChain(pem)
	if err != nil {
		return err
	}

	hsm, err := newHSMSigner(cfg.PKCS11, leaf.PublicKey)
	if err != nil {
		return err
	}

	id.cert = leaf
	id.chain = chain
	id.signer = hsm
	id.hsm = hsm
	return nil
}

// parseCertChain decodes one or more PEM certificates, leaf first.
func parseCertChain(pemData []byte) (*x509.Certificate, [][]byte, error) {
	var chain [][]byte
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("identity: no certificates in PEM data")
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing device certificate: %w", err)
	}
	return leaf, chain, nil
}

// Signer returns the device signer for credential minting.
func (id *Identity) Signer() crypto.Signer {
	return id.signer
}

// Certificate returns the parsed device leaf certificate.
func (id *Identity) Certificate() *x509.Certificate {
	return id.cert
}

// SigningAlgorithm returns the JWT signing algorithm matching the
// device key type, "ES256" or "RS256". Key types are validated at
// load, so no other value can occur.
func (id *Identity) SigningAlgorithm() string {
	if _, ok := id.signer.Public().(*rsa.PublicKey); ok {
		return "RS256"
	}
	return "ES256"
}

// TLSConfig builds the client TLS configuration for the upstream link.
//
// The certificate chain is presented for mutual TLS; the configured CA
// bundle (when present) pins the server.
func (id *Identity) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
		RootCAs:    id.roots,
		Certificates: []tls.Certificate{{
			Certificate: id.chain,
			PrivateKey:  id.signer,
			Leaf:        id.cert,
		}},
	}
}

// Close releases any PKCS#11 resources held by the identity.
func (id *Identity) Close() error {
	if id.hsm == nil {
		return nil
	}
	return id.hsm.Close()
}
