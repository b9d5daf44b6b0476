package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
)

// hsmSigner implements crypto.Signer against a PKCS#11 token.
//
// The private key stays on the token; Sign hands the digest to the
// token and returns the signature in the encoding Go's crypto stack
// expects (ASN.1 DER for ECDSA, PKCS#1 v1.5 for RSA).
//
// A single logged-in session is shared and serialised with a mutex.
// Signing happens once per upstream connect, so contention is not a
// concern.
type hsmSigner struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	pub     crypto.PublicKey

	mu sync.Mutex
}

// newHSMSigner opens the token, logs in, and locates the labelled key.
//
// The public half comes from the device certificate rather than the
// token; the two must belong together or upstream TLS will fail.
func newHSMSigner(cfg config.PKCS11Config, pub crypto.PublicKey) (*hsmSigner, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("identity: cannot load PKCS#11 module %s", cfg.ModulePath)
	}

	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("initialising PKCS#11 module: %w", err)
	}

	slot, err := findSlot(ctx, cfg.TokenLabel)
	if err != nil {
		ctx.Finalize()
		ctx.Destroy()
		return nil, err
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		ctx.Finalize()
		ctx.Destroy()
		return nil, fmt.Errorf("opening PKCS#11 session: %w", err)
	}

	if cfg.PIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			ctx.CloseSession(session)
			ctx.Finalize()
			ctx.Destroy()
			return nil, fmt.Errorf("PKCS#11 login: %w", err)
		}
	}

	key, err := findKeyByLabel(ctx, session, cfg.KeyLabel)
	if err != nil {
		ctx.CloseSession(session)
		ctx.Finalize()
		ctx.Destroy()
		return nil, err
	}

	return &hsmSigner{
		ctx:     ctx,
		session: session,
		key:     key,
		pub:     pub,
	}, nil
}

// findSlot returns the slot holding the labelled token, or the first
// slot with a token when no label is configured.
func findSlot(ctx *pkcs11.Ctx, label string) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("listing PKCS#11 slots: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("identity: no PKCS#11 token present")
	}

	if label == "" {
		return slots[0], nil
	}

	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if info.Label == label {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("identity: no token labelled %q", label)
}

// findKeyByLabel locates the private key object on the token.
func findKeyByLabel(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}

	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("searching token for key: %w", err)
	}
	defer ctx.FindObjectsFinal(session)

	handles, _, err := ctx.FindObjects(session, 1)
	if err != nil {
		return 0, fmt.Errorf("searching token for key: %w", err)
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("%w: label %q", ErrKeyNotFound, label)
	}

	return handles[0], nil
}

// Public implements crypto.Signer.
func (s *hsmSigner) Public() crypto.PublicKey {
	return s.pub
}

// Sign implements crypto.Signer. digest must already be hashed with
// opts.HashFunc().
func (s *hsmSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch pub := s.pub.(type) {
	case *ecdsa.PublicKey:
		return s.signECDSA(digest, pub)
	case *rsa.PublicKey:
		return s.signRSA(digest, opts.HashFunc())
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, s.pub)
	}
}

// signECDSA signs via CKM_ECDSA and re-encodes the raw r||s output as
// the ASN.1 DER sequence Go's verifiers expect.
func (s *hsmSigner) signECDSA(digest []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := s.ctx.SignInit(s.session, mech, s.key); err != nil {
		return nil, fmt.Errorf("ECDSA sign init: %w", err)
	}

	raw, err := s.ctx.Sign(s.session, digest)
	if err != nil {
		return nil, fmt.Errorf("ECDSA sign: %w", err)
	}

	n := (pub.Curve.Params().BitSize + 7) / 8
	if len(raw) != 2*n {
		return nil, fmt.Errorf("identity: unexpected ECDSA signature length %d", len(raw))
	}

	sig := struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:n]),
		S: new(big.Int).SetBytes(raw[n:]),
	}
	return asn1.Marshal(sig)
}

// digestInfoPrefixes are the DER DigestInfo headers for PKCS#1 v1.5.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// signRSA signs via CKM_RSA_PKCS with the DigestInfo header prepended,
// producing a standard PKCS#1 v1.5 signature.
func (s *hsmSigner) signRSA(digest []byte, hash crypto.Hash) ([]byte, error) {
	prefix, ok := digestInfoPrefixes[hash]
	if !ok {
		return nil, fmt.Errorf("identity: unsupported hash %v for RSA signing", hash)
	}

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := s.ctx.SignInit(s.session, mech, s.key); err != nil {
		return nil, fmt.Errorf("RSA sign init: %w", err)
	}

	sig, err := s.ctx.Sign(s.session, append(append([]byte{}, prefix...), digest...))
	if err != nil {
		return nil, fmt.Errorf("RSA sign: %w", err)
	}
	return sig, nil
}

// Close logs out and releases the PKCS#11 session and module.
func (s *hsmSigner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil
	}

	s.ctx.Logout(s.session)
	s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
	return nil
}
