package cloud

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// ecdsaComponentSize is the byte length of each half of a JOSE ES256
// signature. P-256 coordinates fit in 32 bytes.
const ecdsaComponentSize = 32

// signerMethod adapts a crypto.Signer to the jwt.SigningMethod
// interface, so tokens can be signed by keys the process cannot read
// (PKCS#11 tokens in particular).
type signerMethod struct {
	alg    string
	signer crypto.Signer
}

// Alg returns the JOSE algorithm name, ES256 or RS256.
func (m *signerMethod) Alg() string {
	return m.alg
}

// Sign signs the token's signing string. The key argument is ignored;
// the method carries its own signer.
//
// crypto.Signer returns ECDSA signatures as ASN.1 DER, while JOSE wants
// the raw r || s concatenation, so ES256 signatures are re-encoded.
func (m *signerMethod) Sign(signingString string, _ interface{}) ([]byte, error) {
	digest := sha256.Sum256([]byte(signingString))

	sig, err := m.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	if m.alg == "ES256" {
		return derToJOSE(sig)
	}
	return sig, nil
}

// Verify always fails; the agent only mints tokens, the platform
// verifies them.
func (m *signerMethod) Verify(_ string, _ []byte, _ interface{}) error {
	return errors.New("cloud: token verification not supported")
}

// derToJOSE converts an ASN.1 DER ECDSA signature to the fixed-width
// r || s form required by JOSE.
func derToJOSE(der []byte) ([]byte, error) {
	var parsed struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return nil, fmt.Errorf("parsing ECDSA signature: %w", err)
	}

	out := make([]byte, 2*ecdsaComponentSize)
	parsed.R.FillBytes(out[:ecdsaComponentSize])
	parsed.S.FillBytes(out[ecdsaComponentSize:])
	return out, nil
}
