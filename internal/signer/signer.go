package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"github.com/davidahmann/ssi-gateway/internal/crypto"
)

// Service signs hex SHA-256 digests. Implementations must be safe for
// concurrent use; they are built once at startup and shared.
type Service interface {
	Verifier
	KeyID() string
	Sign(ctx context.Context, digestHex string) (string, error)
	PublicKey(ctx context.Context) ([]byte, error)
}

// Verifier checks a hex signature over a hex digest with a hex public key.
type Verifier interface {
	Verify(ctx context.Context, digestHex, signatureHex, publicKeyHex string) (bool, error)
}

var ErrInvalidDigest = errors.New("signer: digest must be a 64 character hex sha256")

// ValidateDigest rejects anything that is not a hex-encoded SHA-256 digest.
func ValidateDigest(digestHex string) ([]byte, error) {
	raw, err := crypto.ParseDigestHex(digestHex)
	if err != nil {
		return nil, ErrInvalidDigest
	}
	return raw, nil
}

// VerifyHex verifies locally. Malformed signatures and keys are reported as
// invalid, not as errors; only a malformed digest is an error.
func VerifyHex(digestHex, signatureHex, publicKeyHex string) (bool, error) {
	digest, err := ValidateDigest(digestHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, nil
	}
	return crypto.VerifyEd25519(ed25519.PublicKey(pub), digest, sig)
}

// LocalVerifier verifies signatures without holding any key material.
type LocalVerifier struct{}

func (LocalVerifier) Verify(_ context.Context, digestHex, signatureHex, publicKeyHex string) (bool, error) {
	return VerifyHex(digestHex, signatureHex, publicKeyHex)
}
