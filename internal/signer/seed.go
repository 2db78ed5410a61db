package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/davidahmann/ssi-gateway/internal/crypto"
	"go.uber.org/zap"
)

// InsecureDevSeed is the placeholder seed shipped in example configs.
const InsecureDevSeed = "INSECURE_DEV_SEED"

// SeedSigner holds an Ed25519 key in process memory.
type SeedSigner struct {
	keyID   string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSeedSigner derives the signing key from SHA-256 of seed.
func NewSeedSigner(keyID, seed string, logger *zap.Logger) *SeedSigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(seed) == "" || seed == InsecureDevSeed {
		logger.Warn("signing with an insecure development seed; configure signing.seed for real deployments")
		if seed == "" {
			seed = InsecureDevSeed
		}
	}
	priv, pub := crypto.KeyPairFromPassphrase(seed)
	return &SeedSigner{keyID: keyID, private: priv, public: pub}
}

// NewFileSigner loads the signing key from a key file.
func NewFileSigner(keyID, path string) (*SeedSigner, error) {
	priv, pub, err := crypto.LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	return &SeedSigner{keyID: keyID, private: priv, public: pub}, nil
}

func (s *SeedSigner) KeyID() string {
	return s.keyID
}

func (s *SeedSigner) Sign(_ context.Context, digestHex string) (string, error) {
	digest, err := ValidateDigest(digestHex)
	if err != nil {
		return "", err
	}
	sig, err := crypto.SignEd25519(s.private, digest)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func (s *SeedSigner) Verify(_ context.Context, digestHex, signatureHex, publicKeyHex string) (bool, error) {
	return VerifyHex(digestHex, signatureHex, publicKeyHex)
}

func (s *SeedSigner) PublicKey(context.Context) ([]byte, error) {
	out := make([]byte, len(s.public))
	copy(out, s.public)
	return out, nil
}
