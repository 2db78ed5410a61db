package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

// DigestHex is the lowercase hex SHA-256 of data. Entry hashes, chain hashes
// and envelope hashes all use this form.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseDigestHex accepts exactly 64 hex characters.
func ParseDigestHex(digest string) ([]byte, error) {
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != sha256.Size {
		return nil, ErrInvalidDigestHex
	}
	return raw, nil
}

// SignEd25519 signs a raw 32-byte digest. Signing anything else is a caller
// bug, so other lengths are refused rather than hashed again.
func SignEd25519(key ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigestLen
	}
	return ed25519.Sign(key, digest), nil
}

func VerifyEd25519(key ed25519.PublicKey, digest, sig []byte) (bool, error) {
	if len(digest) != sha256.Size {
		return false, ErrInvalidDigestLen
	}
	return ed25519.Verify(key, digest, sig), nil
}
