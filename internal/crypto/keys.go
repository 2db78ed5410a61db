package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// KeyPairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrInvalidSeedSize
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	return privateKey, privateKey.Public().(ed25519.PublicKey), nil
}

// KeyPairFromPassphrase derives a keypair from an arbitrary configured
// string by hashing it into a 32-byte seed.
func KeyPairFromPassphrase(passphrase string) (ed25519.PrivateKey, ed25519.PublicKey) {
	seed := sha256.Sum256([]byte(passphrase))
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	return privateKey, privateKey.Public().(ed25519.PublicKey)
}

// GenerateSeedFile writes a fresh random seed to path as hex and returns
// the matching public key. An existing file is never overwritten.
func GenerateSeedFile(path string) (ed25519.PublicKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is supplied by the operator generating the key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString("hex:" + hex.EncodeToString(seed) + "\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	_, pub, err := KeyPairFromSeed(seed)
	return pub, err
}

// LoadSigningKey reads the Ed25519 key used for audit records or envelope
// signatures. The file holds a 32-byte seed or a 64-byte private key, either
// raw or text encoded. Text may carry a "hex:" or "base64:" tag; untagged
// text is tried as hex, then standard and URL-safe base64.
func LoadSigningKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	switch len(key) {
	case ed25519.SeedSize:
		return KeyPairFromSeed(key)
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(key)
		if !priv.Public().(ed25519.PublicKey).Equal(ed25519.NewKeyFromSeed(priv.Seed()).Public()) {
			return nil, nil, fmt.Errorf("%s: %w", path, ErrInconsistentKey)
		}
		return priv, priv.Public().(ed25519.PublicKey), nil
	default:
		return nil, nil, fmt.Errorf("%s: %w: %d bytes", path, ErrKeyLength, len(key))
	}
}

var keyDecoders = []func(string) ([]byte, error){
	hex.DecodeString,
	base64.StdEncoding.DecodeString,
	base64.RawURLEncoding.DecodeString,
}

func decodeKey(raw []byte) ([]byte, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, ErrEmptyKeyFile
	}
	if v, ok := strings.CutPrefix(text, "hex:"); ok {
		return hex.DecodeString(v)
	}
	if v, ok := strings.CutPrefix(text, "base64:"); ok {
		return base64.StdEncoding.DecodeString(v)
	}

	// A 64-character hex seed is also 64 bytes long, so text encodings are
	// tried before treating the file as raw key material.
	for _, decode := range keyDecoders {
		if out, err := decode(text); err == nil && (len(out) == ed25519.SeedSize || len(out) == ed25519.PrivateKeySize) {
			return out, nil
		}
	}
	if len(raw) == ed25519.SeedSize || len(raw) == ed25519.PrivateKeySize {
		return raw, nil
	}
	return nil, ErrUnrecognizedKey
}
