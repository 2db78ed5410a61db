package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeKey(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadSigningKeyEncodings(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	want := ed25519.NewKeyFromSeed(seed)

	cases := map[string][]byte{
		"tagged hex seed":       []byte("hex:" + hex.EncodeToString(seed)),
		"bare hex seed":         []byte(hex.EncodeToString(seed)),
		"bare hex seed newline": []byte(hex.EncodeToString(seed) + "\n"),
		"tagged base64 private": []byte("base64:" + base64.StdEncoding.EncodeToString(want)),
		"bare base64 seed":      []byte(base64.StdEncoding.EncodeToString(seed)),
		"url base64 seed":       []byte(base64.RawURLEncoding.EncodeToString(seed)),
		"raw seed bytes":        seed,
		"raw private key bytes": want,
		"hex private key":       []byte(hex.EncodeToString(want)),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			priv, pub, err := LoadSigningKey(writeKey(t, data))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if !priv.Equal(want) || !pub.Equal(want.Public()) {
				t.Fatalf("loaded a different key")
			}
		})
	}
}

func TestLoadSigningKeyErrors(t *testing.T) {
	if _, _, err := LoadSigningKey(writeKey(t, []byte("  \n"))); !errors.Is(err, ErrEmptyKeyFile) {
		t.Fatalf("expected ErrEmptyKeyFile, got %v", err)
	}
	if _, _, err := LoadSigningKey(writeKey(t, []byte("not-a-key"))); !errors.Is(err, ErrUnrecognizedKey) {
		t.Fatalf("expected ErrUnrecognizedKey, got %v", err)
	}
	if _, _, err := LoadSigningKey(writeKey(t, []byte("hex:abcd"))); !errors.Is(err, ErrKeyLength) {
		t.Fatalf("expected ErrKeyLength, got %v", err)
	}

	priv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	forged := append(ed25519.PrivateKey(nil), priv...)
	forged[63] ^= 0xff
	if _, _, err := LoadSigningKey(writeKey(t, []byte("hex:"+hex.EncodeToString(forged)))); !errors.Is(err, ErrInconsistentKey) {
		t.Fatalf("expected ErrInconsistentKey, got %v", err)
	}

	if _, _, err := LoadSigningKey(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestGenerateSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.key")
	pub, err := GenerateSeedFile(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(raw), "hex:") {
		t.Fatalf("unexpected file contents: %q", raw)
	}
	_, loaded, err := LoadSigningKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Equal(pub) {
		t.Fatalf("public key mismatch")
	}
	if _, err := GenerateSeedFile(path); err == nil {
		t.Fatalf("existing key must not be overwritten")
	}
}
