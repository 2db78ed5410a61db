package crypto

import "errors"

var (
	ErrInvalidNumber    = errors.New("number is not finite")
	ErrNonStringMapKey  = errors.New("map keys must be strings")
	ErrUnsupportedType  = errors.New("unsupported type for canonicalization")
	ErrKeyCollision     = errors.New("normalized map key collision")
	ErrInvalidSeedSize  = errors.New("invalid ed25519 seed size")
	ErrInvalidDigestLen = errors.New("invalid digest length")
	ErrInvalidDigestHex = errors.New("digest must be 64 hex characters")

	ErrEmptyKeyFile    = errors.New("key file is empty")
	ErrUnrecognizedKey = errors.New("key file encoding not recognised")
	ErrKeyLength       = errors.New("key must be a 32-byte seed or 64-byte private key")
	ErrInconsistentKey = errors.New("private key does not match its embedded public key")
)
