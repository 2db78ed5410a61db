package policy

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/crypto"
	"github.com/davidahmann/ssi-gateway/internal/signer"
	"github.com/davidahmann/ssi-gateway/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	LaneDev     = "dev"
	LaneStaging = "staging"
	LaneProd    = "prod"
)

var (
	ErrUnsignedEnvelope         = errors.New("envelope is not signed")
	ErrUntrustedEnvelopeKey     = errors.New("envelope signed by an untrusted key")
	ErrInvalidEnvelopeSignature = errors.New("envelope signature does not verify")
)

type LoadedEnvelope struct {
	Envelope types.Envelope
	Hash     string
	Source   string
	Lane     string
	Bytes    []byte
}

type LoadOptions struct {
	Lane              string
	RequireSignatures bool
	// TrustedKeys maps a signing key id to its hex Ed25519 public key.
	TrustedKeys map[string]string
}

// LoadEnvelope reads a JSON or YAML envelope and hashes the raw file bytes.
func LoadEnvelope(path string) (LoadedEnvelope, error) {
	// #nosec G304 -- path comes from the operator-configured envelope directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedEnvelope{}, err
	}

	var env types.Envelope
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &env)
	default:
		err = yaml.Unmarshal(data, &env)
	}
	if err != nil {
		return LoadedEnvelope{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if env.EnvelopeID == "" {
		return LoadedEnvelope{}, fmt.Errorf("parse %s: envelope_id is required", path)
	}

	return LoadedEnvelope{
		Envelope: env,
		Hash:     crypto.DigestHex(data),
		Source:   path,
		Bytes:    data,
	}, nil
}

// LaneDir picks the directory for a lane. The prod lane falls back to the
// base directory when there is no prod subdirectory.
func LaneDir(baseDir, lane string) string {
	switch lane {
	case LaneDev, LaneStaging:
		return filepath.Join(baseDir, lane)
	default:
		prodDir := filepath.Join(baseDir, LaneProd)
		if info, err := os.Stat(prodDir); err == nil && info.IsDir() {
			return prodDir
		}
		return baseDir
	}
}

// LoadLane loads every envelope file for a lane. Files that fail to parse
// or fail signature checks are skipped and reported in the returned slice.
func LoadLane(baseDir string, opts LoadOptions) (Snapshot, []error) {
	lane := opts.Lane
	if lane == "" {
		lane = LaneProd
	}
	dir := LaneDir(baseDir, lane)
	snapshot := Snapshot{Lane: lane, Dir: dir, LoadedAt: time.Now().UTC()}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return snapshot, []error{fmt.Errorf("read envelope dir %s: %w", dir, err)}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isEnvelopeFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var problems []error
	for _, name := range names {
		path := filepath.Join(dir, name)
		loaded, err := LoadEnvelope(path)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if opts.RequireSignatures {
			if err := VerifyEnvelopeSignature(loaded.Envelope, opts.TrustedKeys); err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", path, err))
				continue
			}
		}
		loaded.Lane = lane
		snapshot.Envelopes = append(snapshot.Envelopes, loaded)
	}
	return snapshot, problems
}

func isEnvelopeFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// EnvelopeDigest is the hex SHA-256 of the canonical envelope without its
// signature.
func EnvelopeDigest(env types.Envelope) (string, error) {
	env.Signature = nil
	canonical, err := crypto.CanonicalizeStruct(env)
	if err != nil {
		return "", err
	}
	return crypto.DigestHex(canonical), nil
}

func VerifyEnvelopeSignature(env types.Envelope, trustedKeys map[string]string) error {
	if env.Signature == nil || env.Signature.Sig == "" {
		return ErrUnsignedEnvelope
	}
	publicKey, ok := trustedKeys[env.Signature.KeyID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUntrustedEnvelopeKey, env.Signature.KeyID)
	}
	digest, err := EnvelopeDigest(env)
	if err != nil {
		return err
	}
	valid, err := signer.VerifyHex(digest, env.Signature.Sig, publicKey)
	if err != nil {
		return err
	}
	if !valid {
		return ErrInvalidEnvelopeSignature
	}
	return nil
}

// SignEnvelope returns env with a signature made by privateKey.
func SignEnvelope(env types.Envelope, keyID string, privateKey ed25519.PrivateKey) (types.Envelope, error) {
	digest, err := EnvelopeDigest(env)
	if err != nil {
		return types.Envelope{}, err
	}
	raw, err := crypto.ParseDigestHex(digest)
	if err != nil {
		return types.Envelope{}, err
	}
	sig, err := crypto.SignEd25519(privateKey, raw)
	if err != nil {
		return types.Envelope{}, err
	}
	env.Signature = &types.EnvelopeSignature{KeyID: keyID, Sig: hex.EncodeToString(sig)}
	return env, nil
}
