package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// kmsSigningAlgorithm is the KMS name for pure Ed25519 signatures.
const kmsSigningAlgorithm = kmstypes.SigningAlgorithmSpec("ED25519_SHA_512")

type kmsAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs with an Ed25519 key that never leaves AWS KMS.
type KMSSigner struct {
	client kmsAPI
	keyID  string

	mu        sync.Mutex
	publicKey ed25519.PublicKey
}

// NewKMSSigner builds a signer from the default AWS credential chain.
func NewKMSSigner(ctx context.Context, keyID, region string) (*KMSSigner, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newKMSSigner(kms.NewFromConfig(cfg), keyID), nil
}

func newKMSSigner(client kmsAPI, keyID string) *KMSSigner {
	return &KMSSigner{client: client, keyID: keyID}
}

func (s *KMSSigner) KeyID() string {
	return s.keyID
}

func (s *KMSSigner) Sign(ctx context.Context, digestHex string) (string, error) {
	digest, err := ValidateDigest(digestHex)
	if err != nil {
		return "", err
	}
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeRaw,
		SigningAlgorithm: kmsSigningAlgorithm,
	})
	if err != nil {
		return "", fmt.Errorf("kms sign: %w", err)
	}
	if len(out.Signature) != ed25519.SignatureSize {
		return "", fmt.Errorf("kms sign: unexpected signature length %d", len(out.Signature))
	}
	return hex.EncodeToString(out.Signature), nil
}

func (s *KMSSigner) Verify(_ context.Context, digestHex, signatureHex, publicKeyHex string) (bool, error) {
	return VerifyHex(digestHex, signatureHex, publicKeyHex)
}

func (s *KMSSigner) PublicKey(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicKey != nil {
		return append([]byte(nil), s.publicKey...), nil
	}

	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(s.keyID)})
	if err != nil {
		return nil, fmt.Errorf("kms public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("kms public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("kms public key: key %s is not ed25519", s.keyID)
	}
	s.publicKey = pub
	return append([]byte(nil), pub...), nil
}
