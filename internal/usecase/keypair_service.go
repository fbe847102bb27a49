package usecase

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/lolepezy/rpki-core/internal/domain"
)

const defaultKeySize = 2048

// KMSClient は秘密鍵の暗号化のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
}

// IDAllocator は新しいIDを払い出す。
type IDAllocator interface {
	NextID(ctx context.Context) (int64, error)
}

// KeyPairService はRSA鍵ペアを生成し、秘密鍵をKMSで暗号化して保持する。
type KeyPairService struct {
	kmsClient KMSClient
	keySize   int
	now       func() time.Time
}

// NewKeyPairService は新しいKeyPairServiceを生成する。
func NewKeyPairService(kmsClient KMSClient) *KeyPairService {
	return &KeyPairService{
		kmsClient: kmsClient,
		keySize:   defaultKeySize,
		now:       time.Now,
	}
}

// Factory は ids からIDを払い出すKeyPairFactoryを返す。
func (s *KeyPairService) Factory(ids IDAllocator) domain.KeyPairFactory {
	return &keyPairFactory{service: s, ids: ids}
}

type keyPairFactory struct {
	service *KeyPairService
	ids     IDAllocator
}

func (f *keyPairFactory) CreateKeyPair(ctx context.Context) (*domain.KeyPair, error) {
	return f.service.CreateKeyPair(ctx, f.ids)
}

// CreateKeyPair はNEWの鍵ペアを生成する。
func (s *KeyPairService) CreateKeyPair(ctx context.Context, ids IDAllocator) (*domain.KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, s.keySize)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	publicKey, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	privateKey, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	// KMSで暗号化
	encrypted, err := s.kmsClient.Encrypt(ctx, privateKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}

	id, err := ids.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating key pair id: %w", err)
	}

	now := s.now().UTC()
	return domain.NewKeyPair(id, "KEY-"+now.Format("20060102150405"), publicKey, encrypted, now), nil
}
