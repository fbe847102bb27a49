package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// KeyPairDeletionService は失効済みの鍵ペアと、その鍵で発行した証明書を削除する。
type KeyPairDeletionService struct {
	certificates domain.ResourceCertificateStore
}

// NewKeyPairDeletionService は新しいKeyPairDeletionServiceを生成する。
func NewKeyPairDeletionService(certificates domain.ResourceCertificateStore) *KeyPairDeletionService {
	return &KeyPairDeletionService{certificates: certificates}
}

// DeleteRevokedKeysFromResponses は失効応答に対応するREVOKEDの鍵ペアをCAから取り除く。
func (s *KeyPairDeletionService) DeleteRevokedKeysFromResponses(
	ctx context.Context,
	ca *domain.ManagedCertificateAuthority,
	responses []domain.CertificateRevocationResponse,
) error {
	for _, response := range responses {
		ski := domain.KeyIdentifier(response.SubjectPublicKey)
		deleted, err := ca.DeleteRevokedKey(ski, func(kp *domain.KeyPair) error {
			n, err := s.certificates.DeleteOutgoingCertificatesForKeyPair(ctx, kp.ID())
			if err != nil {
				return fmt.Errorf("deleting outgoing certificates of key pair %d: %w", kp.ID(), err)
			}
			slog.DebugContext(ctx, "deleted outgoing certificates of revoked key pair",
				"key_pair_id", kp.ID(),
				"count", n,
			)
			return nil
		})
		if err != nil {
			return err
		}
		if deleted != nil {
			slog.InfoContext(ctx, "deleted revoked key pair",
				"ca_id", ca.VersionedID().ID,
				"key_pair_id", deleted.ID,
				"subject_key_identifier", ski,
			)
		}
	}
	return nil
}
