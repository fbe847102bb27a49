package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// ResourceCertificateRepository は鍵ペアが発行した証明書を永続化するリポジトリ。
type ResourceCertificateRepository struct {
	db *gorm.DB
}

// NewResourceCertificateRepository は新しいResourceCertificateRepositoryを生成する。
func NewResourceCertificateRepository(db *gorm.DB) *ResourceCertificateRepository {
	return &ResourceCertificateRepository{db: db}
}

// FindLatestOutgoingCertificate は公開鍵と署名鍵の組で最後に発行した証明書を、状態に関係なく返す。
func (r *ResourceCertificateRepository) FindLatestOutgoingCertificate(ctx context.Context, subjectKeyIdentifier string, signingKeyPairID int64) (*domain.OutgoingCertificate, error) {
	var model OutgoingCertificateModel
	err := r.db.WithContext(ctx).
		Where("subject_key_identifier = ? AND signing_key_pair_id = ?", subjectKeyIdentifier, signingKeyPairID).
		Order("id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find latest outgoing certificate",
			"operation", "find_latest_outgoing_certificate",
			"subject_key_identifier", subjectKeyIdentifier,
			"signing_key_pair_id", signingKeyPairID,
			"error", err,
		)
		return nil, translateError(err)
	}
	return model.toDomain()
}

// FindCurrentCertificatesBySubjectKey は公開鍵に対して有効な証明書をすべて返す。
func (r *ResourceCertificateRepository) FindCurrentCertificatesBySubjectKey(ctx context.Context, subjectKeyIdentifier string) ([]*domain.OutgoingCertificate, error) {
	var models []OutgoingCertificateModel
	if err := r.db.WithContext(ctx).
		Where("subject_key_identifier = ? AND status = ?", subjectKeyIdentifier, string(domain.OutgoingCertificateStatusCurrent)).
		Order("id ASC").
		Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find current certificates",
			"operation", "find_current_certificates",
			"subject_key_identifier", subjectKeyIdentifier,
			"error", err,
		)
		return nil, translateError(err)
	}

	certificates := make([]*domain.OutgoingCertificate, 0, len(models))
	for i := range models {
		c, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		certificates = append(certificates, c)
	}
	return certificates, nil
}

// CountNonExpiredOutgoingCertificates は期限切れでない証明書の数を返す。
func (r *ResourceCertificateRepository) CountNonExpiredOutgoingCertificates(ctx context.Context, subjectKeyIdentifier string, signingKeyPairID int64) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&OutgoingCertificateModel{}).
		Where("subject_key_identifier = ? AND signing_key_pair_id = ?", subjectKeyIdentifier, signingKeyPairID).
		Where("status <> ?", string(domain.OutgoingCertificateStatusExpired)).
		Count(&count).Error; err != nil {
		return 0, translateError(err)
	}
	return count, nil
}

// ExistsCurrentOutgoingCertificatesExceptForManifest はマニフェスト以外に有効な証明書があるかを返す。
func (r *ResourceCertificateRepository) ExistsCurrentOutgoingCertificatesExceptForManifest(ctx context.Context, signingKeyPairID int64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&OutgoingCertificateModel{}).
		Where("signing_key_pair_id = ? AND status = ?", signingKeyPairID, string(domain.OutgoingCertificateStatusCurrent)).
		Where("kind <> ?", string(domain.OutgoingCertificateKindManifest)).
		Count(&count).Error; err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

// Add は発行した証明書を保存し、採番されたIDを設定する。
func (r *ResourceCertificateRepository) Add(ctx context.Context, cert *domain.OutgoingCertificate) error {
	model := newOutgoingCertificateModel(cert)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to add outgoing certificate",
			"operation", "add_outgoing_certificate",
			"signing_key_pair_id", cert.SigningKeyPairID,
			"serial", cert.Serial,
			"error", err,
		)
		return translateError(err)
	}
	cert.ID = model.ID
	return nil
}

// Revoke は証明書を失効状態にする。
func (r *ResourceCertificateRepository) Revoke(ctx context.Context, id int64, at time.Time) error {
	if err := r.db.WithContext(ctx).Model(&OutgoingCertificateModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(domain.OutgoingCertificateStatusRevoked),
			"revoked_at": at.UTC(),
		}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to revoke outgoing certificate",
			"operation", "revoke_outgoing_certificate",
			"certificate_id", id,
			"error", err,
		)
		return translateError(err)
	}
	return nil
}

// DeleteOutgoingCertificatesForKeyPair は鍵ペアが発行した証明書を削除し、削除件数を返す。
func (r *ResourceCertificateRepository) DeleteOutgoingCertificatesForKeyPair(ctx context.Context, signingKeyPairID int64) (int64, error) {
	result := r.db.WithContext(ctx).Where("signing_key_pair_id = ?", signingKeyPairID).Delete(&OutgoingCertificateModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete outgoing certificates",
			"operation", "delete_outgoing_certificates",
			"signing_key_pair_id", signingKeyPairID,
			"error", result.Error,
		)
		return 0, translateError(result.Error)
	}
	return result.RowsAffected, nil
}
