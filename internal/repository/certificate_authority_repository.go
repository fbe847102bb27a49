package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lolepezy/rpki-core/internal/domain"
)

var managedTypes = []string{
	string(domain.CertificateAuthorityTypeAllResources),
	string(domain.CertificateAuthorityTypeProduction),
	string(domain.CertificateAuthorityTypeHosted),
}

// CertificateAuthorityRepository はCA集約と鍵ペアを永続化するリポジトリ。
type CertificateAuthorityRepository struct {
	db *gorm.DB
}

// NewCertificateAuthorityRepository は新しいCertificateAuthorityRepositoryを生成する。
func NewCertificateAuthorityRepository(db *gorm.DB) *CertificateAuthorityRepository {
	return &CertificateAuthorityRepository{db: db}
}

// FindByID はIDでCAを取得する。
func (r *CertificateAuthorityRepository) FindByID(ctx context.Context, id int64) (domain.CertificateAuthority, error) {
	return r.find(ctx, "find_by_id", r.db.WithContext(ctx).Where("id = ?", id))
}

// FindByIDForUpdate は行ロックを取得してCAを取得する。SQLiteは行ロックを持たないためロック句を付けない。
func (r *CertificateAuthorityRepository) FindByIDForUpdate(ctx context.Context, id int64) (domain.CertificateAuthority, error) {
	query := r.db.WithContext(ctx)
	if r.db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.find(ctx, "find_by_id_for_update", query.Where("id = ?", id))
}

// FindByName は名前でCAを取得する。
func (r *CertificateAuthorityRepository) FindByName(ctx context.Context, name string) (domain.CertificateAuthority, error) {
	return r.find(ctx, "find_by_name", r.db.WithContext(ctx).Where("name = ?", name))
}

// FindAllResourcesCA は全リソースCAを取得する。
func (r *CertificateAuthorityRepository) FindAllResourcesCA(ctx context.Context) (*domain.ManagedCertificateAuthority, error) {
	ca, err := r.find(ctx, "find_all_resources_ca",
		r.db.WithContext(ctx).Where("type = ?", string(domain.CertificateAuthorityTypeAllResources)))
	if err != nil || ca == nil {
		return nil, err
	}
	managed, ok := ca.(*domain.ManagedCertificateAuthority)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWrongCertificateAuthorityType, ca.Type())
	}
	return managed, nil
}

func (r *CertificateAuthorityRepository) find(ctx context.Context, operation string, query *gorm.DB) (domain.CertificateAuthority, error) {
	var model CertificateAuthorityModel
	if err := query.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find certificate authority",
			"operation", operation,
			"error", err,
		)
		return nil, translateError(err)
	}

	var keyPairs []KeyPairModel
	if err := r.db.WithContext(ctx).Where("ca_id = ?", model.ID).Order("id ASC").Find(&keyPairs).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find key pairs",
			"operation", operation,
			"ca_id", model.ID,
			"error", err,
		)
		return nil, translateError(err)
	}

	return model.toDomain(keyPairs)
}

// FindChildIDs は指定したCAを親に持つCAのIDを返す。
func (r *CertificateAuthorityRepository) FindChildIDs(ctx context.Context, parentID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).Model(&CertificateAuthorityModel{}).
		Where("parent_id = ?", parentID).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find child certificate authorities",
			"operation", "find_child_ids",
			"parent_id", parentID,
			"error", err,
		)
		return nil, translateError(err)
	}
	return ids, nil
}

type versionedIDRow struct {
	ID      int64
	Version int64
}

func (r *CertificateAuthorityRepository) findVersionedIDs(ctx context.Context, operation string, query *gorm.DB) ([]domain.VersionedID, error) {
	var rows []versionedIDRow
	if err := query.Select("certificate_authorities.id, certificate_authorities.version").
		Order("certificate_authorities.id ASC").
		Scan(&rows).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find certificate authority ids",
			"operation", operation,
			"error", err,
		)
		return nil, translateError(err)
	}

	ids := make([]domain.VersionedID, len(rows))
	for i, row := range rows {
		ids[i] = domain.VersionedID{ID: row.ID, Version: row.Version}
	}
	return ids, nil
}

// FindManagedIDs は管理対象CAのIDとバージョンを返す。
func (r *CertificateAuthorityRepository) FindManagedIDs(ctx context.Context) ([]domain.VersionedID, error) {
	return r.findVersionedIDs(ctx, "find_managed_ids",
		r.db.WithContext(ctx).Model(&CertificateAuthorityModel{}).Where("type IN ?", managedTypes))
}

// FindManagedWithManifestAndCrlCheckNeeded はマニフェストとCRLの再発行が必要な管理対象CAを返す。
func (r *CertificateAuthorityRepository) FindManagedWithManifestAndCrlCheckNeeded(ctx context.Context) ([]domain.VersionedID, error) {
	return r.findVersionedIDs(ctx, "find_manifest_and_crl_check_needed",
		r.db.WithContext(ctx).Model(&CertificateAuthorityModel{}).
			Where("type IN ? AND manifest_and_crl_check_needed = ?", managedTypes, true))
}

// FindHostedWithoutKeyPairsCreatedBefore は指定時刻より前に作られ、鍵ペアを1つも持たないホスト型CAを返す。
func (r *CertificateAuthorityRepository) FindHostedWithoutKeyPairsCreatedBefore(ctx context.Context, before time.Time) ([]domain.VersionedID, error) {
	return r.findVersionedIDs(ctx, "find_hosted_without_key_pairs",
		r.db.WithContext(ctx).Model(&CertificateAuthorityModel{}).
			Where("type = ? AND created_at < ?", string(domain.CertificateAuthorityTypeHosted), before.UTC()).
			Where("NOT EXISTS (SELECT 1 FROM key_pairs WHERE key_pairs.ca_id = certificate_authorities.id)"))
}

// Add は新しいCAを保存する。
func (r *CertificateAuthorityRepository) Add(ctx context.Context, ca domain.CertificateAuthority) error {
	state := ca.State()
	if err := r.db.WithContext(ctx).Create(newCertificateAuthorityModel(ca)).Error; err != nil {
		slog.ErrorContext(ctx, "failed to add certificate authority",
			"operation", "add_certificate_authority",
			"ca_id", state.ID.ID,
			"ca_name", state.Name,
			"error", err,
		)
		return translateError(err)
	}
	return r.saveKeyPairs(ctx, state)
}

// Save はバージョンが一致する場合のみCAを更新し、バージョンを1つ進める。
func (r *CertificateAuthorityRepository) Save(ctx context.Context, ca domain.CertificateAuthority) error {
	state := ca.State()
	result := r.db.WithContext(ctx).Model(&CertificateAuthorityModel{}).
		Where("id = ? AND version = ?", state.ID.ID, state.ID.Version).
		Updates(map[string]any{
			"version":                       state.ID.Version + 1,
			"name":                          state.Name,
			"parent_id":                     state.ParentID,
			"manifest_and_crl_check_needed": state.ManifestAndCrlCheckNeeded,
			"certified_resources":           ca.CertifiedResources().String(),
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to save certificate authority",
			"operation", "save_certificate_authority",
			"ca_id", state.ID.ID,
			"error", result.Error,
		)
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: certificate authority %s", domain.ErrOptimisticLock, state.ID)
	}

	if err := r.saveKeyPairs(ctx, state); err != nil {
		return err
	}
	ca.SetVersion(state.ID.Version + 1)
	return nil
}

// saveKeyPairs はCAが持つ鍵ペアの行を状態に合わせる。
func (r *CertificateAuthorityRepository) saveKeyPairs(ctx context.Context, state domain.CertificateAuthorityState) error {
	ids := make([]int64, 0, len(state.KeyPairs))
	models := make([]KeyPairModel, 0, len(state.KeyPairs))
	for _, kp := range state.KeyPairs {
		ids = append(ids, kp.ID)
		models = append(models, newKeyPairModel(state.ID.ID, kp))
	}

	stale := r.db.WithContext(ctx).Where("ca_id = ?", state.ID.ID)
	if len(ids) > 0 {
		stale = stale.Where("id NOT IN ?", ids)
	}
	if err := stale.Delete(&KeyPairModel{}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to delete stale key pairs",
			"operation", "save_key_pairs",
			"ca_id", state.ID.ID,
			"error", err,
		)
		return translateError(err)
	}
	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to save key pairs",
			"operation", "save_key_pairs",
			"ca_id", state.ID.ID,
			"error", err,
		)
		return translateError(err)
	}
	return nil
}

// Delete はCAと鍵ペア、その鍵ペアで発行した証明書を削除する。
func (r *CertificateAuthorityRepository) Delete(ctx context.Context, ca domain.CertificateAuthority) error {
	id := ca.VersionedID().ID

	var keyPairIDs []int64
	if err := r.db.WithContext(ctx).Model(&KeyPairModel{}).Where("ca_id = ?", id).Pluck("id", &keyPairIDs).Error; err != nil {
		return translateError(err)
	}
	if len(keyPairIDs) > 0 {
		if err := r.db.WithContext(ctx).Where("signing_key_pair_id IN ?", keyPairIDs).Delete(&OutgoingCertificateModel{}).Error; err != nil {
			return translateError(err)
		}
	}
	if err := r.db.WithContext(ctx).Where("ca_id = ?", id).Delete(&KeyPairModel{}).Error; err != nil {
		return translateError(err)
	}
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&CertificateAuthorityModel{}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to delete certificate authority",
			"operation", "delete_certificate_authority",
			"ca_id", id,
			"error", err,
		)
		return translateError(err)
	}

	slog.InfoContext(ctx, "certificate authority deleted",
		"operation", "delete_certificate_authority",
		"ca_id", id,
		"key_pairs", len(keyPairIDs),
	)
	return nil
}
