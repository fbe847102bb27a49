package repository

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// ResourceCacheRepository はレジストリから同期したCAごとのリソースを保持する。
type ResourceCacheRepository struct {
	db *gorm.DB
}

// NewResourceCacheRepository は新しいResourceCacheRepositoryを生成する。
func NewResourceCacheRepository(db *gorm.DB) *ResourceCacheRepository {
	return &ResourceCacheRepository{db: db}
}

// Lookup はCA名に対応するリソースを返す。エントリがなければ ok=false。
func (r *ResourceCacheRepository) Lookup(ctx context.Context, name string) (domain.ResourceSet, bool, error) {
	var model ResourceCacheModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ResourceSet{}, false, nil
		}
		slog.ErrorContext(ctx, "failed to look up resource cache",
			"operation", "lookup_resource_cache",
			"ca_name", name,
			"error", err,
		)
		return domain.ResourceSet{}, false, translateError(err)
	}

	resources, err := domain.ParseResourceSet(model.Resources)
	if err != nil {
		return domain.ResourceSet{}, false, err
	}
	return resources, true, nil
}

// Update はCA名に対応するリソースを登録または置き換える。
func (r *ResourceCacheRepository) Update(ctx context.Context, name string, resources domain.ResourceSet) error {
	model := &ResourceCacheModel{Name: name, Resources: resources.String()}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"resources", "updated_at"}),
		}).
		Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to update resource cache",
			"operation", "update_resource_cache",
			"ca_name", name,
			"error", err,
		)
		return translateError(err)
	}
	return nil
}
