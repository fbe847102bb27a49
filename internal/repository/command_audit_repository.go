package repository

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// CommandAuditRepository はコマンド監査記録を永続化するリポジトリ。
type CommandAuditRepository struct {
	db *gorm.DB
}

// NewCommandAuditRepository は新しいCommandAuditRepositoryを生成する。
func NewCommandAuditRepository(db *gorm.DB) *CommandAuditRepository {
	return &CommandAuditRepository{db: db}
}

// Add は監査記録とイベントを保存する。
func (r *CommandAuditRepository) Add(ctx context.Context, audit *domain.CommandAudit) error {
	model := &CommandAuditModel{
		CAID:         audit.CAID.ID,
		CAVersion:    audit.CAID.Version,
		CommandGroup: string(audit.CommandGroup),
		CommandType:  audit.CommandType,
		Summary:      audit.Summary,
		ExecutedAt:   audit.ExecutedAt.UTC(),
	}
	for _, e := range audit.Events {
		model.Events = append(model.Events, CommandAuditEventModel{
			Sequence:  e.Sequence,
			EventType: e.EventType,
			Summary:   e.Summary,
		})
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to add command audit",
			"operation", "add_command_audit",
			"ca_id", audit.CAID.ID,
			"command_type", audit.CommandType,
			"error", err,
		)
		return translateError(err)
	}
	audit.ID = model.ID
	return nil
}

// FindByCertificateAuthority はCAの監査記録を新しい順に最大 limit 件返す。
func (r *CommandAuditRepository) FindByCertificateAuthority(ctx context.Context, caID int64, limit int) ([]*domain.CommandAudit, error) {
	var models []CommandAuditModel
	if err := r.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("ca_id = ?", caID).
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find command audits",
			"operation", "find_command_audits",
			"ca_id", caID,
			"error", err,
		)
		return nil, translateError(err)
	}

	audits := make([]*domain.CommandAudit, len(models))
	for i := range models {
		audits[i] = models[i].toDomain()
	}
	return audits, nil
}
