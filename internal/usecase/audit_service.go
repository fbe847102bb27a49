package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// AuditService はコマンド実行ごとの監査記録を作る。記録はコマンドと同じトランザクションで保存される。
type AuditService struct {
	now func() time.Time
}

// NewAuditService は新しいAuditServiceを生成する。
func NewAuditService() *AuditService {
	return &AuditService{now: time.Now}
}

// StartRecording は試行ごとの記録を開始する。
func (s *AuditService) StartRecording(cmd domain.Command) *domain.CommandContext {
	return domain.NewCommandContext(cmd, s.now().UTC())
}

// RecordEvent はイベントを発行順に追加する。
func (s *AuditService) RecordEvent(cc *domain.CommandContext, e domain.Event) {
	cc.RecordEvent(e)
}

// FinishRecording はコマンドと記録されたイベントを保存する。
func (s *AuditService) FinishRecording(ctx context.Context, store domain.Store, cc *domain.CommandContext) error {
	audit := &domain.CommandAudit{
		CAID:         cc.Command.CertificateAuthorityID(),
		CommandGroup: cc.Command.CommandGroup(),
		CommandType:  cc.Command.CommandType(),
		Summary:      cc.Command.CommandSummary(),
		ExecutedAt:   cc.StartedAt,
	}
	for i, e := range cc.Events() {
		audit.Events = append(audit.Events, domain.CommandAuditEvent{
			Sequence:  i + 1,
			EventType: e.EventType(),
			Summary:   e.Summary(),
		})
	}
	if err := store.CommandAudits().Add(ctx, audit); err != nil {
		return fmt.Errorf("recording command audit: %w", err)
	}
	return nil
}
