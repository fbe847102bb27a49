package usecase

import (
	"context"
	"fmt"

	"github.com/lolepezy/rpki-core/internal/domain"
)

const defaultAuditHistoryLimit = 20

// CertificateAuthorityView はCAの状態と直近の監査記録。
type CertificateAuthorityView struct {
	State  domain.CertificateAuthorityState
	Audits []*domain.CommandAudit
}

// CertificateAuthorityQueryService はCAの読み取り専用の参照を提供する。
type CertificateAuthorityQueryService struct {
	transactor domain.Transactor
}

// NewCertificateAuthorityQueryService は新しいCertificateAuthorityQueryServiceを生成する。
func NewCertificateAuthorityQueryService(transactor domain.Transactor) *CertificateAuthorityQueryService {
	return &CertificateAuthorityQueryService{transactor: transactor}
}

// Get はCAと直近の監査記録を返す。見つからなければ domain.ErrCertificateAuthorityNotFound。
func (s *CertificateAuthorityQueryService) Get(ctx context.Context, id int64) (*CertificateAuthorityView, error) {
	status := &domain.TransactionStatus{}
	// 読み取りのみのためコミットしない
	status.SetRollbackOnly()

	var view *CertificateAuthorityView
	err := s.transactor.InTransaction(ctx, status, func(ctx context.Context, store domain.Store) error {
		ca, err := store.CertificateAuthorities().FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("finding certificate authority: %w", err)
		}
		if ca == nil {
			return fmt.Errorf("%w: id %d", domain.ErrCertificateAuthorityNotFound, id)
		}
		audits, err := store.CommandAudits().FindByCertificateAuthority(ctx, id, defaultAuditHistoryLimit)
		if err != nil {
			return fmt.Errorf("finding command audits: %w", err)
		}
		view = &CertificateAuthorityView{State: ca.State(), Audits: audits}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}
