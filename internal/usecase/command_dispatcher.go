package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// KeyPairFactoryProvider はIDの払い出し元に結びついたKeyPairFactoryを返す。
type KeyPairFactoryProvider interface {
	Factory(ids IDAllocator) domain.KeyPairFactory
}

// DispatcherSettings はハンドラが参照する設定値。
type DispatcherSettings struct {
	RepositoryURI                       string
	IssuedCertificatesPerSignedKeyLimit int64
}

// Dispatcher は閉じたコマンドの集合を対応するハンドラに振り分ける。
type Dispatcher struct {
	keyPairs KeyPairFactoryProvider
	ids      IDAllocator
	encoder  domain.CertificateEncoder
	settings DispatcherSettings
	now      func() time.Time
}

// NewDispatcher は新しいDispatcherを生成する。
// ids はコマンドのトランザクションとは独立にコミットする払い出し元でなければならない。
func NewDispatcher(keyPairs KeyPairFactoryProvider, ids IDAllocator, encoder domain.CertificateEncoder, settings DispatcherSettings) *Dispatcher {
	return &Dispatcher{
		keyPairs: keyPairs,
		ids:      ids,
		encoder:  encoder,
		settings: settings,
		now:      time.Now,
	}
}

// Dispatch はコマンドをトランザクション内のストアに対して実行する。
// 何も変更しなかった場合は domain.ErrCommandWithoutEffect を返す。
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	store domain.Store,
	cmd domain.Command,
	_ *domain.CommandStatus,
	events domain.EventPublisher,
) error {
	h := &commandHandler{
		dispatcher: d,
		store:      store,
		events:     events,
		creator:    NewCertificateRequestCreationService(d.settings.RepositoryURI, d.keyPairs.Factory(d.ids)),
		deletion:   NewKeyPairDeletionService(store.ResourceCertificates()),
		now:        d.now().UTC(),
	}

	switch c := cmd.(type) {
	case domain.CreateAllResourcesCertificateAuthorityCommand:
		return h.createAllResourcesCertificateAuthority(ctx, c)
	case domain.CreateProductionCertificateAuthorityCommand:
		return h.createProductionCertificateAuthority(ctx, c)
	case domain.ActivateHostedCertificateAuthorityCommand:
		return h.activateHostedCertificateAuthority(ctx, c)
	case domain.ActivateNonHostedCertificateAuthorityCommand:
		return h.activateNonHostedCertificateAuthority(ctx, c)
	case domain.DeleteCertificateAuthorityCommand:
		return h.deleteCertificateAuthority(ctx, c)
	case domain.UpdateAllIncomingResourceCertificatesCommand:
		return h.updateAllIncomingResourceCertificates(ctx, c)
	case domain.KeyManagementInitiateRollCommand:
		return h.initiateRoll(ctx, c)
	case domain.KeyManagementActivatePendingKeysCommand:
		return h.activatePendingKeys(ctx, c)
	case domain.KeyManagementRevokeOldKeysCommand:
		return h.revokeOldKeys(ctx, c)
	case domain.IssueUpdatedManifestAndCrlCommand:
		return h.issueUpdatedManifestAndCrl(ctx, c)
	}
	return fmt.Errorf("%w: no handler for %s", domain.ErrInvalidCommand, cmd.CommandType())
}
