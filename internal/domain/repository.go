package domain

import (
	"context"
	"time"
)

// CertificateAuthorityRepository はCA集約の読み書き契約。見つからない場合は nil, nil を返す。
type CertificateAuthorityRepository interface {
	FindByID(ctx context.Context, id int64) (CertificateAuthority, error)
	// FindByIDForUpdate は行ロックを取得して読み込む。
	FindByIDForUpdate(ctx context.Context, id int64) (CertificateAuthority, error)
	FindByName(ctx context.Context, name string) (CertificateAuthority, error)
	FindAllResourcesCA(ctx context.Context) (*ManagedCertificateAuthority, error)
	FindChildIDs(ctx context.Context, parentID int64) ([]int64, error)
	FindManagedIDs(ctx context.Context) ([]VersionedID, error)
	FindManagedWithManifestAndCrlCheckNeeded(ctx context.Context) ([]VersionedID, error)
	FindHostedWithoutKeyPairsCreatedBefore(ctx context.Context, before time.Time) ([]VersionedID, error)
	Add(ctx context.Context, ca CertificateAuthority) error
	// Save はバージョンが一致する場合のみ保存し、バージョンを進める。一致しなければ ErrOptimisticLock。
	Save(ctx context.Context, ca CertificateAuthority) error
	Delete(ctx context.Context, ca CertificateAuthority) error
}

// ResourceCertificateStore は発行済み証明書の永続化契約。
type ResourceCertificateStore interface {
	ResourceCertificateRepository
	DeleteOutgoingCertificatesForKeyPair(ctx context.Context, signingKeyPairID int64) (int64, error)
}

// CommandAuditRepository はコマンド監査記録の保存先。
type CommandAuditRepository interface {
	Add(ctx context.Context, audit *CommandAudit) error
	FindByCertificateAuthority(ctx context.Context, caID int64, limit int) ([]*CommandAudit, error)
}

// ResourceCacheRepository は外部のレジストリから同期された、CA名ごとの保有リソース。
type ResourceCacheRepository interface {
	Lookup(ctx context.Context, name string) (ResourceSet, bool, error)
	Update(ctx context.Context, name string, resources ResourceSet) error
}

// Store は1つのトランザクションに束ねられたリポジトリ群。
type Store interface {
	CertificateAuthorities() CertificateAuthorityRepository
	ResourceCertificates() ResourceCertificateStore
	CommandAudits() CommandAuditRepository
	ResourceCache() ResourceCacheRepository
	// NextID は単一の共有カウンタから新しいIDを払い出す。
	NextID(ctx context.Context) (int64, error)
}

// Transactor はトランザクション境界を提供する。
// fn がエラーを返すか status がロールバック指定されていればロールバックする。
type Transactor interface {
	InTransaction(ctx context.Context, status *TransactionStatus, fn func(ctx context.Context, store Store) error) error
}

// CommandAudit は1回のコマンド実行の監査記録。
type CommandAudit struct {
	ID           int64
	CAID         VersionedID
	CommandGroup CommandGroup
	CommandType  string
	Summary      string
	ExecutedAt   time.Time
	Events       []CommandAuditEvent
}

// CommandAuditEvent はコマンドが発行したイベントの記録。Sequence は発行順。
type CommandAuditEvent struct {
	Sequence  int
	EventType string
	Summary   string
}
