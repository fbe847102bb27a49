package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// sequenceName は全CAと全鍵ペアで共有するIDカウンタの名前。
const sequenceName = "seq_all"

const (
	mysqlErrLockDeadlock = 1213
	mysqlErrLockTimeout  = 1205
)

var errRollbackOnly = errors.New("transaction marked rollback only")

// Store は1つのトランザクションに束ねたリポジトリ群。
type Store struct {
	db *gorm.DB
}

// NewStore は新しいStoreを生成する。db はトランザクションでもよい。
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CertificateAuthorities はCAリポジトリを返す。
func (s *Store) CertificateAuthorities() domain.CertificateAuthorityRepository {
	return NewCertificateAuthorityRepository(s.db)
}

// ResourceCertificates は発行証明書リポジトリを返す。
func (s *Store) ResourceCertificates() domain.ResourceCertificateStore {
	return NewResourceCertificateRepository(s.db)
}

// CommandAudits は監査記録リポジトリを返す。
func (s *Store) CommandAudits() domain.CommandAuditRepository {
	return NewCommandAuditRepository(s.db)
}

// ResourceCache はリソースキャッシュを返す。
func (s *Store) ResourceCache() domain.ResourceCacheRepository {
	return NewResourceCacheRepository(s.db)
}

// NextID は共有カウンタを1つ進めて新しい値を返す。
func (s *Store) NextID(ctx context.Context) (int64, error) {
	db := s.db.WithContext(ctx)
	result := db.Model(&SequenceModel{}).
		Where("name = ?", sequenceName).
		Update("value", gorm.Expr("value + 1"))
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to advance sequence",
			"operation", "next_id",
			"error", result.Error,
		)
		return 0, translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		seq := &SequenceModel{Name: sequenceName, Value: 1}
		if err := db.Create(seq).Error; err != nil {
			return 0, translateError(err)
		}
		return seq.Value, nil
	}

	var seq SequenceModel
	if err := db.Where("name = ?", sequenceName).First(&seq).Error; err != nil {
		return 0, translateError(err)
	}
	return seq.Value, nil
}

// Transactor はgormのトランザクションでStoreを提供する。
type Transactor struct {
	db *gorm.DB
}

// NewTransactor は新しいTransactorを生成する。
func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// InTransaction は fn をトランザクション内で実行する。
// fn がエラーを返すか status がロールバック指定されていればロールバックする。
func (t *Transactor) InTransaction(ctx context.Context, status *domain.TransactionStatus, fn func(ctx context.Context, store domain.Store) error) error {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(ctx, NewStore(tx)); err != nil {
			return err
		}
		if status != nil && status.IsRollbackOnly() {
			return errRollbackOnly
		}
		return nil
	})
	if errors.Is(err, errRollbackOnly) {
		return nil
	}
	return translateError(err)
}

// SequenceAllocator はコマンドのトランザクションとは別の短いトランザクションで共有カウンタを進める。
// 払い出したIDは即時にコミットされ、呼び出し元がロールバックしても再利用されない。
type SequenceAllocator struct {
	db *gorm.DB
}

// NewSequenceAllocator は新しいSequenceAllocatorを生成する。db はトランザクションに入っていない接続を渡す。
func NewSequenceAllocator(db *gorm.DB) *SequenceAllocator {
	return &SequenceAllocator{db: db}
}

// NextID は新しいIDを払い出してコミットする。
func (a *SequenceAllocator) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = NewStore(tx).NextID(ctx)
		return err
	})
	if err != nil {
		return 0, translateError(err)
	}
	return id, nil
}

// translateError はドライバのエラーをドメインの一時障害エラーに変換する。
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockDeadlock, mysqlErrLockTimeout:
			return fmt.Errorf("%w: %v", domain.ErrPessimisticLock, err)
		}
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", domain.ErrTransientDataAccess, err)
		}
	}
	return err
}
