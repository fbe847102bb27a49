// Package domain はCAの集約、鍵ペアの状態遷移、証明書の発行判定とコマンドを定義する。
package domain

import "errors"

var (
	// ErrCommandWithoutEffect はコマンドが正当に何も変更しなかった場合のシグナル。エラーではない。
	ErrCommandWithoutEffect = errors.New("command without effect")

	// ErrOptimisticLock は行バージョンが一致せず保存できなかった場合のエラー。
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrPessimisticLock は行ロックの取得に失敗した場合のエラー（デッドロック、待機タイムアウト）。
	ErrPessimisticLock = errors.New("pessimistic lock conflict")

	// ErrTransientDataAccess は再試行で解消しうるデータアクセスエラー。
	ErrTransientDataAccess = errors.New("transient data access failure")

	// ErrResourceNotContained は子のリソースが親の認証済みリソースに含まれない場合のエラー。
	ErrResourceNotContained = errors.New("resources not contained in parent resources")

	// ErrResourceLimitExceeded は署名鍵ごとの発行証明書数の上限を超えた場合のエラー。
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")

	// ErrWrongCertificateAuthorityType は操作が許されないCA種別で呼ばれた場合のエラー。
	ErrWrongCertificateAuthorityType = errors.New("operation not allowed for certificate authority type")

	// ErrKeyPairStatus は鍵ペアが要求されたステータスにない場合のエラー。
	ErrKeyPairStatus = errors.New("key pair not in required status")

	// ErrNoCurrentKeyPair はCURRENTの鍵ペアが存在しない場合のエラー。
	ErrNoCurrentKeyPair = errors.New("no active key pair available")

	// ErrKeyPairNotFound は指定された鍵ペアが存在しない場合のエラー。
	ErrKeyPairNotFound = errors.New("key pair not found")

	// ErrCertificateAuthorityNotFound は指定されたCAが存在しない場合のエラー。
	ErrCertificateAuthorityNotFound = errors.New("certificate authority not found")

	// ErrNameNotUnique はCA名が既に使われている場合のエラー。
	ErrNameNotUnique = errors.New("certificate authority name not unique")

	// ErrInvalidCommand はコマンドのパラメータが不正な場合のエラー。
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidResourceSet はリソース表記が解析できない場合のエラー。
	ErrInvalidResourceSet = errors.New("invalid resource set")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// IsTransient は再試行すべき永続化競合かどうかを判定する。
func IsTransient(err error) bool {
	return errors.Is(err, ErrOptimisticLock) ||
		errors.Is(err, ErrPessimisticLock) ||
		errors.Is(err, ErrTransientDataAccess)
}
