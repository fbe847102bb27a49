package domain

import (
	"fmt"
	"strconv"
	"time"
)

// VersionedID はCAのIDと楽観的ロック用のバージョン。
type VersionedID struct {
	ID      int64 `validate:"gt=0"`
	Version int64 `validate:"gte=0"`
}

// NewVersionedID は初期バージョンのIDを生成する。
func NewVersionedID(id int64) VersionedID {
	return VersionedID{ID: id}
}

func (v VersionedID) String() string {
	return strconv.FormatInt(v.ID, 10) + ":" + strconv.FormatInt(v.Version, 10)
}

// CommandGroup はコマンドの発行元の区分。
type CommandGroup string

const (
	CommandGroupUser   CommandGroup = "USER"
	CommandGroupSystem CommandGroup = "SYSTEM"
)

// Command は対象CAと操作固有のパラメータを持つ不変の値。種類はこのパッケージで閉じている。
type Command interface {
	CertificateAuthorityID() VersionedID
	CommandGroup() CommandGroup
	CommandType() string
	CommandSummary() string
}

// CertificateAuthorityCommand は全コマンドに共通する対象CAの指定。
type CertificateAuthorityCommand struct {
	CAID VersionedID `validate:"required"`
}

func (c CertificateAuthorityCommand) CertificateAuthorityID() VersionedID { return c.CAID }

// CreateAllResourcesCertificateAuthorityCommand は全リソースを持つ最上位CAを作成する。
type CreateAllResourcesCertificateAuthorityCommand struct {
	CertificateAuthorityCommand
	Name string `validate:"required"`
}

func (CreateAllResourcesCertificateAuthorityCommand) CommandGroup() CommandGroup {
	return CommandGroupSystem
}
func (CreateAllResourcesCertificateAuthorityCommand) CommandType() string {
	return "CreateAllResourcesCertificateAuthorityCommand"
}
func (CreateAllResourcesCertificateAuthorityCommand) CommandSummary() string {
	return "Created All Resources Certificate Authority."
}

// CreateProductionCertificateAuthorityCommand は全リソースCAの下に本番CAを作成する。
type CreateProductionCertificateAuthorityCommand struct {
	CertificateAuthorityCommand
	Name     string `validate:"required"`
	ParentID int64  `validate:"gt=0"`
}

func (CreateProductionCertificateAuthorityCommand) CommandGroup() CommandGroup {
	return CommandGroupSystem
}
func (CreateProductionCertificateAuthorityCommand) CommandType() string {
	return "CreateProductionCertificateAuthorityCommand"
}
func (c CreateProductionCertificateAuthorityCommand) CommandSummary() string {
	return fmt.Sprintf("Created Production Certificate Authority '%s'.", c.Name)
}

// ActivateHostedCertificateAuthorityCommand はメンバー向けのホステッドCAを作成し、初回の証明書を要求する。
type ActivateHostedCertificateAuthorityCommand struct {
	CertificateAuthorityCommand
	Name     string `validate:"required"`
	ParentID int64  `validate:"gt=0"`
}

func (ActivateHostedCertificateAuthorityCommand) CommandGroup() CommandGroup {
	return CommandGroupUser
}
func (ActivateHostedCertificateAuthorityCommand) CommandType() string {
	return "ActivateHostedCertificateAuthorityCommand"
}
func (c ActivateHostedCertificateAuthorityCommand) CommandSummary() string {
	return fmt.Sprintf("Created and activated Hosted Certificate Authority '%s'.", c.Name)
}

// ActivateNonHostedCertificateAuthorityCommand は鍵を外部で管理するCAを登録する。
type ActivateNonHostedCertificateAuthorityCommand struct {
	CertificateAuthorityCommand
	Name     string `validate:"required"`
	ParentID int64  `validate:"gt=0"`
}

func (ActivateNonHostedCertificateAuthorityCommand) CommandGroup() CommandGroup {
	return CommandGroupUser
}
func (ActivateNonHostedCertificateAuthorityCommand) CommandType() string {
	return "ActivateNonHostedCertificateAuthorityCommand"
}
func (c ActivateNonHostedCertificateAuthorityCommand) CommandSummary() string {
	return fmt.Sprintf("Created and activated Non-Hosted Certificate Authority '%s'.", c.Name)
}

// DeleteCertificateAuthorityCommand は鍵ペアを持たないCAを削除する。
type DeleteCertificateAuthorityCommand struct {
	CertificateAuthorityCommand
}

func (DeleteCertificateAuthorityCommand) CommandGroup() CommandGroup { return CommandGroupUser }
func (DeleteCertificateAuthorityCommand) CommandType() string {
	return "DeleteCertificateAuthorityCommand"
}
func (DeleteCertificateAuthorityCommand) CommandSummary() string {
	return "Deleted Certificate Authority."
}

// UpdateAllIncomingResourceCertificatesCommand は親に問い合わせて受領証明書を最新にする。
type UpdateAllIncomingResourceCertificatesCommand struct {
	CertificateAuthorityCommand
}

func (UpdateAllIncomingResourceCertificatesCommand) CommandGroup() CommandGroup {
	return CommandGroupSystem
}
func (UpdateAllIncomingResourceCertificatesCommand) CommandType() string {
	return "UpdateAllIncomingResourceCertificatesCommand"
}
func (UpdateAllIncomingResourceCertificatesCommand) CommandSummary() string {
	return "Updated all incoming certificates."
}

// KeyManagementInitiateRollCommand は古いCURRENT鍵のロールを開始する。
type KeyManagementInitiateRollCommand struct {
	CertificateAuthorityCommand
	MaxAgeDays int `validate:"gte=0"`
}

func (KeyManagementInitiateRollCommand) CommandGroup() CommandGroup { return CommandGroupSystem }
func (KeyManagementInitiateRollCommand) CommandType() string {
	return "KeyManagementInitiateRollCommand"
}
func (c KeyManagementInitiateRollCommand) CommandSummary() string {
	return fmt.Sprintf("Initiated key roll for keys older than %d days.", c.MaxAgeDays)
}

// KeyManagementActivatePendingKeysCommand はステージング期間を過ぎたPENDING鍵を有効化する。
type KeyManagementActivatePendingKeysCommand struct {
	CertificateAuthorityCommand
	MinStagingTime time.Duration `validate:"gte=0"`
}

func (KeyManagementActivatePendingKeysCommand) CommandGroup() CommandGroup {
	return CommandGroupSystem
}
func (KeyManagementActivatePendingKeysCommand) CommandType() string {
	return "KeyManagementActivatePendingKeysCommand"
}
func (c KeyManagementActivatePendingKeysCommand) CommandSummary() string {
	return fmt.Sprintf("Activated pending keys staged for at least %s.", c.MinStagingTime)
}

// KeyManagementRevokeOldKeysCommand はOLD鍵の失効を要求する。
type KeyManagementRevokeOldKeysCommand struct {
	CertificateAuthorityCommand
}

func (KeyManagementRevokeOldKeysCommand) CommandGroup() CommandGroup { return CommandGroupSystem }
func (KeyManagementRevokeOldKeysCommand) CommandType() string {
	return "KeyManagementRevokeOldKeysCommand"
}
func (KeyManagementRevokeOldKeysCommand) CommandSummary() string {
	return "Revoked old keys."
}

// IssueUpdatedManifestAndCrlCommand はマニフェスト/CRLの再評価を行いフラグを下ろす。
type IssueUpdatedManifestAndCrlCommand struct {
	CertificateAuthorityCommand
}

func (IssueUpdatedManifestAndCrlCommand) CommandGroup() CommandGroup { return CommandGroupSystem }
func (IssueUpdatedManifestAndCrlCommand) CommandType() string {
	return "IssueUpdatedManifestAndCrlCommand"
}
func (IssueUpdatedManifestAndCrlCommand) CommandSummary() string {
	return "Issued updated manifest and CRL."
}

// TransactionStatus は実行中トランザクションへの指示。
type TransactionStatus struct {
	rollbackOnly bool
}

// SetRollbackOnly はトランザクションをコミットせずロールバックさせる。
func (t *TransactionStatus) SetRollbackOnly() { t.rollbackOnly = true }

// IsRollbackOnly はロールバック指定されているかを返す。
func (t *TransactionStatus) IsRollbackOnly() bool { return t.rollbackOnly }

// CommandStatus はコマンド実行の結果。
type CommandStatus struct {
	Transaction *TransactionStatus
	// HasEffect はコマンドが何も変更しなかったと判明した場合のみ false。
	HasEffect bool
}

// NewCommandStatus は効果ありの初期状態を返す。
func NewCommandStatus() *CommandStatus {
	return &CommandStatus{HasEffect: true}
}

// CommandContext は1回のコマンド実行と、それが発行したイベント列を対応付ける。
type CommandContext struct {
	Command   Command
	StartedAt time.Time
	events    []Event
}

// NewCommandContext は記録を開始したコンテキストを返す。
func NewCommandContext(cmd Command, startedAt time.Time) *CommandContext {
	return &CommandContext{Command: cmd, StartedAt: startedAt}
}

// RecordEvent はイベントを発行順に記録する。
func (c *CommandContext) RecordEvent(e Event) {
	c.events = append(c.events, e)
}

// Events は記録されたイベントを発行順に返す。
func (c *CommandContext) Events() []Event {
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
