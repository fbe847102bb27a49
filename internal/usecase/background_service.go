package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// ジョブ名。外部のスケジューラから cactl job <name> で起動される。
const (
	JobKeyRollInitiation           = "key-roll"
	JobPendingKeyActivation        = "activate-pending-keys"
	JobOldKeyRevocation            = "revoke-old-keys"
	JobIncomingCertificateUpdate   = "update-incoming-certificates"
	JobManifestAndCrlCheck         = "manifest-crl-check"
	JobCertificateAuthorityCleanUp = "ca-cleanup"
)

// JobNames は実行可能なジョブの一覧。
var JobNames = []string{
	JobKeyRollInitiation,
	JobPendingKeyActivation,
	JobOldKeyRevocation,
	JobIncomingCertificateUpdate,
	JobManifestAndCrlCheck,
	JobCertificateAuthorityCleanUp,
}

// ErrUnknownJob は存在しないジョブ名が指定された場合のエラー。
var ErrUnknownJob = errors.New("unknown job")

// CommandExecutor はコマンドを実行する。
type CommandExecutor interface {
	Execute(ctx context.Context, cmd domain.Command) (*domain.CommandStatus, error)
}

// CleanUpMetrics はCA削除ジョブのメトリクス。
type CleanUpMetrics interface {
	IncDeletedCertificateAuthorities(n int)
}

// BackgroundSettings はジョブのパラメータ。
type BackgroundSettings struct {
	KeyRollMaxAgeDays int
	KeyStagingPeriod  time.Duration
	CACleanUpEnabled  bool
}

// JobResult はジョブの実行結果。
type JobResult struct {
	Job       string
	Processed int
	Effective int
	Failed    int
}

// BackgroundService は全ての管理CAに対して定期的なコマンドを1つずつ実行する。
type BackgroundService struct {
	transactor domain.Transactor
	commands   CommandExecutor
	metrics    CleanUpMetrics
	settings   BackgroundSettings
	now        func() time.Time
}

// NewBackgroundService は新しいBackgroundServiceを生成する。
func NewBackgroundService(transactor domain.Transactor, commands CommandExecutor, metrics CleanUpMetrics, settings BackgroundSettings) *BackgroundService {
	return &BackgroundService{
		transactor: transactor,
		commands:   commands,
		metrics:    metrics,
		settings:   settings,
		now:        time.Now,
	}
}

// Run はジョブを実行する。個々のCAでの失敗はログに残して次のCAへ進む。
func (s *BackgroundService) Run(ctx context.Context, job string) (*JobResult, error) {
	switch job {
	case JobKeyRollInitiation:
		return s.forEachManaged(ctx, job, func(id domain.VersionedID) domain.Command {
			return domain.KeyManagementInitiateRollCommand{
				CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
				MaxAgeDays:                  s.settings.KeyRollMaxAgeDays,
			}
		})
	case JobPendingKeyActivation:
		return s.forEachManaged(ctx, job, func(id domain.VersionedID) domain.Command {
			return domain.KeyManagementActivatePendingKeysCommand{
				CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
				MinStagingTime:              s.settings.KeyStagingPeriod,
			}
		})
	case JobOldKeyRevocation:
		return s.forEachManaged(ctx, job, func(id domain.VersionedID) domain.Command {
			return domain.KeyManagementRevokeOldKeysCommand{CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id}}
		})
	case JobIncomingCertificateUpdate:
		return s.forEachManaged(ctx, job, func(id domain.VersionedID) domain.Command {
			return domain.UpdateAllIncomingResourceCertificatesCommand{CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id}}
		})
	case JobManifestAndCrlCheck:
		return s.run(ctx, job,
			func(ctx context.Context, repo domain.CertificateAuthorityRepository) ([]domain.VersionedID, error) {
				return repo.FindManagedWithManifestAndCrlCheckNeeded(ctx)
			},
			func(id domain.VersionedID) domain.Command {
				return domain.IssueUpdatedManifestAndCrlCommand{CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id}}
			})
	case JobCertificateAuthorityCleanUp:
		return s.cleanUp(ctx)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
}

func (s *BackgroundService) forEachManaged(ctx context.Context, job string, build func(domain.VersionedID) domain.Command) (*JobResult, error) {
	return s.run(ctx, job,
		func(ctx context.Context, repo domain.CertificateAuthorityRepository) ([]domain.VersionedID, error) {
			return repo.FindManagedIDs(ctx)
		}, build)
}

func (s *BackgroundService) run(
	ctx context.Context,
	job string,
	find func(ctx context.Context, repo domain.CertificateAuthorityRepository) ([]domain.VersionedID, error),
	build func(domain.VersionedID) domain.Command,
) (*JobResult, error) {
	var ids []domain.VersionedID
	err := s.transactor.InTransaction(ctx, &domain.TransactionStatus{}, func(ctx context.Context, store domain.Store) error {
		var err error
		ids, err = find(ctx, store.CertificateAuthorities())
		return err
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to list certificate authorities",
			"operation", "run_job",
			"job", job,
			"error", err,
		)
		return nil, fmt.Errorf("listing certificate authorities for %s: %w", job, err)
	}

	result := &JobResult{Job: job}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++
		status, err := s.commands.Execute(ctx, build(id))
		if err != nil {
			result.Failed++
			slog.ErrorContext(ctx, "background command failed",
				"operation", "run_job",
				"job", job,
				"ca_id", id.ID,
				"error", err,
			)
			continue
		}
		if status.HasEffect {
			result.Effective++
		}
	}

	slog.InfoContext(ctx, "background job completed",
		"job", job,
		"processed", result.Processed,
		"effective", result.Effective,
		"failed", result.Failed,
	)
	return result, nil
}

// cleanUp は1年以上前に作られ、鍵ペアを持たないホステッドCAを削除する。
func (s *BackgroundService) cleanUp(ctx context.Context) (*JobResult, error) {
	if !s.settings.CACleanUpEnabled {
		slog.InfoContext(ctx, "certificate authority clean up is disabled", "job", JobCertificateAuthorityCleanUp)
		return &JobResult{Job: JobCertificateAuthorityCleanUp}, nil
	}

	before := s.now().UTC().AddDate(-1, 0, 0)
	result, err := s.run(ctx, JobCertificateAuthorityCleanUp,
		func(ctx context.Context, repo domain.CertificateAuthorityRepository) ([]domain.VersionedID, error) {
			return repo.FindHostedWithoutKeyPairsCreatedBefore(ctx, before)
		},
		func(id domain.VersionedID) domain.Command {
			return domain.DeleteCertificateAuthorityCommand{CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id}}
		})
	if result != nil {
		s.metrics.IncDeletedCertificateAuthorities(result.Effective)
	}
	return result, err
}
