// Package usecase はコマンド実行エンジンとCAのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lolepezy/rpki-core/internal/domain"
	"github.com/lolepezy/rpki-core/pkg/logctx"
)

// MaxRetries は永続化の競合時に再試行する最大回数。
const MaxRetries = 5

// CommandDispatcher はコマンドを種類ごとのハンドラに振り分ける。
type CommandDispatcher interface {
	Dispatch(ctx context.Context, store domain.Store, cmd domain.Command, status *domain.CommandStatus, events domain.EventPublisher) error
}

// AuditRecorder はコマンド実行とそのイベントを監査記録に残す。
type AuditRecorder interface {
	StartRecording(cmd domain.Command) *domain.CommandContext
	RecordEvent(cc *domain.CommandContext, e domain.Event)
	FinishRecording(ctx context.Context, store domain.Store, cc *domain.CommandContext) error
}

// CommandMetrics はコマンド種別ごとの実行メトリクス。
type CommandMetrics interface {
	ObserveCommandDuration(commandType string, d time.Duration)
	IncTransactionRetries(commandType string)
}

// CommandService はコマンドを1トランザクションで実行し、競合時は再試行する。
type CommandService struct {
	transactor domain.Transactor
	dispatcher CommandDispatcher
	audit      AuditRecorder
	metrics    CommandMetrics
	visitors   []domain.EventVisitor
	validate   *validator.Validate
	tracer     trace.Tracer
	sleep      func(time.Duration)
	jitter     func(n int) int
}

// CommandServiceOption はCommandServiceの任意設定。
type CommandServiceOption func(*CommandService)

// WithEventVisitors は監査以外にイベントを受け取るビジターを登録する。
func WithEventVisitors(visitors ...domain.EventVisitor) CommandServiceOption {
	return func(s *CommandService) { s.visitors = append(s.visitors, visitors...) }
}

// WithSleeper は再試行前の待機を差し替える。
func WithSleeper(sleep func(time.Duration)) CommandServiceOption {
	return func(s *CommandService) { s.sleep = sleep }
}

// WithJitter は [0, n) の乱数源を差し替える。
func WithJitter(jitter func(n int) int) CommandServiceOption {
	return func(s *CommandService) { s.jitter = jitter }
}

// NewCommandService は新しいCommandServiceを生成する。
func NewCommandService(
	transactor domain.Transactor,
	dispatcher CommandDispatcher,
	audit AuditRecorder,
	metrics CommandMetrics,
	opts ...CommandServiceOption,
) *CommandService {
	s := &CommandService{
		transactor: transactor,
		dispatcher: dispatcher,
		audit:      audit,
		metrics:    metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		tracer:     otel.Tracer("github.com/lolepezy/rpki-core/internal/usecase"),
		sleep:      time.Sleep,
		jitter:     rand.IntN,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute はコマンドを実行する。一時的な永続化の競合は MaxRetries 回まで再試行する。
// コマンドが何も変更しなかった場合はエラーではなく HasEffect=false の結果を返す。
func (s *CommandService) Execute(ctx context.Context, cmd domain.Command) (*domain.CommandStatus, error) {
	if err := s.validate.StructCtx(ctx, cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidCommand, cmd.CommandType(), err)
	}

	caID := cmd.CertificateAuthorityID()
	ctx = logctx.With(ctx, slog.String("command",
		fmt.Sprintf("%s:%s:%d", cmd.CommandGroup(), cmd.CommandType(), caID.ID)))
	ctx, span := s.tracer.Start(ctx, "command "+cmd.CommandType(), trace.WithAttributes(
		attribute.String("rpki.command.type", cmd.CommandType()),
		attribute.String("rpki.command.group", string(cmd.CommandGroup())),
		attribute.Int64("rpki.ca.id", caID.ID),
	))
	defer span.End()

	retryCount := 0
	for {
		status, err := s.executeOnce(ctx, cmd)
		if err == nil {
			span.SetAttributes(attribute.Bool("rpki.command.has_effect", status.HasEffect))
			slog.InfoContext(ctx, "command executed",
				"summary", cmd.CommandSummary(),
				"has_effect", status.HasEffect,
				"retries", retryCount,
			)
			return status, nil
		}
		if !domain.IsTransient(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		retryCount++
		if retryCount > MaxRetries {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.ErrorContext(ctx, "command failed after retries",
				"operation", "execute_command",
				"retries", MaxRetries,
				"error", err,
			)
			return nil, fmt.Errorf("command failed after %d retries: %w", MaxRetries, err)
		}

		s.metrics.IncTransactionRetries(cmd.CommandType())
		backoff := time.Duration((20+s.jitter(31))<<retryCount) * time.Millisecond
		slog.InfoContext(ctx, "retrying command after persistence conflict",
			"retry", retryCount,
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		s.sleep(backoff)
	}
}

// executeOnce は1回分の試行。イベントの購読はこの試行の中だけで有効。
func (s *CommandService) executeOnce(ctx context.Context, cmd domain.Command) (*domain.CommandStatus, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveCommandDuration(cmd.CommandType(), time.Since(start))
	}()

	scope := domain.NewEventScope()
	status := domain.NewCommandStatus()
	status.Transaction = &domain.TransactionStatus{}

	err := s.transactor.InTransaction(ctx, status.Transaction, func(ctx context.Context, store domain.Store) error {
		cc := s.audit.StartRecording(cmd)
		subs := make([]*domain.EventSubscription, 0, len(s.visitors)+1)
		subs = append(subs, scope.Subscribe(func(e domain.Event) { s.audit.RecordEvent(cc, e) }))
		for _, v := range s.visitors {
			subs = append(subs, domain.SubscribeVisitor(scope, v, cc))
		}
		defer func() {
			for _, sub := range subs {
				sub.Close()
			}
			scope.Reset()
		}()

		err := s.dispatcher.Dispatch(ctx, store, cmd, status, scope)
		switch {
		case err == nil:
			return s.audit.FinishRecording(ctx, store, cc)
		case errors.Is(err, domain.ErrCommandWithoutEffect):
			status.HasEffect = false
			status.Transaction.SetRollbackOnly()
			return nil
		default:
			status.Transaction.SetRollbackOnly()
			return err
		}
	})
	if err != nil {
		slog.WarnContext(ctx, "command execution attempt failed",
			"operation", "execute_command",
			"ca_id", cmd.CertificateAuthorityID().String(),
			"error", err,
		)
		return nil, err
	}
	return status, nil
}

// NextID は新しいCAや鍵ペアのIDを払い出す。
func (s *CommandService) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.transactor.InTransaction(ctx, &domain.TransactionStatus{}, func(ctx context.Context, store domain.Store) error {
		var err error
		id, err = store.NextID(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("allocating id: %w", err)
	}
	return id, nil
}
