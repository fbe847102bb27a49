// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lolepezy/rpki-core/config"
	"github.com/lolepezy/rpki-core/internal/handler"
	"github.com/lolepezy/rpki-core/internal/infra"
	"github.com/lolepezy/rpki-core/internal/repository"
	"github.com/lolepezy/rpki-core/internal/usecase"
)

func main() {
	ctx := context.Background()

	// 設定読み込み（.envは存在すれば読み込む）
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// KMSクライアント初期化
	kmsClient, err := infra.NewKMSClient(ctx, cfg)
	if err != nil {
		slog.Error("failed to init KMS client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kmsClient.Close(); closeErr != nil {
			slog.Error("failed to close KMS client", "error", closeErr)
		}
	}()

	metrics := infra.NewMetrics()

	// DI
	transactor := repository.NewTransactor(db)
	dispatcher := usecase.NewDispatcher(
		usecase.NewKeyPairService(kmsClient),
		repository.NewSequenceAllocator(db),
		infra.NewCertificateSigner(kmsClient),
		usecase.DispatcherSettings{
			RepositoryURI:                       cfg.PublicRepositoryURI,
			IssuedCertificatesPerSignedKeyLimit: cfg.IssuedCertificatesPerSignedKeyLimit,
		},
	)
	commands := usecase.NewCommandService(transactor, dispatcher, usecase.NewAuditService(), metrics,
		usecase.WithEventVisitors(metrics),
	)
	h := handler.NewCAHandler(commands, usecase.NewCertificateAuthorityQueryService(transactor), handler.KeyManagementDefaults{
		MaxAgeDays:    cfg.KeyRollMaxAgeDays,
		StagingPeriod: cfg.KeyStagingPeriod,
	})
	router := handler.NewRouter(h, metrics.Handler())

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
