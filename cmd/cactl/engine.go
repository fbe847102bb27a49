package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"gorm.io/gorm"

	"github.com/lolepezy/rpki-core/internal/infra"
	"github.com/lolepezy/rpki-core/internal/repository"
	"github.com/lolepezy/rpki-core/internal/usecase"
)

// engine はCLIから使うコマンド実行系一式。
type engine struct {
	db         *gorm.DB
	transactor *repository.Transactor
	commands   *usecase.CommandService
	metrics    *infra.Metrics
	kmsClient  *infra.KMSClient
}

func openDB() (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newEngine(ctx context.Context) (*engine, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	kmsClient, err := infra.NewKMSClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init KMS client: %w", err)
	}

	metrics := infra.NewMetrics()
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
	return &engine{
		db:         db,
		transactor: transactor,
		commands: usecase.NewCommandService(transactor, dispatcher, usecase.NewAuditService(), metrics,
			usecase.WithEventVisitors(metrics),
		),
		metrics:   metrics,
		kmsClient: kmsClient,
	}, nil
}

func (e *engine) Close() {
	if err := e.kmsClient.Close(); err != nil {
		slog.Error("failed to close KMS client", "error", err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
