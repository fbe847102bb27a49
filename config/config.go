// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string `env:"PORT" envDefault:"8080"`
	DatabaseURL        string `env:"DATABASE_URL"`
	KMSKeyName         string `env:"KMS_KEY_NAME"`
	GoogleCloudProject string `env:"GOOGLE_CLOUD_PROJECT"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"INFO"`

	// ServiceVersion はトレースのリソース属性に載せるビルドのバージョン。
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`

	OtelEnabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OtelEndpoint     string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OtelServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"rpki-core"`
	OtelSamplingRate float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
	// OtelInsecure が true の場合はコレクタへ平文のgRPCで接続する。
	// false の場合は OtelCACertFile（未指定ならシステムのルート証明書）でTLS接続する。
	OtelInsecure   bool   `env:"OTEL_INSECURE" envDefault:"false"`
	OtelCACertFile string `env:"OTEL_CA_CERT_FILE"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// PublicRepositoryURI は各CAのリポジトリディレクトリの基点。
	PublicRepositoryURI string `env:"PUBLIC_REPOSITORY_URI" envDefault:"rsync://localhost:10873/repository/"`

	KeyRollMaxAgeDays                   int           `env:"KEY_ROLL_MAX_AGE_DAYS" envDefault:"365"`
	KeyStagingPeriod                    time.Duration `env:"KEY_STAGING_PERIOD" envDefault:"24h"`
	IssuedCertificatesPerSignedKeyLimit int64         `env:"ISSUED_CERTIFICATES_PER_SIGNED_KEY_LIMIT" envDefault:"10000"`
	CACleanupEnabled                    bool          `env:"CA_CLEANUP_ENABLED" envDefault:"false"`
}

// Load は .env ファイル（存在すれば）と環境変数から設定を読み込む。
// 既に設定されている環境変数は .env で上書きされない。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
