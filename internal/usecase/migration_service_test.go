package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	recordError       error
	findError         error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	if m.findError != nil {
		return nil, m.findError
	}
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) RecordMigration(ctx context.Context, tx *gorm.DB, migration *domain.Migration) error {
	if m.recordError != nil {
		return m.recordError
	}
	now := time.Now()
	m.appliedMigrations[migration.Version] = &domain.Migration{
		Version:   migration.Version,
		Checksum:  migration.Checksum,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

var testMigrationFiles = map[string]string{
	"001_create_certificate_authorities.sql": "CREATE TABLE certificate_authorities (id INT);",
	"002_create_key_pairs.sql":               "-- key pairs\nCREATE TABLE key_pairs (id INT);\nCREATE INDEX idx_key_pairs_id ON key_pairs (id);",
	"003_create_command_audit.sql":           "CREATE TABLE command_audit (id INT);",
}

// setupTestMigrationsDir はテスト用のmigrationsディレクトリを作成する。
func setupTestMigrationsDir(t *testing.T) string {
	t.Helper()

	migrationsDir := filepath.Join(t.TempDir(), "migrations")
	if err := os.MkdirAll(migrationsDir, 0755); err != nil {
		t.Fatalf("failed to create migrations dir: %v", err)
	}

	for filename, content := range testMigrationFiles {
		filePath := filepath.Join(migrationsDir, filename)
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to create test migration file: %v", err)
		}
	}

	return migrationsDir
}

func checksumOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// setupMigrationTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupMigrationTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, db, migrationsDir)

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}

	// テーブルとインデックスが作成されたか確認
	objects := map[string]string{
		"certificate_authorities": "table",
		"key_pairs":               "table",
		"command_audit":           "table",
		"idx_key_pairs_id":        "index",
	}
	for name, kind := range objects {
		var n int64
		if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?", kind, name).Scan(&n).Error; err != nil {
			t.Errorf("failed to check %s %s: %v", kind, name, err)
		}
		if n != 1 {
			t.Errorf("%s %s was not created", kind, name)
		}
	}

	recorded := repo.appliedMigrations["002"]
	if recorded == nil {
		t.Fatal("expected migration 002 to be recorded")
	}
	if recorded.Checksum != checksumOf(testMigrationFiles["002_create_key_pairs.sql"]) {
		t.Errorf("unexpected checksum recorded: %s", recorded.Checksum)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}
	repo.appliedMigrations["002"] = &domain.Migration{Version: "002", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, db, migrationsDir)

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	// 未適用のマイグレーションのみ実行される
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupMigrationTestDB(t)
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, db, migrationsDir)

	invalidFile := filepath.Join(migrationsDir, "004_invalid.sql")
	if err := os.WriteFile(invalidFile, []byte("INVALID SQL SYNTAX;"), 0644); err != nil {
		t.Fatalf("failed to create invalid migration file: %v", err)
	}

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied before the failure, got %d", count)
	}
	if _, ok := repo.appliedMigrations["004"]; ok {
		t.Error("failed migration must not be recorded")
	}
}

func TestMigrationService_ApplyMigrations_RecordError(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.recordError = errors.New("disk full")

	service := NewMigrationService(repo, setupMigrationTestDB(t), setupTestMigrationsDir(t))

	if _, err := service.ApplyMigrations(ctx); !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{
		Version:   "001",
		Checksum:  checksumOf(testMigrationFiles["001_create_certificate_authorities.sql"]),
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	repo.appliedMigrations["002"] = &domain.Migration{
		Version:   "002",
		Checksum:  checksumOf("CREATE TABLE something_else (id INT);"),
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}

	service := NewMigrationService(repo, setupMigrationTestDB(t), migrationsDir)

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusModified,
		"003": domain.MigrationStatusPending,
	}

	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
	}
	if migrations[0].AppliedAt == nil {
		t.Error("expected applied_at for migration 001")
	}
}

func TestMigrationService_GetMigrationStatus_RepositoryError(t *testing.T) {
	repo := newMockMigrationRepository()
	repo.findError = errors.New("connection refused")

	service := NewMigrationService(repo, setupMigrationTestDB(t), setupTestMigrationsDir(t))

	if _, err := service.GetMigrationStatus(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestParseMigrationFileName(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantErr     bool
	}{
		{filename: "001_create_certificate_authorities.sql", wantVersion: "001", wantName: "create_certificate_authorities"},
		{filename: "20240601_add_index.sql", wantVersion: "20240601", wantName: "add_index"},
		{filename: "invalid.sql", wantErr: true},
		{filename: "_missing_version.sql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFileName(tt.filename)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidMigrationFile) {
					t.Fatalf("expected ErrInvalidMigrationFile, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("expected %s/%s, got %s/%s", tt.wantVersion, tt.wantName, version, name)
			}
		})
	}
}

func TestSplitStatements(t *testing.T) {
	sql := `-- header comment
CREATE TABLE a (
  id INT
);

CREATE INDEX idx_a ON a (id);
INSERT INTO a VALUES (1)`

	got := splitStatements(sql)
	want := []string{
		"CREATE TABLE a (\nid INT\n)",
		"CREATE INDEX idx_a ON a (id)",
		"INSERT INTO a VALUES (1)",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d statements, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statement %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
