package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lolepezy/rpki-core/internal/domain"
)

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
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

	// migrations/ のMySQL定義をSQLite用に書き換えたもの
	sql := `
		CREATE TABLE certificate_authorities (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL UNIQUE,
			uuid TEXT NOT NULL UNIQUE,
			parent_id INTEGER,
			manifest_and_crl_check_needed BOOLEAN NOT NULL DEFAULT 0,
			certified_resources TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX idx_ca_parent ON certificate_authorities(parent_id);

		CREATE TABLE key_pairs (
			id INTEGER PRIMARY KEY,
			ca_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			public_key BLOB NOT NULL,
			encrypted_private_key BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			pending_at DATETIME,
			current_at DATETIME,
			old_at DATETIME,
			revoked_at DATETIME,
			incoming_serial TEXT NOT NULL DEFAULT '',
			incoming_subject_public_key BLOB,
			incoming_resources TEXT,
			incoming_not_before DATETIME,
			incoming_not_after DATETIME,
			incoming_sia TEXT,
			incoming_parent_certificate_uri TEXT NOT NULL DEFAULT '',
			incoming_encoded BLOB,
			incoming_publication_uri TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX idx_key_pairs_ca ON key_pairs(ca_id);

		CREATE TABLE outgoing_resource_certificates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signing_key_pair_id INTEGER NOT NULL,
			subject_key_identifier TEXT NOT NULL,
			serial TEXT NOT NULL DEFAULT '',
			subject_public_key BLOB,
			resources TEXT,
			not_before DATETIME,
			not_after DATETIME,
			sia TEXT,
			parent_certificate_uri TEXT NOT NULL DEFAULT '',
			encoded BLOB,
			publication_uri TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			revoked_at DATETIME,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX idx_outgoing_signing_key ON outgoing_resource_certificates(signing_key_pair_id);
		CREATE INDEX idx_outgoing_subject_key ON outgoing_resource_certificates(subject_key_identifier);

		CREATE TABLE command_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ca_id INTEGER NOT NULL,
			ca_version INTEGER NOT NULL,
			command_group TEXT NOT NULL,
			command_type TEXT NOT NULL,
			summary TEXT NOT NULL,
			executed_at DATETIME NOT NULL
		);

		CREATE TABLE command_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_audit_id INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			summary TEXT NOT NULL
		);

		CREATE TABLE resource_cache (
			name TEXT PRIMARY KEY,
			resources TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
		INSERT INTO sequences (name, value) VALUES ('seq_all', 100);
	`

	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}

	return db
}

func int64Ptr(v int64) *int64 { return &v }

// incomingCertificate は鍵ペアが親から受け取った証明書を作る。
func incomingCertificate(publicKey []byte, resources string) *domain.IncomingCertificate {
	return &domain.IncomingCertificate{
		ResourceCertificate: domain.ResourceCertificate{
			Serial:           "1001",
			SubjectPublicKey: publicKey,
			Resources:        domain.MustParseResourceSet(resources),
			Validity: domain.ValidityPeriod{
				NotBefore: testNow,
				NotAfter:  testNow.AddDate(1, 0, 0),
			},
			SIA: []domain.AccessDescriptor{
				{Method: "1.3.6.1.5.5.7.48.5", Location: "rsync://localhost/repository/ca/"},
			},
			ParentCertificateURI: "rsync://localhost/repository/ta/all-resources.cer",
			Encoded:              []byte("encoded"),
		},
		PublicationURI: "rsync://localhost/repository/child.cer",
	}
}

// keyPairState はテスト用の鍵ペア状態を作る。NEW以外は受領証明書を持つ。
func keyPairState(id int64, status domain.KeyPairStatus) domain.KeyPairState {
	publicKey := []byte(fmt.Sprintf("public-key-%d", id))
	s := domain.KeyPairState{
		ID:                  id,
		Name:                "KEY-20240601120000",
		Status:              status,
		PublicKey:           publicKey,
		EncryptedPrivateKey: []byte("encrypted"),
		CreatedAt:           testNow,
		StatusChangedAt: map[domain.KeyPairStatus]time.Time{
			domain.KeyPairStatusNew: testNow,
		},
	}
	if status != domain.KeyPairStatusNew {
		s.StatusChangedAt[status] = testNow.Add(time.Hour)
		s.Incoming = incomingCertificate(publicKey, "10.0.0.0/8, AS64496")
	}
	return s
}

// managedCA はテスト用の管理対象CAを作る。
func managedCA(t *testing.T, id int64, caType domain.CertificateAuthorityType, name string, parentID *int64, keyPairs ...domain.KeyPairState) domain.CertificateAuthority {
	t.Helper()

	ca, err := domain.RestoreCertificateAuthority(domain.CertificateAuthorityState{
		ID:        domain.VersionedID{ID: id, Version: 1},
		Type:      caType,
		Name:      name,
		UUID:      uuid.New(),
		ParentID:  parentID,
		CreatedAt: testNow,
		KeyPairs:  keyPairs,
	})
	if err != nil {
		t.Fatalf("failed to restore certificate authority: %v", err)
	}
	return ca
}
