// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// CertificateAuthorityModel はcertificate_authoritiesテーブルのモデル。
type CertificateAuthorityModel struct {
	ID                        int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version                   int64     `gorm:"column:version;not null"`
	Type                      string    `gorm:"column:type;type:varchar(16);not null;index:idx_ca_type"`
	Name                      string    `gorm:"column:name;type:varchar(255);not null;uniqueIndex:uk_ca_name"`
	UUID                      string    `gorm:"column:uuid;type:char(36);not null;uniqueIndex:uk_ca_uuid"`
	ParentID                  *int64    `gorm:"column:parent_id;index:idx_ca_parent"`
	ManifestAndCrlCheckNeeded bool      `gorm:"column:manifest_and_crl_check_needed;not null"`
	CertifiedResources        string    `gorm:"column:certified_resources;type:text;not null"`
	CreatedAt                 time.Time `gorm:"column:created_at;type:datetime(6);not null"`
	UpdatedAt                 time.Time `gorm:"column:updated_at;type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (CertificateAuthorityModel) TableName() string {
	return "certificate_authorities"
}

// CertificateColumns は受領証明書と発行証明書で共通の列。
type CertificateColumns struct {
	Serial               string                    `gorm:"column:serial;type:varchar(64);not null;default:''"`
	SubjectPublicKey     []byte                    `gorm:"column:subject_public_key;type:blob"`
	Resources            string                    `gorm:"column:resources;type:text"`
	NotBefore            *time.Time                `gorm:"column:not_before;type:datetime(6)"`
	NotAfter             *time.Time                `gorm:"column:not_after;type:datetime(6)"`
	SIA                  []domain.AccessDescriptor `gorm:"column:sia;type:text;serializer:json"`
	ParentCertificateURI string                    `gorm:"column:parent_certificate_uri;type:varchar(2048);not null;default:''"`
	Encoded              []byte                    `gorm:"column:encoded;type:mediumblob"`
	PublicationURI       string                    `gorm:"column:publication_uri;type:varchar(2048);not null;default:''"`
}

func newCertificateColumns(c domain.ResourceCertificate, publicationURI string) CertificateColumns {
	notBefore, notAfter := c.Validity.NotBefore.UTC(), c.Validity.NotAfter.UTC()
	return CertificateColumns{
		Serial:               c.Serial,
		SubjectPublicKey:     c.SubjectPublicKey,
		Resources:            c.Resources.String(),
		NotBefore:            &notBefore,
		NotAfter:             &notAfter,
		SIA:                  c.SIA,
		ParentCertificateURI: c.ParentCertificateURI,
		Encoded:              c.Encoded,
		PublicationURI:       publicationURI,
	}
}

func (c CertificateColumns) toDomain() (domain.ResourceCertificate, error) {
	resources, err := domain.ParseResourceSet(c.Resources)
	if err != nil {
		return domain.ResourceCertificate{}, fmt.Errorf("certificate %s: %w", c.Serial, err)
	}
	rc := domain.ResourceCertificate{
		Serial:               c.Serial,
		SubjectPublicKey:     c.SubjectPublicKey,
		Resources:            resources,
		SIA:                  c.SIA,
		ParentCertificateURI: c.ParentCertificateURI,
		Encoded:              c.Encoded,
	}
	if c.NotBefore != nil {
		rc.Validity.NotBefore = c.NotBefore.UTC()
	}
	if c.NotAfter != nil {
		rc.Validity.NotAfter = c.NotAfter.UTC()
	}
	return rc, nil
}

// KeyPairModel はkey_pairsテーブルのモデル。受領証明書は incoming_ で始まる列に持つ。
type KeyPairModel struct {
	ID                     int64              `gorm:"column:id;primaryKey;autoIncrement:false"`
	CertificateAuthorityID int64              `gorm:"column:ca_id;not null;index:idx_key_pairs_ca"`
	Name                   string             `gorm:"column:name;type:varchar(64);not null"`
	Status                 string             `gorm:"column:status;type:varchar(16);not null"`
	PublicKey              []byte             `gorm:"column:public_key;type:blob;not null"`
	EncryptedPrivateKey    []byte             `gorm:"column:encrypted_private_key;type:blob;not null"`
	CreatedAt              time.Time          `gorm:"column:created_at;type:datetime(6);not null"`
	PendingAt              *time.Time         `gorm:"column:pending_at;type:datetime(6)"`
	CurrentAt              *time.Time         `gorm:"column:current_at;type:datetime(6)"`
	OldAt                  *time.Time         `gorm:"column:old_at;type:datetime(6)"`
	RevokedAt              *time.Time         `gorm:"column:revoked_at;type:datetime(6)"`
	Incoming               CertificateColumns `gorm:"embedded;embeddedPrefix:incoming_"`
}

// TableName はテーブル名を返す。
func (KeyPairModel) TableName() string {
	return "key_pairs"
}

func statusTime(changed map[domain.KeyPairStatus]time.Time, status domain.KeyPairStatus) *time.Time {
	t, ok := changed[status]
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}

func newKeyPairModel(caID int64, s domain.KeyPairState) KeyPairModel {
	m := KeyPairModel{
		ID:                     s.ID,
		CertificateAuthorityID: caID,
		Name:                   s.Name,
		Status:                 string(s.Status),
		PublicKey:              s.PublicKey,
		EncryptedPrivateKey:    s.EncryptedPrivateKey,
		CreatedAt:              s.CreatedAt.UTC(),
		PendingAt:              statusTime(s.StatusChangedAt, domain.KeyPairStatusPending),
		CurrentAt:              statusTime(s.StatusChangedAt, domain.KeyPairStatusCurrent),
		OldAt:                  statusTime(s.StatusChangedAt, domain.KeyPairStatusOld),
		RevokedAt:              statusTime(s.StatusChangedAt, domain.KeyPairStatusRevoked),
	}
	if s.Incoming != nil {
		m.Incoming = newCertificateColumns(s.Incoming.ResourceCertificate, s.Incoming.PublicationURI)
	}
	return m
}

// toDomain はモデルを鍵ペアの状態に変換する。
func (m *KeyPairModel) toDomain() (domain.KeyPairState, error) {
	changed := map[domain.KeyPairStatus]time.Time{domain.KeyPairStatusNew: m.CreatedAt.UTC()}
	for status, t := range map[domain.KeyPairStatus]*time.Time{
		domain.KeyPairStatusPending: m.PendingAt,
		domain.KeyPairStatusCurrent: m.CurrentAt,
		domain.KeyPairStatusOld:     m.OldAt,
		domain.KeyPairStatusRevoked: m.RevokedAt,
	} {
		if t != nil {
			changed[status] = t.UTC()
		}
	}

	s := domain.KeyPairState{
		ID:                  m.ID,
		Name:                m.Name,
		Status:              domain.KeyPairStatus(m.Status),
		PublicKey:           m.PublicKey,
		EncryptedPrivateKey: m.EncryptedPrivateKey,
		CreatedAt:           m.CreatedAt.UTC(),
		StatusChangedAt:     changed,
	}
	if m.Incoming.Serial != "" {
		rc, err := m.Incoming.toDomain()
		if err != nil {
			return domain.KeyPairState{}, fmt.Errorf("key pair %d: %w", m.ID, err)
		}
		s.Incoming = &domain.IncomingCertificate{ResourceCertificate: rc, PublicationURI: m.Incoming.PublicationURI}
	}
	return s, nil
}

// newCertificateAuthorityModel はCAをモデルに変換する。certified_resources には現在の保有リソースを保存する。
func newCertificateAuthorityModel(ca domain.CertificateAuthority) *CertificateAuthorityModel {
	s := ca.State()
	return &CertificateAuthorityModel{
		ID:                        s.ID.ID,
		Version:                   s.ID.Version,
		Type:                      string(s.Type),
		Name:                      s.Name,
		UUID:                      s.UUID.String(),
		ParentID:                  s.ParentID,
		ManifestAndCrlCheckNeeded: s.ManifestAndCrlCheckNeeded,
		CertifiedResources:        ca.CertifiedResources().String(),
		CreatedAt:                 s.CreatedAt.UTC(),
	}
}

// toDomain はモデルと鍵ペアからCAを復元する。
func (m *CertificateAuthorityModel) toDomain(keyPairs []KeyPairModel) (domain.CertificateAuthority, error) {
	id, err := uuid.Parse(m.UUID)
	if err != nil {
		return nil, fmt.Errorf("certificate authority %d has invalid uuid: %w", m.ID, err)
	}
	resources, err := domain.ParseResourceSet(m.CertifiedResources)
	if err != nil {
		return nil, fmt.Errorf("certificate authority %d: %w", m.ID, err)
	}
	s := domain.CertificateAuthorityState{
		ID:                        domain.VersionedID{ID: m.ID, Version: m.Version},
		Type:                      domain.CertificateAuthorityType(m.Type),
		Name:                      m.Name,
		UUID:                      id,
		ParentID:                  m.ParentID,
		ManifestAndCrlCheckNeeded: m.ManifestAndCrlCheckNeeded,
		CreatedAt:                 m.CreatedAt.UTC(),
		CertifiedResources:        resources,
	}
	for i := range keyPairs {
		kp, err := keyPairs[i].toDomain()
		if err != nil {
			return nil, err
		}
		s.KeyPairs = append(s.KeyPairs, kp)
	}
	return domain.RestoreCertificateAuthority(s)
}

// OutgoingCertificateModel はoutgoing_resource_certificatesテーブルのモデル。
type OutgoingCertificateModel struct {
	ID                   int64              `gorm:"column:id;primaryKey;autoIncrement"`
	SigningKeyPairID     int64              `gorm:"column:signing_key_pair_id;not null;index:idx_outgoing_signing_key"`
	SubjectKeyIdentifier string             `gorm:"column:subject_key_identifier;type:varchar(64);not null;index:idx_outgoing_subject_key"`
	Certificate          CertificateColumns `gorm:"embedded"`
	Kind                 string             `gorm:"column:kind;type:varchar(16);not null"`
	Status               string             `gorm:"column:status;type:varchar(16);not null"`
	RevokedAt            *time.Time         `gorm:"column:revoked_at;type:datetime(6)"`
	CreatedAt            time.Time          `gorm:"column:created_at;type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (OutgoingCertificateModel) TableName() string {
	return "outgoing_resource_certificates"
}

func newOutgoingCertificateModel(c *domain.OutgoingCertificate) *OutgoingCertificateModel {
	m := &OutgoingCertificateModel{
		ID:                   c.ID,
		SigningKeyPairID:     c.SigningKeyPairID,
		SubjectKeyIdentifier: c.SubjectKeyIdentifier(),
		Certificate:          newCertificateColumns(c.ResourceCertificate, c.PublicationURI),
		Kind:                 string(c.Kind),
		Status:               string(c.Status),
		CreatedAt:            c.CreatedAt.UTC(),
	}
	if c.RevokedAt != nil {
		t := c.RevokedAt.UTC()
		m.RevokedAt = &t
	}
	return m
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *OutgoingCertificateModel) toDomain() (*domain.OutgoingCertificate, error) {
	rc, err := m.Certificate.toDomain()
	if err != nil {
		return nil, err
	}
	c := &domain.OutgoingCertificate{
		ID:                  m.ID,
		SigningKeyPairID:    m.SigningKeyPairID,
		ResourceCertificate: rc,
		PublicationURI:      m.Certificate.PublicationURI,
		Kind:                domain.OutgoingCertificateKind(m.Kind),
		Status:              domain.OutgoingCertificateStatus(m.Status),
		CreatedAt:           m.CreatedAt.UTC(),
	}
	if m.RevokedAt != nil {
		t := m.RevokedAt.UTC()
		c.RevokedAt = &t
	}
	return c, nil
}

// CommandAuditModel はcommand_auditテーブルのモデル。
type CommandAuditModel struct {
	ID           int64                    `gorm:"column:id;primaryKey;autoIncrement"`
	CAID         int64                    `gorm:"column:ca_id;not null;index:idx_command_audit_ca"`
	CAVersion    int64                    `gorm:"column:ca_version;not null"`
	CommandGroup string                   `gorm:"column:command_group;type:varchar(16);not null"`
	CommandType  string                   `gorm:"column:command_type;type:varchar(128);not null"`
	Summary      string                   `gorm:"column:summary;type:text;not null"`
	ExecutedAt   time.Time                `gorm:"column:executed_at;type:datetime(6);not null"`
	Events       []CommandAuditEventModel `gorm:"foreignKey:CommandAuditID"`
}

// TableName はテーブル名を返す。
func (CommandAuditModel) TableName() string {
	return "command_audit"
}

// CommandAuditEventModel はcommand_audit_eventsテーブルのモデル。
type CommandAuditEventModel struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CommandAuditID int64  `gorm:"column:command_audit_id;not null;index:idx_command_audit_events_audit"`
	Sequence       int    `gorm:"column:sequence;not null"`
	EventType      string `gorm:"column:event_type;type:varchar(128);not null"`
	Summary        string `gorm:"column:summary;type:text;not null"`
}

// TableName はテーブル名を返す。
func (CommandAuditEventModel) TableName() string {
	return "command_audit_events"
}

func (m *CommandAuditModel) toDomain() *domain.CommandAudit {
	a := &domain.CommandAudit{
		ID:           m.ID,
		CAID:         domain.VersionedID{ID: m.CAID, Version: m.CAVersion},
		CommandGroup: domain.CommandGroup(m.CommandGroup),
		CommandType:  m.CommandType,
		Summary:      m.Summary,
		ExecutedAt:   m.ExecutedAt.UTC(),
	}
	for _, e := range m.Events {
		a.Events = append(a.Events, domain.CommandAuditEvent{
			Sequence:  e.Sequence,
			EventType: e.EventType,
			Summary:   e.Summary,
		})
	}
	return a
}

// ResourceCacheModel はresource_cacheテーブルのモデル。
type ResourceCacheModel struct {
	Name      string    `gorm:"column:name;type:varchar(255);primaryKey"`
	Resources string    `gorm:"column:resources;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (ResourceCacheModel) TableName() string {
	return "resource_cache"
}

// SequenceModel はsequencesテーブルのモデル。
type SequenceModel struct {
	Name  string `gorm:"column:name;type:varchar(64);primaryKey"`
	Value int64  `gorm:"column:value;not null"`
}

// TableName はテーブル名を返す。
func (SequenceModel) TableName() string {
	return "sequences"
}
