package domain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// KeyPairStatus は鍵ペアのライフサイクル上の状態を表す。
// 遷移は NEW → PENDING → CURRENT → OLD → REVOKED の一方向のみ。
type KeyPairStatus string

const (
	// KeyPairStatusNew は生成直後で証明書を持たない鍵ペア。
	KeyPairStatusNew KeyPairStatus = "NEW"
	// KeyPairStatusPending は証明書を受け取り、ステージング中の鍵ペア。
	KeyPairStatusPending KeyPairStatus = "PENDING"
	// KeyPairStatusCurrent は署名に使われている鍵ペア。CAごとに高々1つ。
	KeyPairStatusCurrent KeyPairStatus = "CURRENT"
	// KeyPairStatusOld は新しい鍵に置き換えられた鍵ペア。
	KeyPairStatusOld KeyPairStatus = "OLD"
	// KeyPairStatusRevoked は証明書が失効した鍵ペア。
	KeyPairStatusRevoked KeyPairStatus = "REVOKED"
)

// KeyPairStatuses はライフサイクル順の全ステータス。
var KeyPairStatuses = []KeyPairStatus{
	KeyPairStatusNew,
	KeyPairStatusPending,
	KeyPairStatusCurrent,
	KeyPairStatusOld,
	KeyPairStatusRevoked,
}

// canTransition は from から to への遷移が許されるかを返す。
// REVOKED への遷移は明示的な失効としてどの状態からでも許される。
func canTransition(from, to KeyPairStatus) bool {
	switch to {
	case KeyPairStatusPending:
		return from == KeyPairStatusNew
	case KeyPairStatusCurrent:
		return from == KeyPairStatusPending
	case KeyPairStatusOld:
		return from == KeyPairStatusCurrent
	case KeyPairStatusRevoked:
		return from != KeyPairStatusRevoked
	}
	return false
}

// KeyPair は鍵素材とそのライフサイクル状態。CAの集約が排他的に所有する。
type KeyPair struct {
	id                  int64
	name                string
	status              KeyPairStatus
	publicKey           []byte
	encryptedPrivateKey []byte
	createdAt           time.Time
	statusChangedAt     map[KeyPairStatus]time.Time
	incoming            *IncomingCertificate
}

// KeyPairState は永続化層との受け渡しに使う鍵ペアのスナップショット。
type KeyPairState struct {
	ID                  int64
	Name                string
	Status              KeyPairStatus
	PublicKey           []byte
	EncryptedPrivateKey []byte
	CreatedAt           time.Time
	StatusChangedAt     map[KeyPairStatus]time.Time
	Incoming            *IncomingCertificate
}

// NewKeyPair はNEW状態の鍵ペアを生成する。
func NewKeyPair(id int64, name string, publicKey, encryptedPrivateKey []byte, now time.Time) *KeyPair {
	return &KeyPair{
		id:                  id,
		name:                name,
		status:              KeyPairStatusNew,
		publicKey:           publicKey,
		encryptedPrivateKey: encryptedPrivateKey,
		createdAt:           now,
		statusChangedAt:     map[KeyPairStatus]time.Time{KeyPairStatusNew: now},
	}
}

// RestoreKeyPair は永続化された状態から鍵ペアを復元する。状態遷移の検証は行わない。
func RestoreKeyPair(s KeyPairState) *KeyPair {
	changed := make(map[KeyPairStatus]time.Time, len(s.StatusChangedAt))
	for k, v := range s.StatusChangedAt {
		changed[k] = v
	}
	return &KeyPair{
		id:                  s.ID,
		name:                s.Name,
		status:              s.Status,
		publicKey:           s.PublicKey,
		encryptedPrivateKey: s.EncryptedPrivateKey,
		createdAt:           s.CreatedAt,
		statusChangedAt:     changed,
		incoming:            s.Incoming,
	}
}

// State は現在の状態のスナップショットを返す。
func (k *KeyPair) State() KeyPairState {
	changed := make(map[KeyPairStatus]time.Time, len(k.statusChangedAt))
	for s, t := range k.statusChangedAt {
		changed[s] = t
	}
	return KeyPairState{
		ID:                  k.id,
		Name:                k.name,
		Status:              k.status,
		PublicKey:           k.publicKey,
		EncryptedPrivateKey: k.encryptedPrivateKey,
		CreatedAt:           k.createdAt,
		StatusChangedAt:     changed,
		Incoming:            k.incoming,
	}
}

func (k *KeyPair) ID() int64                   { return k.id }
func (k *KeyPair) Name() string                { return k.name }
func (k *KeyPair) Status() KeyPairStatus       { return k.status }
func (k *KeyPair) PublicKey() []byte           { return k.publicKey }
func (k *KeyPair) EncryptedPrivateKey() []byte { return k.encryptedPrivateKey }
func (k *KeyPair) CreatedAt() time.Time        { return k.createdAt }

// EncodedKeyIdentifier は公開鍵の識別子を返す。
func (k *KeyPair) EncodedKeyIdentifier() string {
	return KeyIdentifier(k.publicKey)
}

// StatusChangedAt は指定ステータスに遷移した時刻を返す。
func (k *KeyPair) StatusChangedAt(status KeyPairStatus) (time.Time, bool) {
	t, ok := k.statusChangedAt[status]
	return t, ok
}

func (k *KeyPair) IsNew() bool     { return k.status == KeyPairStatusNew }
func (k *KeyPair) IsPending() bool { return k.status == KeyPairStatusPending }
func (k *KeyPair) IsCurrent() bool { return k.status == KeyPairStatusCurrent }
func (k *KeyPair) IsOld() bool     { return k.status == KeyPairStatusOld }
func (k *KeyPair) IsRevoked() bool { return k.status == KeyPairStatusRevoked }

// IsRemovable は集約から取り除いてよいかを返す。
// 失効済み、または一度も証明書を受け取っていないNEWの鍵のみ削除できる。
func (k *KeyPair) IsRemovable() bool {
	return k.IsRevoked() || (k.IsNew() && k.incoming == nil)
}

// FindCurrentIncomingCertificate は親CAから受け取った現在の証明書を返す。
func (k *KeyPair) FindCurrentIncomingCertificate() (*IncomingCertificate, bool) {
	return k.incoming, k.incoming != nil
}

// HasPublicKey は公開鍵が一致するかを返す。
func (k *KeyPair) HasPublicKey(publicKey []byte) bool {
	return bytes.Equal(k.publicKey, publicKey)
}

func (k *KeyPair) transition(to KeyPairStatus, now time.Time) error {
	if !canTransition(k.status, to) {
		return fmt.Errorf("%w: key pair %d cannot move from %s to %s", ErrKeyPairStatus, k.id, k.status, to)
	}
	k.status = to
	k.statusChangedAt[to] = now
	return nil
}

func (k *KeyPair) updateIncomingCertificate(cert IncomingCertificate, now time.Time) error {
	if k.IsRevoked() {
		return fmt.Errorf("%w: key pair %d is revoked", ErrKeyPairStatus, k.id)
	}
	k.incoming = &cert
	if k.IsNew() {
		return k.transition(KeyPairStatusPending, now)
	}
	return nil
}

func (k *KeyPair) activate(now time.Time) error   { return k.transition(KeyPairStatusCurrent, now) }
func (k *KeyPair) deactivate(now time.Time) error { return k.transition(KeyPairStatusOld, now) }
func (k *KeyPair) revoke(now time.Time) error     { return k.transition(KeyPairStatusRevoked, now) }

func (k *KeyPair) deleteIncomingCertificate() {
	k.incoming = nil
}

// CertificateEncoder は証明書の署名とDERエンコードを行う外部ライブラリの境界。
type CertificateEncoder interface {
	EncodeCertificate(ctx context.Context, signingKey *KeyPair, cert ResourceCertificate) ([]byte, error)
}

// issueCertificate はこの鍵で子への証明書を構築し、同じ公開鍵への既存の有効な証明書を失効させる。
func (k *KeyPair) issueCertificate(
	ctx context.Context,
	request CertificateIssuanceRequest,
	serial *big.Int,
	validity ValidityPeriod,
	encoder CertificateEncoder,
	certificates ResourceCertificateRepository,
	now time.Time,
) (*CertificateIssuanceResponse, error) {
	incoming, ok := k.FindCurrentIncomingCertificate()
	if !ok {
		return nil, fmt.Errorf("%w: key pair %d has no incoming certificate", ErrNoCurrentKeyPair, k.id)
	}

	rc := ResourceCertificate{
		Serial:               serial.String(),
		SubjectPublicKey:     request.SubjectPublicKey,
		Resources:            request.Resources,
		Validity:             validity,
		SIA:                  request.SIA,
		ParentCertificateURI: incoming.PublicationURI,
	}
	encoded, err := encoder.EncodeCertificate(ctx, k, rc)
	if err != nil {
		return nil, fmt.Errorf("encoding certificate: %w", err)
	}
	rc.Encoded = encoded

	previous, err := certificates.FindCurrentCertificatesBySubjectKey(ctx, request.SubjectKeyIdentifier())
	if err != nil {
		return nil, fmt.Errorf("finding current certificates: %w", err)
	}
	for _, cert := range previous {
		if err := certificates.Revoke(ctx, cert.ID, now); err != nil {
			return nil, fmt.Errorf("revoking superseded certificate: %w", err)
		}
	}

	outgoing := &OutgoingCertificate{
		SigningKeyPairID:    k.id,
		ResourceCertificate: rc,
		PublicationURI:      childPublicationURI(incoming, request.SubjectKeyIdentifier()),
		Kind:                OutgoingCertificateKindChild,
		Status:              OutgoingCertificateStatusCurrent,
		CreatedAt:           now,
	}
	if err := certificates.Add(ctx, outgoing); err != nil {
		return nil, fmt.Errorf("storing outgoing certificate: %w", err)
	}

	return &CertificateIssuanceResponse{
		Certificate:    rc,
		PublicationURI: outgoing.PublicationURI,
	}, nil
}

// 子の証明書は署名CAのリポジトリディレクトリ直下に公開される。
func childPublicationURI(signing *IncomingCertificate, ski string) string {
	for _, d := range signing.SIA {
		if d.Method == AccessMethodCARepository {
			return strings.TrimSuffix(d.Location, "/") + "/" + ski + ".cer"
		}
	}
	return ski + ".cer"
}
