package domain

import (
	"crypto/sha1"
	"encoding/base64"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AccessMethod はSIA/AIAアクセス記述子のメソッドOID。
type AccessMethod string

const (
	// AccessMethodCARepository はCAのリポジトリディレクトリ。
	AccessMethodCARepository AccessMethod = "1.3.6.1.5.5.7.48.5"
	// AccessMethodManifest はマニフェストの公開場所。
	AccessMethodManifest AccessMethod = "1.3.6.1.5.5.7.48.10"
	// AccessMethodNotify はRRDP通知ファイル。
	AccessMethodNotify AccessMethod = "1.3.6.1.5.5.7.48.13"
)

// AccessDescriptor はSubject Information Accessの1エントリ。
type AccessDescriptor struct {
	Method   AccessMethod `json:"method"`
	Location string       `json:"location"`
}

// sortedByMethod はメソッドOIDで安定ソートしたコピーを返す。
// 同じメソッドが複数ある場合は元の相対順序が残るので、その順序の違いは変更として検出される。
func sortedByMethod(in []AccessDescriptor) []AccessDescriptor {
	out := make([]AccessDescriptor, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// ValidityPeriod は証明書の有効期間。
type ValidityPeriod struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// StandardValidityPeriod は now から翌年末（翌々年1月1日 00:00 UTC）までの有効期間を返す。
// 同じ年の間は NotAfter が変わらないため、再発行は年に一度に抑えられる。
func StandardValidityPeriod(now time.Time) ValidityPeriod {
	now = now.UTC().Truncate(time.Second)
	return ValidityPeriod{
		NotBefore: now,
		NotAfter:  time.Date(now.Year()+2, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ResourceCertificate は発行側・受領側で共通の証明書の内容。
type ResourceCertificate struct {
	Serial               string
	SubjectPublicKey     []byte
	Resources            ResourceSet
	Validity             ValidityPeriod
	SIA                  []AccessDescriptor
	ParentCertificateURI string
	Encoded              []byte
}

// SubjectKeyIdentifier はサブジェクト公開鍵の識別子を返す。
func (c ResourceCertificate) SubjectKeyIdentifier() string {
	return KeyIdentifier(c.SubjectPublicKey)
}

// IncomingCertificate は親CAから受け取った鍵ペアの証明書。
type IncomingCertificate struct {
	ResourceCertificate
	PublicationURI string
}

// OutgoingCertificateKind は発行した証明書の用途。
type OutgoingCertificateKind string

const (
	OutgoingCertificateKindChild    OutgoingCertificateKind = "child"
	OutgoingCertificateKindManifest OutgoingCertificateKind = "manifest"
	OutgoingCertificateKindRoa      OutgoingCertificateKind = "roa"
)

// OutgoingCertificateStatus は発行した証明書の状態。
type OutgoingCertificateStatus string

const (
	OutgoingCertificateStatusCurrent OutgoingCertificateStatus = "current"
	OutgoingCertificateStatusExpired OutgoingCertificateStatus = "expired"
	OutgoingCertificateStatusRevoked OutgoingCertificateStatus = "revoked"
)

// OutgoingCertificate は鍵ペアが子CAや自身（マニフェスト、CRL）に発行した証明書。
// 発行後はステータス遷移以外変更されない。
type OutgoingCertificate struct {
	ID               int64
	SigningKeyPairID int64
	ResourceCertificate
	PublicationURI string
	Kind           OutgoingCertificateKind
	Status         OutgoingCertificateStatus
	RevokedAt      *time.Time
	CreatedAt      time.Time
}

// IsCurrent は有効な証明書かどうかを返す。
func (c *OutgoingCertificate) IsCurrent() bool {
	return c.Status == OutgoingCertificateStatusCurrent
}

// CertificateProvisioningMessage は子CAが親CAへ送る要求（発行または失効）。
type CertificateProvisioningMessage interface {
	provisioningMessage()
}

// CertificateIssuanceRequest は証明書発行要求。
type CertificateIssuanceRequest struct {
	SubjectPublicKey []byte
	SubjectDN        string
	Resources        ResourceSet
	SIA              []AccessDescriptor
}

func (CertificateIssuanceRequest) provisioningMessage() {}

// SubjectKeyIdentifier は要求された公開鍵の識別子を返す。
func (r CertificateIssuanceRequest) SubjectKeyIdentifier() string {
	return KeyIdentifier(r.SubjectPublicKey)
}

// CertificateIssuanceResponse は親CAが発行した証明書とその公開場所。
type CertificateIssuanceResponse struct {
	Certificate    ResourceCertificate
	PublicationURI string
}

// CertificateRevocationRequest は証明書失効要求。
type CertificateRevocationRequest struct {
	SubjectPublicKey []byte
}

func (CertificateRevocationRequest) provisioningMessage() {}

// CertificateRevocationResponse は失効完了の応答。
type CertificateRevocationResponse struct {
	SubjectPublicKey []byte
}

// ResourceClassListQuery は子CAが保有しうるリソースの問い合わせ。
type ResourceClassListQuery struct {
	Resources ResourceSet
}

// ResourceClassListResponse は子CAが認証を受けられるリソース。
type ResourceClassListResponse struct {
	CertifiableResources ResourceSet
}

// KeyIdentifier はDERエンコードされた公開鍵からSHA-1ベースの識別子を計算する。
func KeyIdentifier(publicKey []byte) string {
	sum := sha1.Sum(publicKey)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewSerialNumber はランダムなUUIDから正の128ビットシリアル番号を生成する。
func NewSerialNumber() *big.Int {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:])
}
