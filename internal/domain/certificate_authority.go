package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CertificateAuthorityType はCAの種類。閉じた集合で、種類ごとに許される操作が異なる。
type CertificateAuthorityType string

const (
	CertificateAuthorityTypeAllResources CertificateAuthorityType = "ALL_RESOURCES"
	CertificateAuthorityTypeProduction   CertificateAuthorityType = "ROOT"
	CertificateAuthorityTypeHosted       CertificateAuthorityType = "HOSTED"
	CertificateAuthorityTypeNonHosted    CertificateAuthorityType = "NONHOSTED"
)

// IsManaged は鍵ペアをこのシステムで保持する種類かを返す。
func (t CertificateAuthorityType) IsManaged() bool {
	switch t {
	case CertificateAuthorityTypeAllResources, CertificateAuthorityTypeProduction, CertificateAuthorityTypeHosted:
		return true
	}
	return false
}

// CertificateAuthority は全ての種類のCAが持つ共通の能力。
// 具体的な種類は *ManagedCertificateAuthority と *NonHostedCertificateAuthority のいずれか。
type CertificateAuthority interface {
	VersionedID() VersionedID
	Name() string
	UUID() uuid.UUID
	Type() CertificateAuthorityType
	// ParentID は親CAのID。全リソースCAは親を持たない。
	ParentID() (int64, bool)
	CertifiedResources() ResourceSet
	State() CertificateAuthorityState
	SetVersion(version int64)
}

// KeyPairFactory は鍵素材を生成し、NEWの鍵ペアを返す。
type KeyPairFactory interface {
	CreateKeyPair(ctx context.Context) (*KeyPair, error)
}

// CertificateRequestCreator は子CAから親CAへの要求を組み立てる。
type CertificateRequestCreator interface {
	InitiateKeyRoll(ctx context.Context, ca *ManagedCertificateAuthority, maxAgeDays int) (*CertificateIssuanceRequest, error)
	CreateCertificateIssuanceRequestForNewKeyPair(ctx context.Context, ca *ManagedCertificateAuthority, resources ResourceSet) (CertificateIssuanceRequest, error)
	CreateCertificateIssuanceRequestForAllKeys(ca *ManagedCertificateAuthority, resources ResourceSet) []CertificateIssuanceRequest
	CreateCertificateRevocationRequestForAllKeys(ca *ManagedCertificateAuthority) []CertificateRevocationRequest
	CreateCertificateRevocationRequestForOldKey(ca *ManagedCertificateAuthority) (CertificateRevocationRequest, error)
}

// KeyPairDeletionService は失効済みの鍵ペアと、その鍵で発行した証明書を取り除く。
type KeyPairDeletionService interface {
	DeleteRevokedKeysFromResponses(ctx context.Context, ca *ManagedCertificateAuthority, responses []CertificateRevocationResponse) error
}

type identity struct {
	id        VersionedID
	name      string
	uuid      uuid.UUID
	parentID  int64
	hasParent bool
	createdAt time.Time
}

func (i *identity) VersionedID() VersionedID { return i.id }
func (i *identity) Name() string             { return i.name }
func (i *identity) UUID() uuid.UUID          { return i.uuid }
func (i *identity) CreatedAt() time.Time     { return i.createdAt }
func (i *identity) ParentID() (int64, bool)  { return i.parentID, i.hasParent }

// SetVersion は永続化後に新しいバージョンを反映する。
func (i *identity) SetVersion(version int64) { i.id.Version = version }

// CertificateAuthorityState は永続化層との受け渡しに使うCAのスナップショット。
type CertificateAuthorityState struct {
	ID                        VersionedID
	Type                      CertificateAuthorityType
	Name                      string
	UUID                      uuid.UUID
	ParentID                  *int64
	ManifestAndCrlCheckNeeded bool
	CreatedAt                 time.Time
	KeyPairs                  []KeyPairState
	// CertifiedResources は非ホステッドCAのみが保持する。
	CertifiedResources ResourceSet
}

func (s CertificateAuthorityState) identity() identity {
	i := identity{id: s.ID, name: s.Name, uuid: s.UUID, createdAt: s.CreatedAt}
	if s.ParentID != nil {
		i.parentID, i.hasParent = *s.ParentID, true
	}
	return i
}

// RestoreCertificateAuthority は種類に応じた具体型を復元する。
func RestoreCertificateAuthority(s CertificateAuthorityState) (CertificateAuthority, error) {
	switch s.Type {
	case CertificateAuthorityTypeNonHosted:
		return RestoreNonHostedCertificateAuthority(s), nil
	case CertificateAuthorityTypeAllResources, CertificateAuthorityTypeProduction, CertificateAuthorityTypeHosted:
		return RestoreManagedCertificateAuthority(s), nil
	}
	return nil, fmt.Errorf("%w: unknown certificate authority type %q", ErrWrongCertificateAuthorityType, s.Type)
}

// ManagedCertificateAuthority は鍵ペアをローカルに保持するCA（全リソース、本番、ホステッド）。
// 有効な鍵ペアごとにマニフェストとCRLを公開する。
type ManagedCertificateAuthority struct {
	identity
	caType                    CertificateAuthorityType
	keyPairs                  map[int64]*KeyPair
	manifestAndCrlCheckNeeded bool
	now                       func() time.Time
}

// NewManagedCertificateAuthority は鍵ペアを持たないCAを生成する。
func NewManagedCertificateAuthority(id int64, caType CertificateAuthorityType, name string, parentID *int64, now time.Time) (*ManagedCertificateAuthority, error) {
	if !caType.IsManaged() {
		return nil, fmt.Errorf("%w: %s is not a managed type", ErrWrongCertificateAuthorityType, caType)
	}
	if (caType == CertificateAuthorityTypeAllResources) != (parentID == nil) {
		return nil, fmt.Errorf("%w: only the all resources CA has no parent", ErrWrongCertificateAuthorityType)
	}
	return RestoreManagedCertificateAuthority(CertificateAuthorityState{
		ID:        NewVersionedID(id),
		Type:      caType,
		Name:      name,
		UUID:      uuid.New(),
		ParentID:  parentID,
		CreatedAt: now,
	}), nil
}

// RestoreManagedCertificateAuthority は永続化された状態から復元する。
func RestoreManagedCertificateAuthority(s CertificateAuthorityState) *ManagedCertificateAuthority {
	ca := &ManagedCertificateAuthority{
		identity:                  s.identity(),
		caType:                    s.Type,
		keyPairs:                  make(map[int64]*KeyPair, len(s.KeyPairs)),
		manifestAndCrlCheckNeeded: s.ManifestAndCrlCheckNeeded,
		now:                       time.Now,
	}
	for _, kp := range s.KeyPairs {
		ca.keyPairs[kp.ID] = RestoreKeyPair(kp)
	}
	return ca
}

// State は現在の状態のスナップショットを返す。鍵ペアはID順。
func (ca *ManagedCertificateAuthority) State() CertificateAuthorityState {
	s := CertificateAuthorityState{
		ID:                        ca.id,
		Type:                      ca.caType,
		Name:                      ca.name,
		UUID:                      ca.uuid,
		ManifestAndCrlCheckNeeded: ca.manifestAndCrlCheckNeeded,
		CreatedAt:                 ca.createdAt,
	}
	if ca.hasParent {
		parent := ca.parentID
		s.ParentID = &parent
	}
	for _, kp := range ca.KeyPairs() {
		s.KeyPairs = append(s.KeyPairs, kp.State())
	}
	return s
}

// SetClock は現在時刻の取得元を差し替える。
func (ca *ManagedCertificateAuthority) SetClock(now func() time.Time) {
	ca.now = now
}

func (ca *ManagedCertificateAuthority) Type() CertificateAuthorityType { return ca.caType }

func (ca *ManagedCertificateAuthority) IsAllResourcesCA() bool {
	return ca.caType == CertificateAuthorityTypeAllResources
}

func (ca *ManagedCertificateAuthority) IsProductionCA() bool {
	return ca.caType == CertificateAuthorityTypeProduction
}

func (ca *ManagedCertificateAuthority) IsManifestAndCrlCheckNeeded() bool {
	return ca.manifestAndCrlCheckNeeded
}

// ConfigurationUpdated はマニフェストとCRLの再評価が必要であることを記録する。
func (ca *ManagedCertificateAuthority) ConfigurationUpdated() {
	ca.manifestAndCrlCheckNeeded = true
}

// ManifestAndCrlCheckCompleted は再評価が終わったことを記録する。
func (ca *ManagedCertificateAuthority) ManifestAndCrlCheckCompleted() {
	ca.manifestAndCrlCheckNeeded = false
}

// KeyPairs は保持する鍵ペアをID順に返す。
func (ca *ManagedCertificateAuthority) KeyPairs() []*KeyPair {
	out := make([]*KeyPair, 0, len(ca.keyPairs))
	for _, kp := range ca.keyPairs {
		out = append(out, kp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AddKeyPair は鍵ペアを集約に加える。
func (ca *ManagedCertificateAuthority) AddKeyPair(kp *KeyPair) {
	ca.keyPairs[kp.id] = kp
}

// RemoveKeyPair は使われていない鍵ペアを取り除く。
func (ca *ManagedCertificateAuthority) RemoveKeyPair(kp *KeyPair) error {
	if !kp.IsRemovable() {
		return fmt.Errorf("%w: key pair %d is in use", ErrKeyPairStatus, kp.id)
	}
	delete(ca.keyPairs, kp.id)
	return nil
}

// CreateNewKeyPair は鍵ペアを生成し、NEWとして集約に加える。
func (ca *ManagedCertificateAuthority) CreateNewKeyPair(ctx context.Context, factory KeyPairFactory) (*KeyPair, error) {
	kp, err := factory.CreateKeyPair(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating key pair: %w", err)
	}
	ca.AddKeyPair(kp)
	return kp, nil
}

func (ca *ManagedCertificateAuthority) findFirstKeyPairWithStatus(status KeyPairStatus) (*KeyPair, bool) {
	for _, kp := range ca.KeyPairs() {
		if kp.status == status {
			return kp, true
		}
	}
	return nil, false
}

func (ca *ManagedCertificateAuthority) FindCurrentKeyPair() (*KeyPair, bool) {
	return ca.findFirstKeyPairWithStatus(KeyPairStatusCurrent)
}

func (ca *ManagedCertificateAuthority) FindPendingKeyPair() (*KeyPair, bool) {
	return ca.findFirstKeyPairWithStatus(KeyPairStatusPending)
}

func (ca *ManagedCertificateAuthority) FindOldKeyPair() (*KeyPair, bool) {
	return ca.findFirstKeyPairWithStatus(KeyPairStatusOld)
}

// FindKeyPairByEncodedKeyIdentifier は鍵識別子で鍵ペアを探す。
func (ca *ManagedCertificateAuthority) FindKeyPairByEncodedKeyIdentifier(ski string) (*KeyPair, bool) {
	for _, kp := range ca.KeyPairs() {
		if kp.EncodedKeyIdentifier() == ski {
			return kp, true
		}
	}
	return nil, false
}

// FindKeyPairByPublicKey は公開鍵で鍵ペアを探す。
func (ca *ManagedCertificateAuthority) FindKeyPairByPublicKey(publicKey []byte) (*KeyPair, bool) {
	return ca.FindKeyPairByEncodedKeyIdentifier(KeyIdentifier(publicKey))
}

// CurrentKeyPair はCURRENTの鍵ペアを返す。無ければ ErrNoCurrentKeyPair。
func (ca *ManagedCertificateAuthority) CurrentKeyPair() (*KeyPair, error) {
	kp, ok := ca.FindCurrentKeyPair()
	if !ok {
		return nil, fmt.Errorf("%w: ca %d has no active key pair available to sign requested certificate", ErrNoCurrentKeyPair, ca.id.ID)
	}
	return kp, nil
}

// FindCurrentIncomingCertificate はCURRENT鍵の受領証明書を返す。
func (ca *ManagedCertificateAuthority) FindCurrentIncomingCertificate() (*IncomingCertificate, bool) {
	kp, ok := ca.FindCurrentKeyPair()
	if !ok {
		return nil, false
	}
	return kp.FindCurrentIncomingCertificate()
}

// CertifiedResources はCURRENT鍵の受領証明書に含まれるリソース。無ければ空集合。
func (ca *ManagedCertificateAuthority) CertifiedResources() ResourceSet {
	cert, ok := ca.FindCurrentIncomingCertificate()
	if !ok {
		return ResourceSet{}
	}
	return cert.Resources
}

func (ca *ManagedCertificateAuthority) HasCurrentKeyPair() bool {
	return ca.countKeyPairsWithStatus(KeyPairStatusCurrent) > 0
}

// HasRollInProgress はNEW、PENDING、OLDのいずれかの鍵ペアがあるかを返す。
func (ca *ManagedCertificateAuthority) HasRollInProgress() bool {
	return ca.countKeyPairsWithStatus(KeyPairStatusNew, KeyPairStatusPending, KeyPairStatusOld) > 0
}

func (ca *ManagedCertificateAuthority) countKeyPairsWithStatus(statuses ...KeyPairStatus) int {
	n := 0
	for _, kp := range ca.keyPairs {
		for _, s := range statuses {
			if kp.status == s {
				n++
				break
			}
		}
	}
	return n
}

// CurrentKeyPairIsOlder はCURRENT鍵の作成から ageDays 日より経っているかを返す。
func (ca *ManagedCertificateAuthority) CurrentKeyPairIsOlder(ageDays int) bool {
	kp, ok := ca.FindCurrentKeyPair()
	if !ok {
		return false
	}
	maxCreationTime := ca.now().AddDate(0, 0, -ageDays)
	return kp.createdAt.Before(maxCreationTime)
}

// ValidateChildResourceSet は子のリソースが認証済みリソースに含まれることを検証する。
func (ca *ManagedCertificateAuthority) ValidateChildResourceSet(child ResourceSet) error {
	parent := ca.CertifiedResources()
	if !parent.Contains(child) {
		return fmt.Errorf("%w: child resources '%s' are not contained in parent resources", ErrResourceNotContained, child.Difference(parent))
	}
	return nil
}

// IsCertificateIssuanceNeeded はCURRENT鍵で最後に発行した証明書と要求を比較する。
func (ca *ManagedCertificateAuthority) IsCertificateIssuanceNeeded(
	ctx context.Context,
	request CertificateIssuanceRequest,
	requested ValidityPeriod,
	certificates ResourceCertificateRepository,
) (IssuanceDecision, error) {
	current, err := ca.CurrentKeyPair()
	if err != nil {
		return IssuanceDecision{}, err
	}
	last, err := certificates.FindLatestOutgoingCertificate(ctx, request.SubjectKeyIdentifier(), current.id)
	if err != nil {
		return IssuanceDecision{}, fmt.Errorf("finding latest outgoing certificate: %w", err)
	}
	signingURI := ""
	if incoming, ok := current.FindCurrentIncomingCertificate(); ok {
		signingURI = incoming.PublicationURI
	}
	return DecideCertificateIssuance(ctx, request, requested, signingURI, last), nil
}

// IsCertificateRevocationNeeded は要求された公開鍵に有効な発行済み証明書があるかを返す。
func (ca *ManagedCertificateAuthority) IsCertificateRevocationNeeded(
	ctx context.Context,
	request CertificateRevocationRequest,
	certificates ResourceCertificateRepository,
) (bool, error) {
	current, err := certificates.FindCurrentCertificatesBySubjectKey(ctx, KeyIdentifier(request.SubjectPublicKey))
	if err != nil {
		return false, fmt.Errorf("finding current certificates: %w", err)
	}
	return CertificateRevocationNeeded(current), nil
}

// ProcessCertificateIssuanceRequest は子CAへの証明書をCURRENT鍵で発行する。本番CAと全リソースCAのみ。
func (ca *ManagedCertificateAuthority) ProcessCertificateIssuanceRequest(
	ctx context.Context,
	request CertificateIssuanceRequest,
	certificates ResourceCertificateRepository,
	encoder CertificateEncoder,
	issuedCertificatesPerSignedKeyLimit int64,
) (*CertificateIssuanceResponse, error) {
	if !ca.IsProductionCA() && !ca.IsAllResourcesCA() {
		return nil, fmt.Errorf("%w: must be Production or 'All Resources' CA", ErrWrongCertificateAuthorityType)
	}
	if err := ca.ValidateChildResourceSet(request.Resources); err != nil {
		return nil, err
	}
	current, err := ca.CurrentKeyPair()
	if err != nil {
		return nil, err
	}
	count, err := certificates.CountNonExpiredOutgoingCertificates(ctx, request.SubjectKeyIdentifier(), current.id)
	if err != nil {
		return nil, fmt.Errorf("counting outgoing certificates: %w", err)
	}
	if count >= issuedCertificatesPerSignedKeyLimit {
		return nil, fmt.Errorf("%w: number of issued certificates for public key exceeds the limit (%d >= %d)",
			ErrResourceLimitExceeded, count, issuedCertificatesPerSignedKeyLimit)
	}
	now := ca.now()
	return current.issueCertificate(ctx, request, NewSerialNumber(), StandardValidityPeriod(now), encoder, certificates, now)
}

// ProcessCertificateRevocationRequest は要求された公開鍵への有効な証明書を全て失効させる。
func (ca *ManagedCertificateAuthority) ProcessCertificateRevocationRequest(
	ctx context.Context,
	request CertificateRevocationRequest,
	certificates ResourceCertificateRepository,
) (*CertificateRevocationResponse, error) {
	if !ca.HasCurrentKeyPair() {
		return nil, fmt.Errorf("%w: must have current key pair to revoke child certificates", ErrNoCurrentKeyPair)
	}
	current, err := certificates.FindCurrentCertificatesBySubjectKey(ctx, KeyIdentifier(request.SubjectPublicKey))
	if err != nil {
		return nil, fmt.Errorf("finding current certificates: %w", err)
	}
	now := ca.now()
	for _, cert := range current {
		if err := certificates.Revoke(ctx, cert.ID, now); err != nil {
			return nil, fmt.Errorf("revoking certificate %d: %w", cert.ID, err)
		}
	}
	return &CertificateRevocationResponse{SubjectPublicKey: request.SubjectPublicKey}, nil
}

// ProcessResourceClassListQuery は認証済みリソースと問い合わせの共通部分を返す。
func (ca *ManagedCertificateAuthority) ProcessResourceClassListQuery(query ResourceClassListQuery) ResourceClassListResponse {
	return ResourceClassListResponse{CertifiableResources: ca.CertifiedResources().Intersect(query.Resources)}
}

// ProcessCertificateIssuanceResponse は親CAから受け取った証明書を該当する鍵ペアに設定する。
// 鍵ペアが1つだけでPENDINGならその場で有効化する。
func (ca *ManagedCertificateAuthority) ProcessCertificateIssuanceResponse(
	ctx context.Context,
	response CertificateIssuanceResponse,
	events EventPublisher,
) error {
	kp, ok := ca.FindKeyPairByPublicKey(response.Certificate.SubjectPublicKey)
	if !ok {
		slog.WarnContext(ctx, "ignoring certificate issuance response for unknown key pair",
			"ca_id", ca.id.ID,
			"subject_key_identifier", response.Certificate.SubjectKeyIdentifier(),
		)
		return nil
	}
	return ca.updateIncomingCertificate(kp, IncomingCertificate{
		ResourceCertificate: response.Certificate,
		PublicationURI:      response.PublicationURI,
	}, events)
}

func (ca *ManagedCertificateAuthority) updateIncomingCertificate(kp *KeyPair, cert IncomingCertificate, events EventPublisher) error {
	now := ca.now()
	if err := kp.updateIncomingCertificate(cert, now); err != nil {
		return err
	}
	ca.manifestAndCrlCheckNeeded = true

	if len(ca.keyPairs) == 1 && kp.IsPending() {
		if err := ca.activatePendingKey(kp, now, events); err != nil {
			return err
		}
	}

	// activatePendingKey の後で状態が変わっている場合がある
	if kp.IsCurrent() {
		events.Publish(IncomingCertificateUpdatedEvent{CAID: ca.id, Certificate: cert})
	}
	return nil
}

// ActivatePendingKey はCURRENT鍵をOLDにし、対象のPENDING鍵をCURRENTにする。
func (ca *ManagedCertificateAuthority) ActivatePendingKey(kp *KeyPair, events EventPublisher) error {
	if owned, ok := ca.keyPairs[kp.id]; !ok || owned != kp {
		return fmt.Errorf("%w: key pair %d does not belong to ca %d", ErrKeyPairNotFound, kp.id, ca.id.ID)
	}
	return ca.activatePendingKey(kp, ca.now(), events)
}

func (ca *ManagedCertificateAuthority) activatePendingKey(kp *KeyPair, now time.Time, events EventPublisher) error {
	if !kp.IsPending() {
		return fmt.Errorf("%w: key pair %d is %s, not PENDING", ErrKeyPairStatus, kp.id, kp.status)
	}
	if current, ok := ca.FindCurrentKeyPair(); ok {
		if err := current.deactivate(now); err != nil {
			return err
		}
	}
	if err := kp.activate(now); err != nil {
		return err
	}
	events.Publish(KeyPairActivatedEvent{CAID: ca.id, KeyPairID: kp.id, KeyIdentifier: kp.EncodedKeyIdentifier()})
	return nil
}

// InitiateKeyRolls は条件を満たす場合に新しい鍵を作成し、その証明書要求を返す。
func (ca *ManagedCertificateAuthority) InitiateKeyRolls(
	ctx context.Context,
	maxAgeDays int,
	creator CertificateRequestCreator,
) ([]CertificateIssuanceRequest, error) {
	request, err := creator.InitiateKeyRoll(ctx, ca, maxAgeDays)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, nil
	}
	return []CertificateIssuanceRequest{*request}, nil
}

// ActivatePendingKeys はステージング期間を過ぎたPENDING鍵を有効化し、有効化したかを返す。
func (ca *ManagedCertificateAuthority) ActivatePendingKeys(minStagingTime time.Duration, events EventPublisher) (bool, error) {
	kp, ok := ca.FindPendingKeyPair()
	if !ok {
		return false, nil
	}
	now := ca.now()
	pendingSince, ok := kp.StatusChangedAt(KeyPairStatusPending)
	if !ok || !pendingSince.Before(now.Add(-minStagingTime)) {
		return false, nil
	}
	if err := ca.activatePendingKey(kp, now, events); err != nil {
		return false, err
	}
	return true, nil
}

// RequestOldKeysRevocation はマニフェスト以外に有効な発行済み証明書を持たないOLD鍵の失効要求を返す。
func (ca *ManagedCertificateAuthority) RequestOldKeysRevocation(
	ctx context.Context,
	certificates ResourceCertificateRepository,
) ([]CertificateRevocationRequest, error) {
	var requests []CertificateRevocationRequest
	for _, kp := range ca.KeyPairs() {
		if !kp.IsOld() {
			continue
		}
		inUse, err := certificates.ExistsCurrentOutgoingCertificatesExceptForManifest(ctx, kp.id)
		if err != nil {
			return nil, fmt.Errorf("checking outgoing certificates of key pair %d: %w", kp.id, err)
		}
		if !inUse {
			requests = append(requests, CertificateRevocationRequest{SubjectPublicKey: kp.publicKey})
		}
	}
	return requests, nil
}

// ProcessCertificateRevocationResponse は失効した鍵ペアの受領証明書を消し、鍵素材の削除を依頼する。
func (ca *ManagedCertificateAuthority) ProcessCertificateRevocationResponse(
	ctx context.Context,
	response CertificateRevocationResponse,
	deletion KeyPairDeletionService,
	events EventPublisher,
) error {
	kp, ok := ca.FindKeyPairByPublicKey(response.SubjectPublicKey)
	if !ok {
		return nil
	}
	if kp.IsRevoked() {
		return fmt.Errorf("%w: key pair %d is already revoked", ErrKeyPairStatus, kp.id)
	}

	incoming, hasIncoming := kp.FindCurrentIncomingCertificate()
	publicationURI := ""
	if hasIncoming {
		publicationURI = incoming.PublicationURI
	}
	ski := kp.EncodedKeyIdentifier()

	kp.deleteIncomingCertificate()
	if err := kp.revoke(ca.now()); err != nil {
		return err
	}
	if err := deletion.DeleteRevokedKeysFromResponses(ctx, ca, []CertificateRevocationResponse{response}); err != nil {
		return fmt.Errorf("deleting revoked key pair: %w", err)
	}
	ca.manifestAndCrlCheckNeeded = true

	serial := ""
	if hasIncoming {
		serial = incoming.Serial
	}
	slog.InfoContext(ctx, "certificate revoked",
		"ca_id", ca.id.ID,
		"serial", serial,
		"uri", publicationURI,
		"resources_after_revocation", ca.CertifiedResources().String(),
	)
	events.Publish(IncomingCertificateRevokedEvent{
		CAID:           ca.id,
		KeyIdentifier:  ski,
		PublicationURI: publicationURI,
		Certificate:    incoming,
	})
	return nil
}

// ProcessResourceClassListResponse は親CAが認める資源に合わせて発行要求または失効要求を返す。
// 資源が無ければ全ての鍵の失効、鍵が無ければ新しい鍵の発行、それ以外は全ての鍵の再発行を要求する。
func (ca *ManagedCertificateAuthority) ProcessResourceClassListResponse(
	ctx context.Context,
	response ResourceClassListResponse,
	creator CertificateRequestCreator,
) ([]CertificateProvisioningMessage, error) {
	if ca.IsAllResourcesCA() {
		return nil, fmt.Errorf("%w: only Production and Hosted CAs can do it", ErrWrongCertificateAuthorityType)
	}

	certifiable := response.CertifiableResources
	var messages []CertificateProvisioningMessage
	switch {
	case certifiable.IsEmpty():
		for _, r := range creator.CreateCertificateRevocationRequestForAllKeys(ca) {
			messages = append(messages, r)
		}
	case len(ca.keyPairs) == 0:
		r, err := creator.CreateCertificateIssuanceRequestForNewKeyPair(ctx, ca, certifiable)
		if err != nil {
			return nil, err
		}
		messages = append(messages, r)
	default:
		for _, r := range creator.CreateCertificateIssuanceRequestForAllKeys(ca, certifiable) {
			messages = append(messages, r)
		}
	}
	return messages, nil
}

// DeleteRevokedKey は失効済みの鍵ペアを取り除く。onDelete は取り除く前に呼ばれる。
// 該当する鍵ペアが無ければ nil を返す。
func (ca *ManagedCertificateAuthority) DeleteRevokedKey(ski string, onDelete func(*KeyPair) error) (*KeyPairState, error) {
	kp, ok := ca.FindKeyPairByEncodedKeyIdentifier(ski)
	if !ok {
		return nil, nil
	}
	if !kp.IsRevoked() {
		return nil, fmt.Errorf("%w: can only archive revoked key, key pair %d is %s", ErrKeyPairStatus, kp.id, kp.status)
	}
	if err := onDelete(kp); err != nil {
		return nil, err
	}
	kp.deleteIncomingCertificate()
	delete(ca.keyPairs, kp.id)
	state := kp.State()
	return &state, nil
}

// NonHostedCertificateAuthority は秘密鍵を利用者側で保持するCA。
// このシステムは最後に認証したリソースのみを保持する。
type NonHostedCertificateAuthority struct {
	identity
	certifiedResources ResourceSet
}

// NewNonHostedCertificateAuthority は親の下に非ホステッドCAを登録する。
func NewNonHostedCertificateAuthority(id int64, name string, parentID int64, now time.Time) *NonHostedCertificateAuthority {
	return &NonHostedCertificateAuthority{
		identity: identity{
			id:        NewVersionedID(id),
			name:      name,
			uuid:      uuid.New(),
			parentID:  parentID,
			hasParent: true,
			createdAt: now,
		},
	}
}

// RestoreNonHostedCertificateAuthority は永続化された状態から復元する。
func RestoreNonHostedCertificateAuthority(s CertificateAuthorityState) *NonHostedCertificateAuthority {
	return &NonHostedCertificateAuthority{identity: s.identity(), certifiedResources: s.CertifiedResources}
}

func (ca *NonHostedCertificateAuthority) Type() CertificateAuthorityType {
	return CertificateAuthorityTypeNonHosted
}

func (ca *NonHostedCertificateAuthority) CertifiedResources() ResourceSet {
	return ca.certifiedResources
}

// UpdateCertifiedResources は親CAが認めたリソースを記録し、変化したかを返す。
func (ca *NonHostedCertificateAuthority) UpdateCertifiedResources(resources ResourceSet) bool {
	if ca.certifiedResources.Equal(resources) {
		return false
	}
	ca.certifiedResources = resources
	return true
}

func (ca *NonHostedCertificateAuthority) State() CertificateAuthorityState {
	parent := ca.parentID
	return CertificateAuthorityState{
		ID:                 ca.id,
		Type:               CertificateAuthorityTypeNonHosted,
		Name:               ca.name,
		UUID:               ca.uuid,
		ParentID:           &parent,
		CreatedAt:          ca.createdAt,
		CertifiedResources: ca.certifiedResources,
	}
}
