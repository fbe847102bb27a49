package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// CertificateRequestCreationService は子CAから親CAへの発行要求と失効要求を組み立てる。
type CertificateRequestCreationService struct {
	repositoryURI string
	factory       domain.KeyPairFactory
}

// NewCertificateRequestCreationService は repositoryURI を各CAのリポジトリの基点とするサービスを生成する。
func NewCertificateRequestCreationService(repositoryURI string, factory domain.KeyPairFactory) *CertificateRequestCreationService {
	if !strings.HasSuffix(repositoryURI, "/") {
		repositoryURI += "/"
	}
	return &CertificateRequestCreationService{repositoryURI: repositoryURI, factory: factory}
}

// InitiateKeyRoll はCURRENT鍵が maxAgeDays より古ければ新しい鍵を作り、その発行要求を返す。
// ロールが不要な場合は nil を返す。
func (s *CertificateRequestCreationService) InitiateKeyRoll(
	ctx context.Context,
	ca *domain.ManagedCertificateAuthority,
	maxAgeDays int,
) (*domain.CertificateIssuanceRequest, error) {
	if !domain.KeyRollNeeded(ca, maxAgeDays) {
		return nil, nil
	}
	incoming, ok := ca.FindCurrentIncomingCertificate()
	if !ok {
		return nil, nil
	}
	kp, err := ca.CreateNewKeyPair(ctx, s.factory)
	if err != nil {
		return nil, err
	}
	request := s.issuanceRequest(ca, kp, incoming.Resources)
	return &request, nil
}

// CreateCertificateIssuanceRequestForNewKeyPair は新しい鍵を作り、その発行要求を返す。
func (s *CertificateRequestCreationService) CreateCertificateIssuanceRequestForNewKeyPair(
	ctx context.Context,
	ca *domain.ManagedCertificateAuthority,
	resources domain.ResourceSet,
) (domain.CertificateIssuanceRequest, error) {
	kp, err := ca.CreateNewKeyPair(ctx, s.factory)
	if err != nil {
		return domain.CertificateIssuanceRequest{}, err
	}
	return s.issuanceRequest(ca, kp, resources), nil
}

// CreateCertificateIssuanceRequestForAllKeys はNEW、PENDING、CURRENTの鍵ごとの発行要求を返す。
func (s *CertificateRequestCreationService) CreateCertificateIssuanceRequestForAllKeys(
	ca *domain.ManagedCertificateAuthority,
	resources domain.ResourceSet,
) []domain.CertificateIssuanceRequest {
	var requests []domain.CertificateIssuanceRequest
	for _, kp := range ca.KeyPairs() {
		if kp.IsNew() || kp.IsPending() || kp.IsCurrent() {
			requests = append(requests, s.issuanceRequest(ca, kp, resources))
		}
	}
	return requests
}

// CreateCertificateRevocationRequestForAllKeys は失効していない全ての鍵の失効要求を返す。
func (s *CertificateRequestCreationService) CreateCertificateRevocationRequestForAllKeys(
	ca *domain.ManagedCertificateAuthority,
) []domain.CertificateRevocationRequest {
	var requests []domain.CertificateRevocationRequest
	for _, kp := range ca.KeyPairs() {
		if !kp.IsRevoked() {
			requests = append(requests, domain.CertificateRevocationRequest{SubjectPublicKey: kp.PublicKey()})
		}
	}
	return requests
}

// CreateCertificateRevocationRequestForOldKey はOLD鍵の失効要求を返す。
func (s *CertificateRequestCreationService) CreateCertificateRevocationRequestForOldKey(
	ca *domain.ManagedCertificateAuthority,
) (domain.CertificateRevocationRequest, error) {
	kp, ok := ca.FindOldKeyPair()
	if !ok {
		return domain.CertificateRevocationRequest{}, fmt.Errorf("%w: cannot find an OLD key pair", domain.ErrKeyPairNotFound)
	}
	return domain.CertificateRevocationRequest{SubjectPublicKey: kp.PublicKey()}, nil
}

func (s *CertificateRequestCreationService) issuanceRequest(
	ca *domain.ManagedCertificateAuthority,
	kp *domain.KeyPair,
	resources domain.ResourceSet,
) domain.CertificateIssuanceRequest {
	ski := kp.EncodedKeyIdentifier()
	return domain.CertificateIssuanceRequest{
		SubjectPublicKey: kp.PublicKey(),
		SubjectDN:        "CN=" + ski,
		Resources:        resources,
		SIA:              s.subjectInformationAccess(ca, ski),
	}
}

// subjectInformationAccess はCAのリポジトリディレクトリと鍵ごとのマニフェストを指す。
func (s *CertificateRequestCreationService) subjectInformationAccess(ca *domain.ManagedCertificateAuthority, ski string) []domain.AccessDescriptor {
	repository := s.CARepositoryURI(ca)
	return []domain.AccessDescriptor{
		{Method: domain.AccessMethodCARepository, Location: repository},
		{Method: domain.AccessMethodManifest, Location: repository + ski + ".mft"},
	}
}

// CARepositoryURI はCAの公開ディレクトリを返す。
func (s *CertificateRequestCreationService) CARepositoryURI(ca domain.CertificateAuthority) string {
	return s.repositoryURI + ca.UUID().String() + "/"
}
