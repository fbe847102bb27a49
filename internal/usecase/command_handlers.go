package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lolepezy/rpki-core/internal/domain"
)

const allResourcesCertificateName = "ta/all-resources.cer"

// commandHandler は1回のディスパッチの間だけ使われ、トランザクション内のストアに束縛される。
type commandHandler struct {
	dispatcher *Dispatcher
	store      domain.Store
	events     domain.EventPublisher
	creator    *CertificateRequestCreationService
	deletion   *KeyPairDeletionService
	now        time.Time
}

func (h *commandHandler) cas() domain.CertificateAuthorityRepository {
	return h.store.CertificateAuthorities()
}

func (h *commandHandler) clock() time.Time {
	return h.dispatcher.now().UTC()
}

// find はCAを読み込む。forUpdate の場合は行ロックを取得する。
func (h *commandHandler) find(ctx context.Context, id int64, forUpdate bool) (domain.CertificateAuthority, error) {
	var (
		ca  domain.CertificateAuthority
		err error
	)
	if forUpdate {
		ca, err = h.cas().FindByIDForUpdate(ctx, id)
	} else {
		ca, err = h.cas().FindByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finding certificate authority %d: %w", id, err)
	}
	if ca == nil {
		return nil, fmt.Errorf("%w: id %d", domain.ErrCertificateAuthorityNotFound, id)
	}
	if managed, ok := ca.(*domain.ManagedCertificateAuthority); ok {
		managed.SetClock(h.clock)
	}
	return ca, nil
}

func (h *commandHandler) findManaged(ctx context.Context, id int64, forUpdate bool) (*domain.ManagedCertificateAuthority, error) {
	ca, err := h.find(ctx, id, forUpdate)
	if err != nil {
		return nil, err
	}
	managed, ok := ca.(*domain.ManagedCertificateAuthority)
	if !ok {
		return nil, fmt.Errorf("%w: certificate authority %d is %s", domain.ErrWrongCertificateAuthorityType, id, ca.Type())
	}
	return managed, nil
}

// findParent は子の親CAを行ロック付きで読み込む。
func (h *commandHandler) findParent(ctx context.Context, child domain.CertificateAuthority) (*domain.ManagedCertificateAuthority, error) {
	parentID, ok := child.ParentID()
	if !ok {
		return nil, fmt.Errorf("%w: certificate authority %d has no parent", domain.ErrWrongCertificateAuthorityType, child.VersionedID().ID)
	}
	return h.findManaged(ctx, parentID, true)
}

func (h *commandHandler) ensureNameUnique(ctx context.Context, name string) error {
	existing, err := h.cas().FindByName(ctx, name)
	if err != nil {
		return fmt.Errorf("finding certificate authority by name: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", domain.ErrNameNotUnique, name)
	}
	return nil
}

func (h *commandHandler) cachedResources(ctx context.Context, name string) (domain.ResourceSet, bool, error) {
	resources, found, err := h.store.ResourceCache().Lookup(ctx, name)
	if err != nil {
		return domain.ResourceSet{}, false, fmt.Errorf("looking up resources of %s: %w", name, err)
	}
	return resources, found, nil
}

func (h *commandHandler) createAllResourcesCertificateAuthority(ctx context.Context, cmd domain.CreateAllResourcesCertificateAuthorityCommand) error {
	if err := h.ensureNameUnique(ctx, cmd.Name); err != nil {
		return err
	}
	ca, err := domain.NewManagedCertificateAuthority(cmd.CAID.ID, domain.CertificateAuthorityTypeAllResources, cmd.Name, nil, h.now)
	if err != nil {
		return err
	}
	ca.SetClock(h.clock)

	request, err := h.creator.CreateCertificateIssuanceRequestForNewKeyPair(ctx, ca, domain.AllResources())
	if err != nil {
		return err
	}
	kp, _ := ca.FindKeyPairByPublicKey(request.SubjectPublicKey)

	cert := domain.ResourceCertificate{
		Serial:           domain.NewSerialNumber().String(),
		SubjectPublicKey: request.SubjectPublicKey,
		Resources:        domain.AllResources(),
		Validity:         domain.StandardValidityPeriod(h.now),
		SIA:              request.SIA,
	}
	encoded, err := h.dispatcher.encoder.EncodeCertificate(ctx, kp, cert)
	if err != nil {
		return fmt.Errorf("self-signing all resources certificate: %w", err)
	}
	cert.Encoded = encoded

	response := domain.CertificateIssuanceResponse{
		Certificate:    cert,
		PublicationURI: h.dispatcher.settings.RepositoryURI + allResourcesCertificateName,
	}
	if err := ca.ProcessCertificateIssuanceResponse(ctx, response, h.events); err != nil {
		return err
	}
	return h.cas().Add(ctx, ca)
}

func (h *commandHandler) createProductionCertificateAuthority(ctx context.Context, cmd domain.CreateProductionCertificateAuthorityCommand) error {
	if err := h.ensureNameUnique(ctx, cmd.Name); err != nil {
		return err
	}
	parent, err := h.findManaged(ctx, cmd.ParentID, true)
	if err != nil {
		return err
	}
	if !parent.IsAllResourcesCA() {
		return fmt.Errorf("%w: parent of a production CA must be the all resources CA", domain.ErrWrongCertificateAuthorityType)
	}

	parentID := parent.VersionedID().ID
	ca, err := domain.NewManagedCertificateAuthority(cmd.CAID.ID, domain.CertificateAuthorityTypeProduction, cmd.Name, &parentID, h.now)
	if err != nil {
		return err
	}
	ca.SetClock(h.clock)

	if _, err := h.provision(ctx, parent, ca, domain.AllResources()); err != nil {
		return err
	}
	return h.cas().Add(ctx, ca)
}

func (h *commandHandler) activateHostedCertificateAuthority(ctx context.Context, cmd domain.ActivateHostedCertificateAuthorityCommand) error {
	if err := h.ensureNameUnique(ctx, cmd.Name); err != nil {
		return err
	}
	parent, err := h.findManaged(ctx, cmd.ParentID, true)
	if err != nil {
		return err
	}
	if !parent.IsProductionCA() {
		return fmt.Errorf("%w: parent of a hosted CA must be the production CA", domain.ErrWrongCertificateAuthorityType)
	}

	parentID := parent.VersionedID().ID
	ca, err := domain.NewManagedCertificateAuthority(cmd.CAID.ID, domain.CertificateAuthorityTypeHosted, cmd.Name, &parentID, h.now)
	if err != nil {
		return err
	}
	ca.SetClock(h.clock)

	resources, _, err := h.cachedResources(ctx, cmd.Name)
	if err != nil {
		return err
	}
	if _, err := h.provision(ctx, parent, ca, resources); err != nil {
		return err
	}
	return h.cas().Add(ctx, ca)
}

func (h *commandHandler) activateNonHostedCertificateAuthority(ctx context.Context, cmd domain.ActivateNonHostedCertificateAuthorityCommand) error {
	if err := h.ensureNameUnique(ctx, cmd.Name); err != nil {
		return err
	}
	parent, err := h.findManaged(ctx, cmd.ParentID, false)
	if err != nil {
		return err
	}
	if !parent.IsProductionCA() {
		return fmt.Errorf("%w: parent of a non-hosted CA must be the production CA", domain.ErrWrongCertificateAuthorityType)
	}

	ca := domain.NewNonHostedCertificateAuthority(cmd.CAID.ID, cmd.Name, parent.VersionedID().ID, h.now)
	resources, _, err := h.cachedResources(ctx, cmd.Name)
	if err != nil {
		return err
	}
	ca.UpdateCertifiedResources(parent.ProcessResourceClassListQuery(domain.ResourceClassListQuery{Resources: resources}).CertifiableResources)
	return h.cas().Add(ctx, ca)
}

func (h *commandHandler) deleteCertificateAuthority(ctx context.Context, cmd domain.DeleteCertificateAuthorityCommand) error {
	ca, err := h.find(ctx, cmd.CAID.ID, true)
	if err != nil {
		return err
	}
	children, err := h.cas().FindChildIDs(ctx, cmd.CAID.ID)
	if err != nil {
		return fmt.Errorf("finding child certificate authorities: %w", err)
	}
	if len(children) > 0 {
		return fmt.Errorf("%w: certificate authority %d still has %d children", domain.ErrWrongCertificateAuthorityType, cmd.CAID.ID, len(children))
	}

	managed, ok := ca.(*domain.ManagedCertificateAuthority)
	if ok && !managed.IsAllResourcesCA() {
		requests := h.creator.CreateCertificateRevocationRequestForAllKeys(managed)
		if len(requests) > 0 {
			parent, err := h.findParent(ctx, managed)
			if err != nil {
				return err
			}
			messages := make([]domain.CertificateProvisioningMessage, 0, len(requests))
			for _, r := range requests {
				messages = append(messages, r)
			}
			if _, err := h.exchange(ctx, parent, managed, messages); err != nil {
				return err
			}
		}
	}
	return h.cas().Delete(ctx, ca)
}

func (h *commandHandler) updateAllIncomingResourceCertificates(ctx context.Context, cmd domain.UpdateAllIncomingResourceCertificatesCommand) error {
	ca, err := h.find(ctx, cmd.CAID.ID, false)
	if err != nil {
		return err
	}

	switch c := ca.(type) {
	case *domain.NonHostedCertificateAuthority:
		parent, err := h.findParent(ctx, c)
		if err != nil {
			return err
		}
		resources, found, err := h.cachedResources(ctx, c.Name())
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrCommandWithoutEffect
		}
		certifiable := parent.ProcessResourceClassListQuery(domain.ResourceClassListQuery{Resources: resources}).CertifiableResources
		if !c.UpdateCertifiedResources(certifiable) {
			return domain.ErrCommandWithoutEffect
		}
		return h.cas().Save(ctx, c)

	case *domain.ManagedCertificateAuthority:
		if c.IsAllResourcesCA() {
			return domain.ErrCommandWithoutEffect
		}
		query := domain.AllResources()
		if !c.IsProductionCA() {
			resources, found, err := h.cachedResources(ctx, c.Name())
			if err != nil {
				return err
			}
			if !found {
				slog.WarnContext(ctx, "no cached resources for hosted certificate authority, skipping update",
					"ca_id", c.VersionedID().ID,
					"name", c.Name(),
				)
				return domain.ErrCommandWithoutEffect
			}
			query = resources
		}
		parent, err := h.findParent(ctx, c)
		if err != nil {
			return err
		}
		changed, err := h.provision(ctx, parent, c, query)
		if err != nil {
			return err
		}
		if !changed {
			return domain.ErrCommandWithoutEffect
		}
		return h.cas().Save(ctx, c)
	}
	return fmt.Errorf("%w: %T", domain.ErrWrongCertificateAuthorityType, ca)
}

func (h *commandHandler) initiateRoll(ctx context.Context, cmd domain.KeyManagementInitiateRollCommand) error {
	ca, err := h.findManaged(ctx, cmd.CAID.ID, false)
	if err != nil {
		return err
	}
	if ca.IsAllResourcesCA() {
		return domain.ErrCommandWithoutEffect
	}
	requests, err := ca.InitiateKeyRolls(ctx, cmd.MaxAgeDays, h.creator)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return domain.ErrCommandWithoutEffect
	}

	parent, err := h.findParent(ctx, ca)
	if err != nil {
		return err
	}
	messages := make([]domain.CertificateProvisioningMessage, 0, len(requests))
	for _, r := range requests {
		messages = append(messages, r)
	}
	if _, err := h.exchange(ctx, parent, ca, messages); err != nil {
		return err
	}
	return h.cas().Save(ctx, ca)
}

func (h *commandHandler) activatePendingKeys(ctx context.Context, cmd domain.KeyManagementActivatePendingKeysCommand) error {
	ca, err := h.findManaged(ctx, cmd.CAID.ID, false)
	if err != nil {
		return err
	}
	activated, err := ca.ActivatePendingKeys(cmd.MinStagingTime, h.events)
	if err != nil {
		return err
	}
	if !activated {
		return domain.ErrCommandWithoutEffect
	}
	ca.ConfigurationUpdated()
	return h.cas().Save(ctx, ca)
}

func (h *commandHandler) revokeOldKeys(ctx context.Context, cmd domain.KeyManagementRevokeOldKeysCommand) error {
	ca, err := h.findManaged(ctx, cmd.CAID.ID, false)
	if err != nil {
		return err
	}
	requests, err := ca.RequestOldKeysRevocation(ctx, h.store.ResourceCertificates())
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return domain.ErrCommandWithoutEffect
	}

	if ca.IsAllResourcesCA() {
		// 全リソースCAは自己署名のため、失効応答を自分で処理する
		for _, r := range requests {
			response := domain.CertificateRevocationResponse{SubjectPublicKey: r.SubjectPublicKey}
			if err := ca.ProcessCertificateRevocationResponse(ctx, response, h.deletion, h.events); err != nil {
				return err
			}
		}
		return h.cas().Save(ctx, ca)
	}

	parent, err := h.findParent(ctx, ca)
	if err != nil {
		return err
	}
	messages := make([]domain.CertificateProvisioningMessage, 0, len(requests))
	for _, r := range requests {
		messages = append(messages, r)
	}
	if _, err := h.exchange(ctx, parent, ca, messages); err != nil {
		return err
	}
	return h.cas().Save(ctx, ca)
}

func (h *commandHandler) issueUpdatedManifestAndCrl(ctx context.Context, cmd domain.IssueUpdatedManifestAndCrlCommand) error {
	ca, err := h.findManaged(ctx, cmd.CAID.ID, false)
	if err != nil {
		return err
	}
	if !ca.IsManifestAndCrlCheckNeeded() {
		return domain.ErrCommandWithoutEffect
	}
	ca.ManifestAndCrlCheckCompleted()
	slog.InfoContext(ctx, "manifest and crl check completed",
		"ca_id", ca.VersionedID().ID,
		"key_pairs", len(ca.KeyPairs()),
	)
	return h.cas().Save(ctx, ca)
}

// provision は親に資源を問い合わせ、その応答に応じた要求を親とやり取りする。子の保存は呼び出し側が行う。
func (h *commandHandler) provision(
	ctx context.Context,
	parent, child *domain.ManagedCertificateAuthority,
	query domain.ResourceSet,
) (bool, error) {
	response := parent.ProcessResourceClassListQuery(domain.ResourceClassListQuery{Resources: query})
	messages, err := child.ProcessResourceClassListResponse(ctx, response, h.creator)
	if err != nil {
		return false, err
	}
	return h.exchange(ctx, parent, child, messages)
}

// exchange は子の要求を親で処理し、応答を子に返す。
// 親が証明書を発行または失効した場合は親を保存する。子が更新されたかを返す。
func (h *commandHandler) exchange(
	ctx context.Context,
	parent, child *domain.ManagedCertificateAuthority,
	messages []domain.CertificateProvisioningMessage,
) (bool, error) {
	certificates := h.store.ResourceCertificates()
	parentUpdated, childUpdated := false, false

	for _, message := range messages {
		switch m := message.(type) {
		case domain.CertificateIssuanceRequest:
			decision, err := parent.IsCertificateIssuanceNeeded(ctx, m, domain.StandardValidityPeriod(h.now), certificates)
			if err != nil {
				return false, err
			}
			if !decision.Needed {
				continue
			}
			response, err := parent.ProcessCertificateIssuanceRequest(ctx, m, certificates, h.dispatcher.encoder,
				h.dispatcher.settings.IssuedCertificatesPerSignedKeyLimit)
			if err != nil {
				return false, err
			}
			slog.InfoContext(ctx, "issued certificate to child",
				"parent_id", parent.VersionedID().ID,
				"child_id", child.VersionedID().ID,
				"reason", decision.Reason,
			)
			if err := child.ProcessCertificateIssuanceResponse(ctx, *response, h.events); err != nil {
				return false, err
			}
			parentUpdated, childUpdated = true, true

		case domain.CertificateRevocationRequest:
			needed, err := parent.IsCertificateRevocationNeeded(ctx, m, certificates)
			if err != nil {
				return false, err
			}
			if needed {
				if _, err := parent.ProcessCertificateRevocationRequest(ctx, m, certificates); err != nil {
					return false, err
				}
				parentUpdated = true
			}
			response := domain.CertificateRevocationResponse{SubjectPublicKey: m.SubjectPublicKey}
			if err := child.ProcessCertificateRevocationResponse(ctx, response, h.deletion, h.events); err != nil {
				return false, err
			}
			childUpdated = true
		}
	}

	if parentUpdated {
		parent.ConfigurationUpdated()
		if err := h.cas().Save(ctx, parent); err != nil {
			return false, err
		}
	}
	return childUpdated, nil
}
