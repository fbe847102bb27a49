package domain

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// ResourceCertificateRepository はCAの判断に必要な発行済み証明書の読み書き契約。
type ResourceCertificateRepository interface {
	FindLatestOutgoingCertificate(ctx context.Context, subjectKeyIdentifier string, signingKeyPairID int64) (*OutgoingCertificate, error)
	FindCurrentCertificatesBySubjectKey(ctx context.Context, subjectKeyIdentifier string) ([]*OutgoingCertificate, error)
	CountNonExpiredOutgoingCertificates(ctx context.Context, subjectKeyIdentifier string, signingKeyPairID int64) (int64, error)
	ExistsCurrentOutgoingCertificatesExceptForManifest(ctx context.Context, signingKeyPairID int64) (bool, error)
	Add(ctx context.Context, cert *OutgoingCertificate) error
	Revoke(ctx context.Context, id int64, at time.Time) error
}

// IssuanceDecision は再発行判定の結果と理由。
type IssuanceDecision struct {
	Needed bool
	Reason string
}

const (
	ReasonNoPreviousCertificate  = "no_previous_certificate"
	ReasonResourcesChanged       = "resources_changed"
	ReasonSIAChanged             = "sia_changed"
	ReasonSigningLocationChanged = "signing_certificate_location_changed"
	ReasonValidityExtended       = "validity_extended"
	ReasonValidityStartsEarlier  = "validity_starts_earlier"
	ReasonCertificateUpToDate    = ""
)

// DecideCertificateIssuance は要求と最後に発行した証明書を比較し、再発行が必要かを判定する。
// signingCertificateURI は署名鍵の現在の受領証明書の公開URI（無ければ空文字列）。
func DecideCertificateIssuance(
	ctx context.Context,
	request CertificateIssuanceRequest,
	requested ValidityPeriod,
	signingCertificateURI string,
	last *OutgoingCertificate,
) IssuanceDecision {
	if last == nil {
		slog.InfoContext(ctx, "no current certificate for subject key, requesting new certificate",
			"subject", request.SubjectDN,
		)
		return IssuanceDecision{Needed: true, Reason: ReasonNoPreviousCertificate}
	}

	if !request.Resources.Equal(last.Resources) {
		slog.InfoContext(ctx, "current certificate has different resources",
			"subject", request.SubjectDN,
			"added_resources", request.Resources.Difference(last.Resources).String(),
			"removed_resources", last.Resources.Difference(request.Resources).String(),
			"current_resources", last.Resources.String(),
			"requested_resources", request.Resources.String(),
		)
		return IssuanceDecision{Needed: true, Reason: ReasonResourcesChanged}
	}

	if !slices.Equal(sortedByMethod(request.SIA), sortedByMethod(last.SIA)) {
		slog.InfoContext(ctx, "certificate subject information access has changed, certificate needs to be re-issued",
			"subject", request.SubjectDN,
		)
		return IssuanceDecision{Needed: true, Reason: ReasonSIAChanged}
	}

	if last.ParentCertificateURI != signingCertificateURI {
		slog.InfoContext(ctx, "signing certificate uri has changed, requesting new certificate",
			"previous_uri", last.ParentCertificateURI,
			"current_uri", signingCertificateURI,
		)
		return IssuanceDecision{Needed: true, Reason: ReasonSigningLocationChanged}
	}

	if last.Validity.NotAfter.Before(requested.NotAfter) {
		slog.InfoContext(ctx, "current certificate expires before requested validity, requesting new certificate",
			"not_after", last.Validity.NotAfter,
			"requested_not_after", requested.NotAfter,
		)
		return IssuanceDecision{Needed: true, Reason: ReasonValidityExtended}
	}
	if requested.NotBefore.Before(last.Validity.NotBefore) {
		slog.WarnContext(ctx, "requested validity period starts before current validity period of certificate, requesting new certificate. Did the clock change?",
			"not_before", last.Validity.NotBefore,
			"requested_not_before", requested.NotBefore,
		)
		return IssuanceDecision{Needed: true, Reason: ReasonValidityStartsEarlier}
	}

	return IssuanceDecision{Needed: false, Reason: ReasonCertificateUpToDate}
}

// CertificateRevocationNeeded は対象の公開鍵に有効な発行済み証明書があるかを返す。
func CertificateRevocationNeeded(current []*OutgoingCertificate) bool {
	return len(current) > 0
}

// KeyRollNeeded はキーロールを開始すべきかを判定する。
// CURRENTの鍵がちょうど1つあり、ロール中（NEW/PENDING/OLD）の鍵が無く、その鍵が maxAgeDays より古い場合のみ true。
func KeyRollNeeded(ca *ManagedCertificateAuthority, maxAgeDays int) bool {
	if ca.HasRollInProgress() {
		return false
	}
	return ca.countKeyPairsWithStatus(KeyPairStatusCurrent) == 1 && ca.CurrentKeyPairIsOlder(maxAgeDays)
}
