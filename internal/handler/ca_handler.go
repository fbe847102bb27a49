// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lolepezy/rpki-core/internal/domain"
	"github.com/lolepezy/rpki-core/internal/middleware"
	"github.com/lolepezy/rpki-core/internal/usecase"
	"github.com/lolepezy/rpki-core/pkg/httputil"
)

// CommandExecutor はコマンドを実行する。
type CommandExecutor interface {
	Execute(ctx context.Context, cmd domain.Command) (*domain.CommandStatus, error)
}

// CertificateAuthorityFinder はCAの参照を提供する。
type CertificateAuthorityFinder interface {
	Get(ctx context.Context, id int64) (*usecase.CertificateAuthorityView, error)
}

// KeyManagementDefaults はリクエストで省略されたパラメータの既定値。
type KeyManagementDefaults struct {
	MaxAgeDays    int
	StagingPeriod time.Duration
}

// CAHandler はCAの管理APIを提供する。
type CAHandler struct {
	commands CommandExecutor
	finder   CertificateAuthorityFinder
	defaults KeyManagementDefaults
}

// NewCAHandler は新しいCAHandlerを生成する。
func NewCAHandler(commands CommandExecutor, finder CertificateAuthorityFinder, defaults KeyManagementDefaults) *CAHandler {
	return &CAHandler{commands: commands, finder: finder, defaults: defaults}
}

// IncomingCertificateResponse は鍵ペアの受領証明書のレスポンス形式。
type IncomingCertificateResponse struct {
	Serial         string `json:"serial"`
	Resources      string `json:"resources"`
	NotBefore      string `json:"not_before"`
	NotAfter       string `json:"not_after"`
	PublicationURI string `json:"publication_uri"`
}

// KeyPairResponse は鍵ペアのレスポンス形式。
type KeyPairResponse struct {
	ID                  int64                        `json:"id"`
	Name                string                       `json:"name"`
	Status              string                       `json:"status"`
	KeyIdentifier       string                       `json:"key_identifier"`
	CreatedAt           string                       `json:"created_at"`
	IncomingCertificate *IncomingCertificateResponse `json:"incoming_certificate,omitempty"`
}

// AuditEventResponse は監査イベントのレスポンス形式。
type AuditEventResponse struct {
	EventType string `json:"event_type"`
	Summary   string `json:"summary"`
}

// AuditResponse は監査記録のレスポンス形式。
type AuditResponse struct {
	Version      int64                `json:"version"`
	CommandGroup string               `json:"command_group"`
	CommandType  string               `json:"command_type"`
	Summary      string               `json:"summary"`
	ExecutedAt   string               `json:"executed_at"`
	Events       []AuditEventResponse `json:"events"`
}

// CertificateAuthorityResponse はCAのレスポンス形式。
type CertificateAuthorityResponse struct {
	ID                        int64             `json:"id"`
	Version                   int64             `json:"version"`
	Type                      string            `json:"type"`
	Name                      string            `json:"name"`
	UUID                      string            `json:"uuid"`
	ParentID                  *int64            `json:"parent_id,omitempty"`
	ManifestAndCrlCheckNeeded bool              `json:"manifest_and_crl_check_needed"`
	CertifiedResources        string            `json:"certified_resources"`
	CreatedAt                 string            `json:"created_at"`
	KeyPairs                  []KeyPairResponse `json:"key_pairs"`
	Audits                    []AuditResponse   `json:"audits"`
}

// CommandResponse はコマンド実行結果のレスポンス形式。
type CommandResponse struct {
	CAID        int64  `json:"ca_id"`
	CommandType string `json:"command_type"`
	HasEffect   bool   `json:"has_effect"`
}

type rollRequest struct {
	MaxAgeDays *int `json:"max_age_days"`
}

type activateRequest struct {
	StagingPeriod string `json:"staging_period"`
}

func parseCAID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "ca_id"), 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// certifiedResources は管理対象CAならCURRENT鍵の受領証明書のリソースを返す。
func certifiedResources(s domain.CertificateAuthorityState) domain.ResourceSet {
	for _, kp := range s.KeyPairs {
		if kp.Status == domain.KeyPairStatusCurrent && kp.Incoming != nil {
			return kp.Incoming.Resources
		}
	}
	return s.CertifiedResources
}

func newCertificateAuthorityResponse(view *usecase.CertificateAuthorityView) CertificateAuthorityResponse {
	s := view.State
	resp := CertificateAuthorityResponse{
		ID:                        s.ID.ID,
		Version:                   s.ID.Version,
		Type:                      string(s.Type),
		Name:                      s.Name,
		UUID:                      s.UUID.String(),
		ParentID:                  s.ParentID,
		ManifestAndCrlCheckNeeded: s.ManifestAndCrlCheckNeeded,
		CertifiedResources:        certifiedResources(s).String(),
		CreatedAt:                 s.CreatedAt.Format(time.RFC3339),
		KeyPairs:                  make([]KeyPairResponse, len(s.KeyPairs)),
		Audits:                    make([]AuditResponse, len(view.Audits)),
	}
	for i, kp := range s.KeyPairs {
		resp.KeyPairs[i] = KeyPairResponse{
			ID:            kp.ID,
			Name:          kp.Name,
			Status:        string(kp.Status),
			KeyIdentifier: domain.KeyIdentifier(kp.PublicKey),
			CreatedAt:     kp.CreatedAt.Format(time.RFC3339),
		}
		if in := kp.Incoming; in != nil {
			resp.KeyPairs[i].IncomingCertificate = &IncomingCertificateResponse{
				Serial:         in.Serial,
				Resources:      in.Resources.String(),
				NotBefore:      in.Validity.NotBefore.Format(time.RFC3339),
				NotAfter:       in.Validity.NotAfter.Format(time.RFC3339),
				PublicationURI: in.PublicationURI,
			}
		}
	}
	for i, a := range view.Audits {
		resp.Audits[i] = AuditResponse{
			Version:      a.CAID.Version,
			CommandGroup: string(a.CommandGroup),
			CommandType:  a.CommandType,
			Summary:      a.Summary,
			ExecutedAt:   a.ExecutedAt.Format(time.RFC3339),
			Events:       make([]AuditEventResponse, len(a.Events)),
		}
		for j, e := range a.Events {
			resp.Audits[i].Events[j] = AuditEventResponse{EventType: e.EventType, Summary: e.Summary}
		}
	}
	return resp
}

// writeError はドメインエラーをHTTPステータスに対応付けて返す。
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCertificateAuthorityNotFound):
		httputil.Error(w, http.StatusNotFound, "CA_NOT_FOUND", "certificate authority not found")
	case errors.Is(err, domain.ErrInvalidCommand):
		httputil.Error(w, http.StatusBadRequest, "INVALID_COMMAND", "invalid command parameters")
	case errors.Is(err, domain.ErrWrongCertificateAuthorityType):
		httputil.Error(w, http.StatusConflict, "WRONG_CA_TYPE", "operation not allowed for this certificate authority type")
	case errors.Is(err, domain.ErrKeyPairStatus), errors.Is(err, domain.ErrNoCurrentKeyPair), errors.Is(err, domain.ErrKeyPairNotFound):
		httputil.Error(w, http.StatusConflict, "KEY_PAIR_STATE", "key pairs are not in the required state")
	case errors.Is(err, domain.ErrResourceNotContained):
		httputil.Error(w, http.StatusUnprocessableEntity, "RESOURCES_NOT_CONTAINED", "resources are not contained in the parent resources")
	case errors.Is(err, domain.ErrResourceLimitExceeded):
		httputil.Error(w, http.StatusUnprocessableEntity, "RESOURCE_LIMIT_EXCEEDED", "issued certificate limit exceeded")
	case domain.IsTransient(err):
		httputil.Error(w, http.StatusServiceUnavailable, "RETRY_EXHAUSTED", "concurrent modification, try again later")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// GetCertificateAuthority はCAと鍵ペア、直近の監査記録を返す。
func (h *CAHandler) GetCertificateAuthority(w http.ResponseWriter, r *http.Request) {
	caID, ok := parseCAID(r)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "INVALID_CA_ID", "invalid certificate authority ID")
		return
	}

	view, err := h.finder.Get(r.Context(), caID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_CA", caID, "FAILED")
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_CA", caID, "SUCCESS")
	httputil.JSON(w, http.StatusOK, newCertificateAuthorityResponse(view))
}

// InitiateRoll は鍵のロールオーバーを開始する。
func (h *CAHandler) InitiateRoll(w http.ResponseWriter, r *http.Request) {
	var req rollRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	maxAgeDays := h.defaults.MaxAgeDays
	if req.MaxAgeDays != nil {
		maxAgeDays = *req.MaxAgeDays
	}

	h.execute(w, r, "INITIATE_ROLL", func(id domain.VersionedID) domain.Command {
		return domain.KeyManagementInitiateRollCommand{
			CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
			MaxAgeDays:                  maxAgeDays,
		}
	})
}

// ActivatePendingKeys はステージング期間を過ぎたPENDING鍵を有効化する。
func (h *CAHandler) ActivatePendingKeys(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	staging := h.defaults.StagingPeriod
	if req.StagingPeriod != "" {
		d, err := time.ParseDuration(req.StagingPeriod)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid staging_period")
			return
		}
		staging = d
	}

	h.execute(w, r, "ACTIVATE_PENDING_KEYS", func(id domain.VersionedID) domain.Command {
		return domain.KeyManagementActivatePendingKeysCommand{
			CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
			MinStagingTime:              staging,
		}
	})
}

// RevokeOldKeys はOLD鍵の失効を親に要求する。
func (h *CAHandler) RevokeOldKeys(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, "REVOKE_OLD_KEYS", func(id domain.VersionedID) domain.Command {
		return domain.KeyManagementRevokeOldKeysCommand{
			CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
		}
	})
}

// UpdateIncomingCertificates は全鍵ペアの受領証明書を親に更新させる。
func (h *CAHandler) UpdateIncomingCertificates(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, "UPDATE_INCOMING_CERTIFICATES", func(id domain.VersionedID) domain.Command {
		return domain.UpdateAllIncomingResourceCertificatesCommand{
			CertificateAuthorityCommand: domain.CertificateAuthorityCommand{CAID: id},
		}
	})
}

// execute は現在のバージョンでコマンドを組み立てて実行する。
func (h *CAHandler) execute(w http.ResponseWriter, r *http.Request, operation string, build func(domain.VersionedID) domain.Command) {
	caID, ok := parseCAID(r)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "INVALID_CA_ID", "invalid certificate authority ID")
		return
	}

	view, err := h.finder.Get(r.Context(), caID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), operation, caID, "FAILED")
		writeError(w, err)
		return
	}

	cmd := build(view.State.ID)
	status, err := h.commands.Execute(r.Context(), cmd)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), operation, caID, "FAILED")
		writeError(w, err)
		return
	}

	result := "SUCCESS"
	if !status.HasEffect {
		result = "NO_EFFECT"
	}
	middleware.WriteAuditLog(r.Context(), operation, caID, result)
	httputil.JSON(w, http.StatusOK, CommandResponse{
		CAID:        caID,
		CommandType: cmd.CommandType(),
		HasEffect:   status.HasEffect,
	})
}
