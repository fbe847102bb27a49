package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lolepezy/rpki-core/internal/middleware"
)

// NewRouter はルーターを生成する。metrics は /metrics で公開する。
func NewRouter(h *CAHandler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", metrics)

	// ルート定義
	r.Route("/v1/cas/{ca_id}", func(r chi.Router) {
		r.Get("/", h.GetCertificateAuthority)
		r.Post("/keys/roll", h.InitiateRoll)
		r.Post("/keys/activate", h.ActivatePendingKeys)
		r.Post("/keys/revoke-old", h.RevokeOldKeys)
		r.Post("/certificates/update", h.UpdateIncomingCertificates)
	})

	return otelhttp.NewHandler(r, "rpki-core",
		otelhttp.WithFilter(func(req *http.Request) bool { return req.URL.Path != "/metrics" }),
	)
}
