package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lolepezy/rpki-core/internal/domain"
)

// Metrics はコマンド実行とドメインイベントのPrometheusメトリクス。
type Metrics struct {
	registry *prometheus.Registry

	commandDuration    *prometheus.HistogramVec
	transactionRetries *prometheus.CounterVec
	domainEvents       *prometheus.CounterVec
	deletedCAs         prometheus.Counter
}

// NewMetrics は専用のレジストリにメトリクスを登録する。
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpkicore_command_execution_duration_seconds",
			Help:    "Duration of a single command execution attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		transactionRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpkicore_command_transaction_retries_total",
			Help: "Total number of command transactions retried after a persistence conflict",
		}, []string{"command"}),
		domainEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpkicore_domain_events_total",
			Help: "Total number of domain events published by commands",
		}, []string{"event"}),
		deletedCAs: factory.NewCounter(prometheus.CounterOpts{
			Name: "rpkicore_deleted_ca_without_key_pairs_total",
			Help: "Total number of hosted certificate authorities deleted because they had no key pairs",
		}),
	}
}

// ObserveCommandDuration は1回の実行時間を記録する。
func (m *Metrics) ObserveCommandDuration(commandType string, d time.Duration) {
	m.commandDuration.WithLabelValues(commandType).Observe(d.Seconds())
}

// IncTransactionRetries はリトライ回数を加算する。
func (m *Metrics) IncTransactionRetries(commandType string) {
	m.transactionRetries.WithLabelValues(commandType).Inc()
}

// IncDeletedCertificateAuthorities は削除したCAの数を加算する。
func (m *Metrics) IncDeletedCertificateAuthorities(n int) {
	m.deletedCAs.Add(float64(n))
}

func (m *Metrics) VisitIncomingCertificateUpdated(e domain.IncomingCertificateUpdatedEvent, _ *domain.CommandContext) {
	m.domainEvents.WithLabelValues(e.EventType()).Inc()
}

func (m *Metrics) VisitKeyPairActivated(e domain.KeyPairActivatedEvent, _ *domain.CommandContext) {
	m.domainEvents.WithLabelValues(e.EventType()).Inc()
}

func (m *Metrics) VisitIncomingCertificateRevoked(e domain.IncomingCertificateRevokedEvent, _ *domain.CommandContext) {
	m.domainEvents.WithLabelValues(e.EventType()).Inc()
}

// Handler は /metrics 用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry はテストや追加のコレクタ登録のためにレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
