// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconcileの結果ラベル
const (
	OutcomeOK             = "ok"
	OutcomeBusy           = "busy"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeRolledBack     = "rolled_back"
	OutcomeStale          = "stale"
)

// MetricsCollector はメトリクス収集のインターフェース。
// APIクライアント、セッションマネージャー、Reconcilerから利用する。
type MetricsCollector interface {
	RecordAPIRequest(endpoint string, statusCode int, duration time.Duration)
	RecordSessionTransition(status string)
	RecordReconcileOutcome(class, outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiRequests        *prometheus.CounterVec
	apiLatency         *prometheus.HistogramVec
	sessionTransitions *prometheus.CounterVec
	reconcileOutcomes  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medlink_api_requests_total",
			Help: "MedLink APIへのリクエスト数（エンドポイント・ステータス別）",
		}, []string{"endpoint", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medlink_api_latency_seconds",
			Help:    "MedLink APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medlink_session_transitions_total",
			Help: "セッション状態遷移の合計数（遷移先ステータス別）",
		}, []string{"status"}),
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medlink_reconcile_outcomes_total",
			Help: "変更操作の結果数（アクション分類・結果別）",
		}, []string{"class", "outcome"}),
	}

	reg.MustRegister(
		c.apiRequests,
		c.apiLatency,
		c.sessionTransitions,
		c.reconcileOutcomes,
	)

	return c
}

// RecordAPIRequest はAPIリクエストの結果とレイテンシを記録する。
// statusCodeが0の場合は応答なし（トランスポートエラー）として "error" ラベルで記録する。
func (c *Collector) RecordAPIRequest(endpoint string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	c.apiRequests.WithLabelValues(endpoint, status).Inc()
	c.apiLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordSessionTransition はセッション状態遷移を記録する。
func (c *Collector) RecordSessionTransition(status string) {
	c.sessionTransitions.WithLabelValues(status).Inc()
}

// RecordReconcileOutcome は変更操作の結果を記録する。
func (c *Collector) RecordReconcileOutcome(class, outcome string) {
	c.reconcileOutcomes.WithLabelValues(class, outcome).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時のデフォルトとして使う。
type Nop struct{}

func (Nop) RecordAPIRequest(string, int, time.Duration) {}
func (Nop) RecordSessionTransition(string)              {}
func (Nop) RecordReconcileOutcome(string, string)       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
