// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 決済開始の結果ラベル
const (
	OutcomeSuccess         = "success"
	OutcomeRejected        = "rejected"
	OutcomeProfileNotFound = "profile_not_found"
	OutcomeStoreError      = "store_error"
	OutcomeProviderFailed  = "provider_failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 決済サービスとHTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordPaymentInitiation(outcome string)
	RecordProviderLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	initiations     *prometheus.CounterVec
	providerLatency prometheus.Histogram
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		initiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resortpay_payment_initiations_total",
			Help: "結果別の決済開始リクエスト数",
		}, []string{"outcome"}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resortpay_provider_latency_seconds",
			Help:    "決済プロバイダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resortpay_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.initiations,
		c.providerLatency,
		c.httpStatus,
	)

	return c
}

// RecordPaymentInitiation は決済開始の結果を記録する。
func (c *Collector) RecordPaymentInitiation(outcome string) {
	c.initiations.WithLabelValues(outcome).Inc()
}

// RecordProviderLatency は決済プロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(duration time.Duration) {
	c.providerLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。
// メトリクスを使わない構成やテストで使う。
type NopCollector struct{}

func (NopCollector) RecordPaymentInitiation(string)      {}
func (NopCollector) RecordProviderLatency(time.Duration) {}
func (NopCollector) RecordHTTPStatus(int)                {}
