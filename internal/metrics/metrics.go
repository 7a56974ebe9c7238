// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・クライアントコア・ミドルウェアから利用する。
type MetricsCollector interface {
	RecordSignIn(method string, result string)
	RecordStrategyAttempt(strategy string, result string)
	RecordProfileLoad(source string)
	RecordEventPublished(eventType string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIns          *prometheus.CounterVec
	strategyAttempts *prometheus.CounterVec
	profileLoads     *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	requestLatency   prometheus.Histogram
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satez_sign_in_total",
			Help: "サインイン方式・結果別のサインイン数",
		}, []string{"method", "result"}),
		strategyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satez_sign_in_strategy_attempts_total",
			Help: "フェデレーテッドサインイン戦略ごとの試行数",
		}, []string{"strategy", "result"}),
		profileLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satez_profile_loads_total",
			Help: "取得元別のプロフィール読み込み数",
		}, []string{"source"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satez_auth_events_published_total",
			Help: "種別ごとの認証イベント配信数",
		}, []string{"event_type"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satez_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "satez_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.signIns,
		c.strategyAttempts,
		c.profileLoads,
		c.eventsPublished,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordSignIn はサインイン結果を記録する。
func (c *Collector) RecordSignIn(method string, result string) {
	c.signIns.WithLabelValues(method, result).Inc()
}

// RecordStrategyAttempt はサインイン戦略1回分の結果を記録する。
func (c *Collector) RecordStrategyAttempt(strategy string, result string) {
	c.strategyAttempts.WithLabelValues(strategy, result).Inc()
}

// RecordProfileLoad はプロフィール読み込みを記録する。sourceはstore/fallback/error。
func (c *Collector) RecordProfileLoad(source string) {
	c.profileLoads.WithLabelValues(source).Inc()
}

// RecordEventPublished は認証イベントの配信を記録する。
func (c *Collector) RecordEventPublished(eventType string) {
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
