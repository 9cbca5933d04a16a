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
// ハンドラー、ミドルウェア、ワーカー、クライアントから利用する。
type MetricsCollector interface {
	RecordLinkRequestCreated()
	RecordLinkRequestResolved(status string)
	RecordBindingSync(result string)
	RecordHTTPStatus(statusCode int)
	RecordStorageRecovered(key string)
	RecordRemoteCallLatency(operation string, duration time.Duration)
	RecordLinkRequestsPruned(count int64)
}

// 紐付け同期の結果ラベル
const (
	SyncResultBound   = "bound"
	SyncResultNone    = "none"
	SyncResultFailure = "error"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	created          prometheus.Counter
	resolved         *prometheus.CounterVec
	bindingsSynced   *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	storageRecovered prometheus.Counter
	remoteLatency    *prometheus.HistogramVec
	pruned           prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicediary_link_requests_created_total",
			Help: "作成された紐付けリクエストの合計数",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicediary_link_requests_resolved_total",
			Help: "承認・拒否された紐付けリクエストの合計数",
		}, []string{"status"}),
		bindingsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicediary_bindings_synced_total",
			Help: "紐付け情報の同期結果別の回数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicediary_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		storageRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicediary_storage_recovered_total",
			Help: "破損したローカルデータを空として復旧した回数",
		}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicediary_remote_call_latency_seconds",
			Help:    "紐付けAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicediary_link_requests_pruned_total",
			Help: "保持期間を超えて削除された解決済みリクエストの合計数",
		}),
	}

	reg.MustRegister(
		c.created,
		c.resolved,
		c.bindingsSynced,
		c.httpStatus,
		c.storageRecovered,
		c.remoteLatency,
		c.pruned,
	)

	return c
}

// RecordLinkRequestCreated は紐付けリクエストの作成を記録する。
func (c *Collector) RecordLinkRequestCreated() {
	c.created.Inc()
}

// RecordLinkRequestResolved は承認・拒否を記録する。
func (c *Collector) RecordLinkRequestResolved(status string) {
	c.resolved.WithLabelValues(status).Inc()
}

// RecordBindingSync は紐付け情報の同期結果を記録する。
func (c *Collector) RecordBindingSync(result string) {
	c.bindingsSynced.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordStorageRecovered は破損データの復旧を記録する。
// キーは利用者ごとに異なるためラベルには含めない。
func (c *Collector) RecordStorageRecovered(key string) {
	c.storageRecovered.Inc()
}

// RecordRemoteCallLatency はリモート呼び出しのレイテンシを記録する。
func (c *Collector) RecordRemoteCallLatency(operation string, duration time.Duration) {
	c.remoteLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLinkRequestsPruned はクリーンアップで削除された件数を記録する。
func (c *Collector) RecordLinkRequestsPruned(count int64) {
	c.pruned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerモードで単独のメトリクスサーバーとして使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
