// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 抽選サービス、参加確認、Telegram更新処理から利用する。
type MetricsCollector interface {
	RecordRaffleCreated()
	RecordEnrollment(outcome string)
	RecordDraw(result string)
	ObserveEligibilityCheck(result string, elapsed time.Duration)
	RecordHookFailure(hook string)
	RecordTelegramUpdate(kind string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	rafflesCreated    prometheus.Counter
	enrollments       *prometheus.CounterVec
	draws             *prometheus.CounterVec
	eligibilityChecks *prometheus.CounterVec
	eligibilityTime   prometheus.Histogram
	hookFailures      *prometheus.CounterVec
	telegramUpdates   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rafflesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rafflebot_raffles_created_total",
			Help: "作成された抽選の合計数",
		}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rafflebot_enrollments_total",
			Help: "結果別の参加登録数",
		}, []string{"outcome"}),
		draws: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rafflebot_draws_total",
			Help: "結果別の抽選実行数",
		}, []string{"result"}),
		eligibilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rafflebot_eligibility_checks_total",
			Help: "結果別のチャンネル参加確認数",
		}, []string{"result"}),
		eligibilityTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rafflebot_eligibility_check_seconds",
			Help:    "チャンネル参加確認のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rafflebot_hook_failures_total",
			Help: "抽選確定後フックの失敗数",
		}, []string{"hook"}),
		telegramUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rafflebot_telegram_updates_total",
			Help: "種類別のTelegram更新受信数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.rafflesCreated,
		c.enrollments,
		c.draws,
		c.eligibilityChecks,
		c.eligibilityTime,
		c.hookFailures,
		c.telegramUpdates,
	)

	return c
}

// RecordRaffleCreated は抽選の作成を記録する。
func (c *Collector) RecordRaffleCreated() {
	c.rafflesCreated.Inc()
}

// RecordEnrollment は参加登録の結果を記録する。
func (c *Collector) RecordEnrollment(outcome string) {
	c.enrollments.WithLabelValues(outcome).Inc()
}

// RecordDraw は抽選実行の結果を記録する。
func (c *Collector) RecordDraw(result string) {
	c.draws.WithLabelValues(result).Inc()
}

// ObserveEligibilityCheck はチャンネル参加確認の結果とレイテンシを記録する。
func (c *Collector) ObserveEligibilityCheck(result string, elapsed time.Duration) {
	c.eligibilityChecks.WithLabelValues(result).Inc()
	c.eligibilityTime.Observe(elapsed.Seconds())
}

// RecordHookFailure はフックの失敗を記録する。
func (c *Collector) RecordHookFailure(hook string) {
	c.hookFailures.WithLabelValues(hook).Inc()
}

// RecordTelegramUpdate はTelegram更新の受信を記録する。
func (c *Collector) RecordTelegramUpdate(kind string) {
	c.telegramUpdates.WithLabelValues(kind).Inc()
}

var _ MetricsCollector = (*Collector)(nil)

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordRaffleCreated()                           {}
func (NopCollector) RecordEnrollment(string)                        {}
func (NopCollector) RecordDraw(string)                              {}
func (NopCollector) ObserveEligibilityCheck(string, time.Duration) {}
func (NopCollector) RecordHookFailure(string)                       {}
func (NopCollector) RecordTelegramUpdate(string)                    {}

var _ MetricsCollector = NopCollector{}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

