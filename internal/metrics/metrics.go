// Package metrics はPrometheus形式のメトリクスを提供する。
//
// グローバルなレジストリは使わず、Newごとに独立したレジストリを作る。
// メソッドはnilレシーバーでも安全に呼べる。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coordinator"

// ディスパッチ結果のラベル値。
const (
	OutcomeNotified    = "notified"
	OutcomeDuplicate   = "duplicate"
	OutcomeFailed      = "failed"
	OutcomeEmailed     = "emailed"
	OutcomeEmailFailed = "email_failed"
)

// スキャン結果のラベル値。
const (
	ScanOK      = "ok"
	ScanError   = "error"
	ScanSkipped = "skipped"
)

// Metrics はアプリケーションのメトリクス一式。
type Metrics struct {
	reg *prometheus.Registry

	Registrations *prometheus.CounterVec
	Dispatched    *prometheus.CounterVec
	ScanRuns      *prometheus.CounterVec
	ScanDuration  *prometheus.HistogramVec
	SendDuration  prometheus.Histogram
}

// New は新しいレジストリにメトリクスを登録する。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total number of register/unregister attempts by result.",
		}, []string{"operation", "result"}),
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dispatched_total",
			Help:      "Total number of dispatch outcomes by notification type.",
		}, []string{"type", "outcome"}),
		ScanRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_runs_total",
			Help:      "Total number of reminder scan runs by task and result.",
		}, []string{"task", "result"}),
		ScanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of reminder scan runs.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"task"}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_send_duration_seconds",
			Help:      "Duration of outbound message sends.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler は/metrics用のHTTPハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registration は登録操作の結果を記録する。
func (m *Metrics) Registration(operation, result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(operation, result).Inc()
}

// Dispatch はディスパッチ結果を記録する。
func (m *Metrics) Dispatch(notificationType, outcome string) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(notificationType, outcome).Inc()
}

// Send は外部メッセージ送信にかかった時間を記録する。
func (m *Metrics) Send(d time.Duration) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(d.Seconds())
}

// Scan はスキャンの実行結果を記録する。スキップ時はdurationを記録しない。
func (m *Metrics) Scan(task, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScanRuns.WithLabelValues(task, result).Inc()
	if result != ScanSkipped {
		m.ScanDuration.WithLabelValues(task).Observe(d.Seconds())
	}
}
