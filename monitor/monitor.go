// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OnlineSessions   prometheus.Gauge
	MessagesReceived prometheus.Counter
	Actions          *prometheus.CounterVec
	ActionLatency    *prometheus.HistogramVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OnlineSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_sessions",
			Help:      "Number of connected WebSocket sessions",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of WebSocket frames received",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_actions_total",
			Help:      "Room actions by outcome class",
		}, []string{"action", "outcome"}),
		ActionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "room_action_latency_seconds",
			Help:      "Room action processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.OnlineSessions,
		m.MessagesReceived,
		m.Actions,
		m.ActionLatency,
	)

	return m
}

type Monitor struct {
	metrics      *Metrics
	namespace    string
	registry     *prometheus.Registry
	startTime    time.Time
	requestCount int64
	mutex        sync.Mutex
}

// NewMonitor registers its metrics on registry, which also backs Handler.
func NewMonitor(namespace string, registry *prometheus.Registry) *Monitor {
	return &Monitor{
		metrics:   NewMetrics(namespace, registry),
		namespace: namespace,
		registry:  registry,
		startTime: time.Now(),
	}
}

// TrackGauge exports fn as a gauge sampled on every scrape.
func (m *Monitor) TrackGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var publishOnce sync.Once

// PublishExpvar 添加expvar指标，进程内只发布一次
func (m *Monitor) PublishExpvar() {
	publishOnce.Do(func() {
		expvar.Publish("uptime", expvar.Func(func() interface{} {
			return time.Since(m.startTime).Seconds()
		}))

		expvar.Publish("requests", expvar.Func(func() interface{} {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			return m.requestCount
		}))
	})
}

func (m *Monitor) IncOnlineSessions() {
	m.metrics.OnlineSessions.Inc()
}

func (m *Monitor) DecOnlineSessions() {
	m.metrics.OnlineSessions.Dec()
}

func (m *Monitor) IncMessagesReceived() {
	m.metrics.MessagesReceived.Inc()
	m.mutex.Lock()
	m.requestCount++
	m.mutex.Unlock()
}

// ObserveAction records one room action and its outcome class.
func (m *Monitor) ObserveAction(action, outcome string, duration time.Duration) {
	m.metrics.Actions.WithLabelValues(action, outcome).Inc()
	m.metrics.ActionLatency.WithLabelValues(action).Observe(duration.Seconds())
	m.mutex.Lock()
	m.requestCount++
	m.mutex.Unlock()
}
