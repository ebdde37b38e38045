package metrics

import (
	"net/http"
	"sync"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wabridge"

// Gauge names recorded by the monitor jobs.
const (
	GaugeSystemCPU     = "system_cpuuse"
	GaugeSystemMem     = "system_memuse"
	GaugeProcessCPU    = "process_cpuuse"
	GaugeProcessRSS    = "process_rss"
	GaugeSessionsTotal = "sessions_total"
	GaugeSessionsUp    = "sessions_connected"
	GaugeSessionsDown  = "sessions_disconnected"
	GaugeSessionsQR    = "sessions_qr_pending"
)

var (
	registry = prometheus.NewRegistry()

	gauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gauge",
		Help:      "Named runtime gauges (system, process and session counts).",
	}, []string{"name"})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by event and final result.",
	}, []string{"event", "result"})

	sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session state transitions by target status.",
	}, []string{"status"})

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_reconnects_total",
		Help:      "Reconnect attempts scheduled by the supervisor.",
	})

	values sync.Map

	echoMiddleware     echo.MiddlewareFunc
	echoMiddlewareOnce sync.Once
)

func init() {
	registry.MustRegister(
		gauges,
		webhookDeliveries,
		sessionTransitions,
		reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Registry() *prometheus.Registry {
	return registry
}

// SetGauge records an integer gauge value under name.
func SetGauge(name string, value int64) {
	values.Store(name, value)
	gauges.WithLabelValues(name).Set(float64(value))
}

// GetGauge returns the last value recorded by SetGauge, or 0.
func GetGauge(name string) int64 {
	if v, ok := values.Load(name); ok {
		return v.(int64)
	}
	return 0
}

func IncWebhookDelivery(event, result string) {
	webhookDeliveries.WithLabelValues(event, result).Inc()
}

func IncSessionTransition(status string) {
	sessionTransitions.WithLabelValues(status).Inc()
}

func IncReconnect() {
	reconnects.Inc()
}

// EchoMiddleware returns the request metrics middleware bound to the
// package registry. It is built once per process.
func EchoMiddleware() echo.MiddlewareFunc {
	echoMiddlewareOnce.Do(func() {
		echoMiddleware = echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Namespace:  namespace,
			Subsystem:  "http",
			Registerer: registry,
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics"
			},
		})
	})
	return echoMiddleware
}

func EchoHandler() echo.HandlerFunc {
	return echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: registry})
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
