package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries the daemon's Prometheus instruments. Each handler
// increments its own counters; the request vector is driven by middleware.
// The registry is per-instance so tests can build routers side by side.
type Metrics struct {
	registry *prometheus.Registry

	Claims            prometheus.Counter
	Releases          prometheus.Counter
	Publishes         prometheus.Counter
	WebhookDeliveries prometheus.Counter
	ReaperPasses      prometheus.Counter
	OpenLongPolls     prometheus.Gauge
	OpenStreams       prometheus.Gauge
	Requests          *prometheus.CounterVec
}

// NewMetrics builds and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portdaddy_claims_total",
			Help: "Successful port claims, including renewals.",
		}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portdaddy_releases_total",
			Help: "Service release operations.",
		}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portdaddy_publishes_total",
			Help: "Messages published to channels.",
		}),
		WebhookDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portdaddy_webhook_deliveries_total",
			Help: "Webhook delivery attempts initiated through the API.",
		}),
		ReaperPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portdaddy_reaper_passes_total",
			Help: "Maintenance passes, scheduled or forced.",
		}),
		OpenLongPolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portdaddy_open_long_polls",
			Help: "Long-poll requests currently pending.",
		}),
		OpenStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portdaddy_open_streams",
			Help: "SSE and websocket subscribers currently connected.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portdaddy_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}
	reg.MustRegister(
		m.Claims, m.Releases, m.Publishes, m.WebhookDeliveries,
		m.ReaperPasses, m.OpenLongPolls, m.OpenStreams, m.Requests,
	)
	return m
}

// Handler returns the /metrics scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts every completed request by method and status.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.Requests.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
