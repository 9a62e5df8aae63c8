package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every eventmax collector. It is separate from the global
// default registry so tests can build servers repeatedly.
var Registry = prometheus.NewRegistry()

var (
	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventmax",
		Name:      "upstream_requests_total",
		Help:      "Outbound API requests by upstream and HTTP status (0 for transport errors)",
	}, []string{"upstream", "status"})

	itemsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventmax",
		Name:      "items_dropped_total",
		Help:      "Provider items dropped during normalization, by reason",
	}, []string{"provider", "reason"})

	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventmax",
		Name:      "provider_fetch_duration_seconds",
		Help:      "Wall time of a full provider fetch including all pages",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	fetchEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "eventmax",
		Name:      "provider_last_event_count",
		Help:      "Number of events returned by the last fetch of each provider",
	}, []string{"provider"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventmax",
		Name:      "cache_lookups_total",
		Help:      "Aggregate result cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	aggregateDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "eventmax",
		Name:      "aggregate_duration_seconds",
		Help:      "Time spent producing an aggregate result",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		upstreamRequests, itemsDropped, fetchDuration, fetchEvents,
		cacheLookups, aggregateDuration,
	)
}

// Handler serves the eventmax registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// UpstreamRequest counts one outbound request. status 0 means the request
// never produced a response.
func UpstreamRequest(upstream string, status int) {
	upstreamRequests.WithLabelValues(upstream, strconv.Itoa(status)).Inc()
}

func ItemDropped(provider, reason string) {
	itemsDropped.WithLabelValues(provider, reason).Inc()
}

// ProviderFetch records a completed provider fetch.
func ProviderFetch(provider, outcome string, took time.Duration, events int) {
	fetchDuration.WithLabelValues(provider, outcome).Observe(took.Seconds())
	fetchEvents.WithLabelValues(provider).Set(float64(events))
}

func CacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func Aggregate(took time.Duration) {
	aggregateDuration.Observe(took.Seconds())
}
