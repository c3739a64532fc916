package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Render outcomes used as the "outcome" label.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collectors holds the Prometheus metrics exported on /metrics.
// A nil *Collectors is valid and records nothing, so components can be
// constructed in tests without a registry.
type Collectors struct {
	registry *prometheus.Registry

	photosProcessed prometheus.Counter
	renderAttempts  *prometheus.CounterVec
	renderDuration  prometheus.Histogram
	stagedItems     prometheus.Gauge
	publishedItems  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// NewCollectors creates a dedicated registry with the bot metrics plus the
// Go runtime and process collectors.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		photosProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "watermark",
			Name:      "photos_processed_total",
			Help:      "Photos successfully watermarked.",
		}),
		renderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watermark",
			Name:      "render_attempts_total",
			Help:      "Calls to the watermark renderer by outcome.",
		}, []string{"outcome"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "watermark",
			Name:      "render_duration_seconds",
			Help:      "Latency of watermark renderer calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		stagedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "watermark",
			Name:      "staged_items",
			Help:      "Items waiting in the staging queue.",
		}),
		publishedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watermark",
			Name:      "published_items_total",
			Help:      "Items delivered to channels by outcome.",
		}, []string{"channel", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "watermark",
			Name:      "http_requests_total",
			Help:      "Requests served by the health server by route and status code.",
		}, []string{"route", "code"}),
	}

	c.registry.MustRegister(
		c.photosProcessed,
		c.renderAttempts,
		c.renderDuration,
		c.stagedItems,
		c.publishedItems,
		c.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry for the HTTP handler.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// PhotoProcessed counts one successfully watermarked photo.
func (c *Collectors) PhotoProcessed() {
	if c == nil {
		return
	}
	c.photosProcessed.Inc()
}

// ObserveRender records one renderer call.
func (c *Collectors) ObserveRender(d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	c.renderAttempts.WithLabelValues(outcome).Inc()
	c.renderDuration.Observe(d.Seconds())
}

// SetStaged reports the current staging queue length.
func (c *Collectors) SetStaged(n int) {
	if c == nil {
		return
	}
	c.stagedItems.Set(float64(n))
}

// Published counts items delivered (or failed) to a channel.
func (c *Collectors) Published(channel string, delivered, failed int) {
	if c == nil {
		return
	}
	if delivered > 0 {
		c.publishedItems.WithLabelValues(channel, OutcomeSuccess).Add(float64(delivered))
	}
	if failed > 0 {
		c.publishedItems.WithLabelValues(channel, OutcomeFailure).Add(float64(failed))
	}
}

// ObserveRequest counts one HTTP request. route must be low-cardinality.
func (c *Collectors) ObserveRequest(route string, code int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
