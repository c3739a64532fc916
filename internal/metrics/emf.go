// Package metrics provides the bot's metric sinks.
//
// Prometheus collectors (prom.go) are always registered and served on
// /metrics. The CloudWatch Embedded Metrics Format recorder (this file) is
// opt-in: when enabled, one JSON line per operation is written to stdout,
// where CloudWatch Logs extracts the embedded metrics without API calls.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace used for all EMF documents.
const Namespace = "WatermarkRelay"

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
	UnitNone         = "None"
)

// metricDef holds the name and unit for a single metric.
type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

// emfDirective is the _aws metadata block required by EMF.
type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

// cwMetric defines a CloudWatch metric namespace, dimensions, and metric definitions.
type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// emfEnabled gates Flush. Off by default so tests and local runs stay quiet.
var emfEnabled atomic.Bool

// EnableEMF turns EMF output on or off process-wide.
func EnableEMF(on bool) {
	emfEnabled.Store(on)
}

// Recorder accumulates dimensions, metrics, and properties for a single EMF flush.
// It is NOT safe for concurrent use from multiple goroutines; create one per operation.
type Recorder struct {
	namespace  string
	out        io.Writer
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]interface{}
	properties map[string]interface{}
}

// New creates a Recorder for one operation (e.g. "ingest", "publish").
// The operation becomes the Operation dimension.
func New(operation string) *Recorder {
	return &Recorder{
		namespace:  Namespace,
		out:        os.Stdout,
		dimensions: map[string]string{"Operation": operation},
		metrics:    make(map[string]metricDef),
		values:     make(map[string]interface{}),
		properties: make(map[string]interface{}),
	}
}

// WithWriter redirects the flushed document, mainly for tests.
func (r *Recorder) WithWriter(w io.Writer) *Recorder {
	r.out = w
	return r
}

// Dimension adds a dimension key-value pair.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a named metric value with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count records a count metric.
func (r *Recorder) Count(name string, n int) *Recorder {
	return r.Metric(name, float64(n), UnitCount)
}

// Duration records an elapsed time in milliseconds.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Milliseconds()), UnitMilliseconds)
}

// Property adds a non-metric field to the EMF document.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	r.properties[key] = value
	return r
}

// Flush serializes the EMF document as a single JSON line. It is a no-op
// when EMF is disabled or nothing was recorded.
func (r *Recorder) Flush() {
	if !emfEnabled.Load() || len(r.metrics) == 0 {
		return // Nothing to emit
	}

	// Build the top-level JSON object
	doc := make(map[string]interface{})

	// Build metric definitions list
	metricDefs := make([]metricDef, 0, len(r.metrics))
	for _, m := range r.metrics {
		metricDefs = append(metricDefs, m)
	}

	// Build dimension keys list
	dimKeys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		dimKeys = append(dimKeys, k)
	}

	// _aws directive
	doc["_aws"] = emfDirective{
		Timestamp: time.Now().UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  r.namespace,
			Dimensions: [][]string{dimKeys},
			Metrics:    metricDefs,
		}},
	}

	// Add dimension values as top-level fields
	for k, v := range r.dimensions {
		doc[k] = v
	}

	// Add metric values as top-level fields
	for k, v := range r.values {
		doc[k] = v
	}

	// Add properties as top-level fields
	for k, v := range r.properties {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		// Best-effort: a broken metric line must not fail the operation
		log.Warn().Err(err).Msg("EMF marshal failed")
		return
	}

	// EMF must be a single line on the configured writer
	data = append(data, '\n')
	if _, err := r.out.Write(data); err != nil {
		log.Warn().Err(err).Msg("EMF write failed")
	}
}
