package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors_Record(t *testing.T) {
	c := NewCollectors()

	c.PhotoProcessed()
	c.PhotoProcessed()
	c.ObserveRender(200*time.Millisecond, nil)
	c.ObserveRender(time.Second, errors.New("boom"))
	c.ObserveRender(time.Second, errors.New("boom"))
	c.SetStaged(7)
	c.Published("news", 3, 1)
	c.ObserveRequest("/", 200)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"photos processed", c.photosProcessed, 2},
		{"render success", c.renderAttempts.WithLabelValues(OutcomeSuccess), 1},
		{"render failure", c.renderAttempts.WithLabelValues(OutcomeFailure), 2},
		{"staged", c.stagedItems, 7},
		{"published", c.publishedItems.WithLabelValues("news", OutcomeSuccess), 3},
		{"publish failed", c.publishedItems.WithLabelValues("news", OutcomeFailure), 1},
		{"http requests", c.httpRequests.WithLabelValues("/", "200"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.collector); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCollectors_NilIsNoop(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("nil collectors panicked: %v", r)
		}
	}()

	var c *Collectors
	c.PhotoProcessed()
	c.ObserveRender(time.Second, nil)
	c.SetStaged(1)
	c.Published("news", 1, 0)
	c.ObserveRequest("/", 200)
	if c.Registry() != nil {
		t.Error("expected nil registry for nil collectors")
	}
}
