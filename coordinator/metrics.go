package coordinator

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Metrics instruments sessions and merges. Sessions is labelled with "outcome".
type Metrics struct {
	Sessions     metrics.Counter
	Merges       metrics.Counter
	MergeLatency metrics.Histogram
	Progress     metrics.Gauge
}

func NopMetrics() Metrics {
	return Metrics{
		Sessions:     discard.NewCounter(),
		Merges:       discard.NewCounter(),
		MergeLatency: discard.NewHistogram(),
		Progress:     discard.NewGauge(),
	}
}
