// Package metrics builds the go-kit gauges and labelled counters that the
// request metrics of supermq/pkg/prometheus do not cover.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MakeGauge returns an unlabelled gauge.
func MakeGauge(namespace, subsystem, name, help string) metrics.Gauge {
	return kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, []string{})
}

// MakeCounter returns a counter labelled by the given label names.
func MakeCounter(namespace, subsystem, name, help string, labels ...string) metrics.Counter {
	return kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}
