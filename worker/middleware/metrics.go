package middleware

import (
	"context"
	"time"

	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/go-kit/kit/metrics"
)

var _ trainer.Trainer = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	tr      trainer.Trainer
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, tr trainer.Trainer) trainer.Trainer {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		tr:      tr,
	}
}

func (mm *metricsMiddleware) Train(ctx context.Context, params []byte, s shard.Shard, epochs, batchSize int) ([]byte, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "train").Add(1)
		mm.latency.With("method", "train").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.tr.Train(ctx, params, s, epochs, batchSize)
}
