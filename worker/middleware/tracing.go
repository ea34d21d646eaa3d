package middleware

import (
	"context"

	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/trainer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ trainer.Trainer = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	tr     trainer.Trainer
}

func Tracing(tracer trace.Tracer, tr trainer.Trainer) trainer.Trainer {
	return &tracing{tracer, tr}
}

func (tm *tracing) Train(ctx context.Context, params []byte, s shard.Shard, epochs, batchSize int) ([]byte, error) {
	ctx, span := tm.tracer.Start(ctx, "train-shard", trace.WithAttributes(
		attribute.Int("shard.seq", s.ID),
		attribute.Int("params.bytes", len(params)),
		attribute.Int("epochs", epochs),
		attribute.Int("batch_size", batchSize),
	))
	defer span.End()

	update, err := tm.tr.Train(ctx, params, s, epochs, batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return update, err
}
