package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/trainer"
)

var _ trainer.Trainer = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	tr     trainer.Trainer
}

func Logging(logger *slog.Logger, tr trainer.Trainer) trainer.Trainer {
	return &loggingMiddleware{
		logger: logger,
		tr:     tr,
	}
}

func (lm *loggingMiddleware) Train(ctx context.Context, params []byte, s shard.Shard, epochs, batchSize int) (update []byte, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("shard",
				slog.Int("seq", s.ID),
				slog.Int("features_bytes", len(s.Features)),
				slog.Int("labels_bytes", len(s.Labels)),
			),
			slog.Int("epochs", epochs),
			slog.Int("batch_size", batchSize),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Train shard failed", args...)

			return
		}
		lm.logger.Info("Train shard completed successfully", append(args, slog.Int("update_bytes", len(update)))...)
	}(time.Now())

	return lm.tr.Train(ctx, params, s, epochs, batchSize)
}
