package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/wire"
)

// session serves one async worker connection until the queue runs dry.
type session struct {
	id       string
	conn     *wire.Conn
	queue    *shard.Queue
	state    *fl.State
	merger   fl.Merger
	progress *Progress
	metrics  Metrics
	cfg      Config
	logger   *slog.Logger

	served int
}

func (s *session) run(ctx context.Context) error {
	if err := s.conn.WriteHandshake(s.cfg.Handshake()); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh, ok := s.queue.TryDequeue()
		if !ok {
			if err := s.conn.SendControl(wire.NoMoreShards); err != nil {
				return fmt.Errorf("failed to signal end of work: %w", err)
			}

			return nil
		}
		if err := s.serve(sh); err != nil {
			if s.cfg.RequeueOnFailure {
				s.queue.Requeue(sh)
			}

			return fmt.Errorf("shard %d: %w", sh.ID, err)
		}
		s.served++
	}
}

func (s *session) serve(sh shard.Shard) error {
	_, params := s.state.Snapshot()
	if err := s.conn.Send(wire.ShardData, params, sh.Features, sh.Labels); err != nil {
		return err
	}

	update, err := s.conn.ReadFrame()
	if err != nil {
		return err
	}
	if len(update) == 0 {
		return fmt.Errorf("%w: worker reported an empty update", pkgerrors.ErrTrainerFailure)
	}

	begin := time.Now()
	version, err := s.state.Apply(func(cur []byte) ([]byte, error) {
		return s.merger.Merge(cur, update)
	})
	s.metrics.MergeLatency.Observe(float64(time.Since(begin).Microseconds()))
	if err != nil {
		if errors.Is(err, fl.ErrDimensionMismatch) || errors.Is(err, fl.ErrInvalidVector) {
			return fmt.Errorf("%w: %w", pkgerrors.ErrProtocol, err)
		}

		return err
	}
	s.progress.Inc()
	s.metrics.Merges.Add(1)

	s.logger.Debug("merged update",
		slog.Group("session", slog.String("id", s.id)),
		slog.Group("shard", slog.Int("id", sh.ID), slog.Int("rows", sh.Rows)),
		slog.Uint64("version", version),
	)

	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, pkgerrors.ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, pkgerrors.ErrProtocol):
		return "protocol_error"
	case errors.Is(err, pkgerrors.ErrTrainerFailure):
		return "trainer_failure"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
