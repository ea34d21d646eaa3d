package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/wire"
	"github.com/google/uuid"
)

var _ Strategy = (*Rounds)(nil)

// Rounds runs synchronous federated averaging: every round trains each shard
// once against the same starting parameters and installs their aggregate.
type Rounds struct {
	aggregator fl.Aggregator
}

func NewRounds(agg fl.Aggregator) *Rounds {
	return &Rounds{aggregator: agg}
}

func (r *Rounds) Mode() fl.Mode {
	return fl.ModeRounds
}

func (r *Rounds) Run(ctx context.Context, c *Coordinator, ln net.Listener) error {
	shards := c.store.All()
	c.progress.SetTotal(len(shards) * c.cfg.GlobalEpochs)
	if len(shards) == 0 {
		return nil
	}
	runID := uuid.NewString()[:8]

	for round := 1; round <= c.cfg.GlobalEpochs; round++ {
		rs, err := r.round(ctx, c, ln, shards, fmt.Sprintf("%s-%04d", runID, round), round)
		if err != nil {
			return err
		}

		if c.storage != nil {
			if err := c.storage.SaveRound(rs.RoundID, rs); err != nil {
				c.logger.Warn("failed to save round", slog.String("round_id", rs.RoundID), slog.Any("error", err))
			}
		}
		if err := c.notifier.Notify(ctx, EventRound, rs); err != nil {
			c.logger.Warn("failed to publish round", slog.String("round_id", rs.RoundID), slog.Any("error", err))
		}
		c.logger.Info("round completed",
			slog.String("round_id", rs.RoundID),
			slog.Int("round", round),
			slog.Int("updates", len(rs.Updates)),
			slog.Uint64("version", rs.EndVersion),
			slog.Duration("duration", rs.EndTime.Sub(rs.StartTime)),
		)
	}

	return nil
}

func (r *Rounds) round(ctx context.Context, c *Coordinator, ln net.Listener, shards []shard.Shard, roundID string, round int) (*fl.RoundState, error) {
	startVersion, params := c.state.Snapshot()
	rs := &fl.RoundState{
		RoundID:      roundID,
		Round:        round,
		KOfN:         len(shards),
		StartVersion: startVersion,
		StartTime:    time.Now().UTC(),
		Updates:      make([]fl.Update, 0, len(shards)),
	}

	for i := 0; i < len(shards); {
		conn, err := c.accept(ctx, ln)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			continue
		}

		id := uuid.NewString()
		update, err := r.exchange(c, conn, params, shards[i])
		conn.Close()
		c.metrics.Sessions.With("outcome", outcome(err)).Add(1)
		if err != nil {
			c.logger.Warn("round connection failed, offering shard again",
				slog.String("round_id", roundID),
				slog.Group("session", slog.String("id", id), slog.String("remote", conn.RemoteAddr().String())),
				slog.Int("shard", shards[i].ID),
				slog.Any("error", err),
			)

			continue
		}

		rs.Updates = append(rs.Updates, fl.Update{
			RoundID:    roundID,
			SessionID:  id,
			ShardID:    shards[i].ID,
			NumSamples: shards[i].Rows,
			Params:     update,
			ReceivedAt: time.Now().UTC(),
		})
		c.progress.Inc()
		i++
	}

	blob, err := r.aggregator.Aggregate(rs.Updates)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate round %d: %w", round, err)
	}
	rs.EndVersion = c.state.Replace(blob)
	rs.EndTime = time.Now().UTC()
	rs.Completed = true
	c.metrics.Merges.Add(1)

	return rs, nil
}

// exchange serves one shard on a fresh connection and returns the update,
// checked to be a vector of the same length as params.
func (r *Rounds) exchange(c *Coordinator, conn net.Conn, params []byte, sh shard.Shard) ([]byte, error) {
	wc := c.wrap(conn)
	if err := wc.WriteHandshake(c.cfg.Handshake()); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := wc.Send(wire.ShardData, params, sh.Features, sh.Labels); err != nil {
		return nil, err
	}
	update, err := wc.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: worker reported an empty update", pkgerrors.ErrTrainerFailure)
	}
	if len(update) != len(params) {
		return nil, fmt.Errorf("%w: update of %d bytes for %d parameter bytes", pkgerrors.ErrProtocol, len(update), len(params))
	}

	return update, nil
}
