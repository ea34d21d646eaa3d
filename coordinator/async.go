package coordinator

import (
	"context"
	"log/slog"
	"net"

	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
)

var _ Strategy = (*Async)(nil)

// Async lets any number of workers pull shards concurrently and merges every
// update into the global state as soon as it arrives.
type Async struct {
	merger fl.Merger
}

func NewAsync(rule fl.UpdateRule) *Async {
	return &Async{merger: fl.NewMerger(rule)}
}

func (a *Async) Mode() fl.Mode {
	return fl.ModeAsync
}

func (a *Async) Run(ctx context.Context, c *Coordinator, ln net.Listener) error {
	queue := shard.NewQueue(c.store.All())
	c.progress.SetTotal(c.store.Len())

	for a.accepting(c, queue) {
		conn, err := c.accept(ctx, ln)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			ln.Close()
			c.closeAll()
			c.wg.Wait()

			return err
		}
		if conn == nil {
			continue
		}

		c.spawn(conn, func(id string) {
			s := &session{
				id:       id,
				conn:     c.wrap(conn),
				queue:    queue,
				state:    c.state,
				merger:   a.merger,
				progress: c.progress,
				metrics:  c.metrics,
				cfg:      c.cfg,
				logger:   c.logger,
			}
			err := s.run(ctx)
			c.metrics.Sessions.With("outcome", outcome(err)).Add(1)

			attrs := []any{
				slog.Group("session", slog.String("id", id), slog.String("remote", s.conn.RemoteAddr())),
				slog.Int("shards_served", s.served),
			}
			if err != nil {
				c.logger.Warn("session aborted", append(attrs, slog.Any("error", err))...)

				return
			}
			c.logger.Info("session finished", attrs...)
		})
	}
	ln.Close()

	if err := c.drain(ctx); err != nil {
		return err
	}

	return ctx.Err()
}

// accepting reports whether more work may still be handed out. With requeue
// enabled a live session can return its shard, so the loop keeps accepting.
func (a *Async) accepting(c *Coordinator, queue *shard.Queue) bool {
	return keepAccepting(c.cfg.RequeueOnFailure, c.active, queue.IsEmpty)
}

// keepAccepting reads the session count before the queue. A session requeues
// before it leaves the session set, so a zero count guarantees the queue read
// that follows sees every returned shard.
func keepAccepting(requeue bool, active func() int, empty func() bool) bool {
	if !requeue {
		return !empty()
	}
	live := active()

	return !empty() || live > 0
}
