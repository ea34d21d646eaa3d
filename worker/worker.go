// Package worker connects to a coordinator, trains the shards it is handed and
// returns the resulting updates.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/absmach/paramserver/pkg/wire"
)

const (
	DefaultDialBackoff = time.Second
	DefaultDialTimeout = 5 * time.Second
)

type Config struct {
	Name            string
	CoordinatorAddr string
	Mode            fl.Mode
	GlobalEpochs    int
	// DialRetries bounds reconnect attempts per dial. Negative retries until
	// the context is cancelled.
	DialRetries  int
	DialBackoff  time.Duration
	DialTimeout  time.Duration
	MaxFrameSize int
}

// ErrTrainerMode reports a trainer whose update cannot be merged in the
// requested mode.
var ErrTrainerMode = errors.New("trainer does not fit the training mode")

// NewFactory picks the trainer for mode. An empty name selects the trainer whose
// update the mode merges: gradients for async, parameters for rounds.
func NewFactory(mode fl.Mode, name string) (trainer.Factory, error) {
	switch name {
	case "":
		if mode == fl.ModeRounds {
			return trainer.NewSoftmaxTrainer, nil
		}

		return trainer.NewGradientTrainer, nil
	case fl.RuleGradientStep:
		// Rounds average full parameter vectors.
		if mode == fl.ModeRounds {
			return nil, fmt.Errorf("%w: %s returns gradients, %s averages parameters", ErrTrainerMode, name, mode)
		}

		return trainer.NewGradientTrainer, nil
	case "softmax", fl.RuleFederatedDiff:
		return trainer.NewSoftmaxTrainer, nil
	default:
		return nil, fmt.Errorf("%w: unknown trainer %q", ErrTrainerMode, name)
	}
}

// Middleware decorates the trainer built for each handshake.
type Middleware func(trainer.Trainer) trainer.Trainer

type Client struct {
	cfg        Config
	factory    trainer.Factory
	middleware []Middleware
	logger     *slog.Logger
	served     atomic.Int64
}

func New(cfg Config, factory trainer.Factory, logger *slog.Logger, mw ...Middleware) *Client {
	if cfg.Mode == "" {
		cfg.Mode = fl.ModeAsync
	}
	if cfg.GlobalEpochs <= 0 {
		cfg.GlobalEpochs = 1
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = DefaultDialBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}

	return &Client{
		cfg:        cfg,
		factory:    factory,
		middleware: mw,
		logger:     logger,
	}
}

// Served is the number of shards trained and returned so far.
func (c *Client) Served() int {
	return int(c.served.Load())
}

func (c *Client) Run(ctx context.Context) error {
	switch c.cfg.Mode {
	case fl.ModeRounds:
		return c.Rounds(ctx)
	default:
		return c.Continuous(ctx)
	}
}

// Continuous keeps one connection open and trains shards until the
// coordinator sends NO_MORE_SHARDS.
func (c *Client) Continuous(ctx context.Context) error {
	wc, stop, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer stop()

	h, tr, err := c.handshake(wc)
	if err != nil {
		return c.ctxErr(ctx, err)
	}

	for seq := 0; ; seq++ {
		ctl, err := wc.ReadControl()
		if err != nil {
			return c.ctxErr(ctx, err)
		}
		if ctl == wire.NoMoreShards {
			c.logger.Info("no more shards", slog.String("worker", c.cfg.Name), slog.Int("served", c.Served()))

			return nil
		}
		if err := c.trainOne(ctx, wc, tr, h, seq); err != nil {
			return c.ctxErr(ctx, err)
		}
	}
}

// Rounds dials once per global epoch and trains the single shard it receives.
func (c *Client) Rounds(ctx context.Context) error {
	for round := 0; round < c.cfg.GlobalEpochs; round++ {
		done, err := c.round(ctx, round)
		if err != nil {
			return fmt.Errorf("round %d: %w", round+1, err)
		}
		if done {
			return nil
		}
	}

	return nil
}

func (c *Client) round(ctx context.Context, round int) (bool, error) {
	wc, stop, err := c.connect(ctx)
	if err != nil {
		return false, err
	}
	defer stop()

	h, tr, err := c.handshake(wc)
	if err != nil {
		return false, c.ctxErr(ctx, err)
	}
	ctl, err := wc.ReadControl()
	if err != nil {
		return false, c.ctxErr(ctx, err)
	}
	if ctl == wire.NoMoreShards {
		return true, nil
	}

	return false, c.ctxErr(ctx, c.trainOne(ctx, wc, tr, h, round))
}

func (c *Client) handshake(wc *wire.Conn) (wire.Handshake, trainer.Trainer, error) {
	h, err := wc.ReadHandshake()
	if err != nil {
		return wire.Handshake{}, nil, fmt.Errorf("handshake: %w", err)
	}
	tr, err := c.factory(h.Config)
	if err != nil {
		return wire.Handshake{}, nil, fmt.Errorf("failed to build trainer: %w", err)
	}
	for _, mw := range c.middleware {
		tr = mw(tr)
	}

	return h, tr, nil
}

// trainOne reads the three shard frames, trains and replies. A failed or
// empty result is reported to the coordinator as a zero-length frame.
func (c *Client) trainOne(ctx context.Context, wc *wire.Conn, tr trainer.Trainer, h wire.Handshake, seq int) error {
	var frames [3][]byte
	for i := range frames {
		f, err := wc.ReadFrame()
		if err != nil {
			return err
		}
		frames[i] = f
	}
	sh := shard.Shard{ID: seq, Features: frames[1], Labels: frames[2]}

	update, err := tr.Train(ctx, frames[0], sh, h.LocalEpochs, h.BatchSize)
	if err == nil && len(update) == 0 {
		err = errors.New("trainer returned an empty update")
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if serr := wc.SendFrame(nil); serr != nil {
			err = errors.Join(err, serr)
		}

		return fmt.Errorf("%w: %w", pkgerrors.ErrTrainerFailure, err)
	}
	if err := wc.SendFrame(update); err != nil {
		return err
	}
	c.served.Add(1)

	return nil
}

// connect dials the coordinator and ties the connection to ctx.
func (c *Client) connect(ctx context.Context) (*wire.Conn, func(), error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	stopClose := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	stop := func() {
		stopClose()
		conn.Close()
	}

	return wire.NewConn(conn, wire.WithMaxFrameSize(c.cfg.MaxFrameSize)), stop, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", c.cfg.CoordinatorAddr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.cfg.DialRetries >= 0 && attempt > c.cfg.DialRetries {
			return nil, fmt.Errorf("failed to dial %s after %d attempts: %w", c.cfg.CoordinatorAddr, attempt, err)
		}
		c.logger.Warn("coordinator unreachable, retrying",
			slog.String("worker", c.cfg.Name),
			slog.String("address", c.cfg.CoordinatorAddr),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.DialBackoff):
		}
	}
}

// ctxErr prefers the cancellation cause over the I/O error it produced.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	return err
}
