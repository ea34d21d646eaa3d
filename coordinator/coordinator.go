// Package coordinator hands dataset shards to workers over TCP and merges
// their updates into the global parameter state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/wire"
	"github.com/google/uuid"
)

// Strategy drives one training run over an open listener.
type Strategy interface {
	Mode() fl.Mode
	Run(ctx context.Context, c *Coordinator, ln net.Listener) error
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

func WithStorage(s fl.Storage) Option {
	return func(c *Coordinator) {
		c.storage = s
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// StateInfo summarises the global parameters without exposing them.
type StateInfo struct {
	Version uint64  `json:"version"`
	Size    int     `json:"size"`
	Mode    fl.Mode `json:"mode"`
}

type Coordinator struct {
	cfg      Config
	state    *fl.State
	store    *shard.Store
	strategy Strategy
	progress *Progress
	notifier Notifier
	storage  fl.Storage
	metrics  Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]net.Conn
	wg    sync.WaitGroup
}

func New(cfg Config, state *fl.State, store *shard.Store, strategy Strategy, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkFrames(cfg.MaxFrameSize, state, store); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		state:    state,
		store:    store,
		strategy: strategy,
		progress: &Progress{},
		notifier: nopNotifier{},
		metrics:  NopMetrics(),
		logger:   logger,
		conns:    make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// checkFrames rejects a parameter vector or shard blob that cannot travel as a
// single frame. Workers enforce the same limit on what they read.
func checkFrames(limit int, state *fl.State, store *shard.Store) error {
	if _, params := state.Snapshot(); len(params) > limit {
		return fmt.Errorf("%w: parameters are %d bytes, frame limit is %d", pkgerrors.ErrInvalidData, len(params), limit)
	}
	for _, s := range store.All() {
		if n := max(len(s.Features), len(s.Labels)); n > limit {
			return fmt.Errorf("%w: shard %d has a %d byte blob, frame limit is %d", pkgerrors.ErrInvalidData, s.ID, n, limit)
		}
	}

	return nil
}

// NewStrategy builds the strategy matching cfg.Mode.
func NewStrategy(cfg Config) (Strategy, error) {
	cfg = cfg.withDefaults()
	switch cfg.Mode {
	case fl.ModeAsync:
		rule, err := fl.NewUpdateRule(cfg.Rule, cfg.LearningRate)
		if err != nil {
			return nil, err
		}

		return NewAsync(rule), nil
	case fl.ModeRounds:
		agg, err := fl.NewAggregator(cfg.Aggregator)
		if err != nil {
			return nil, err
		}

		return NewRounds(agg), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// ListenAndServe binds addr and runs the strategy until training completes.
func (c *Coordinator) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return c.Serve(ctx, ln)
}

// Serve runs the strategy on ln. The listener is closed when Serve returns.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	c.logger.Info("coordinator started",
		slog.String("address", ln.Addr().String()),
		slog.String("mode", string(c.strategy.Mode())),
		slog.Int("shards", c.store.Len()),
	)

	monitor := NewProgressMonitor(c.progress, c.cfg.HeartbeatInterval, c.logger, c.notifier, c.metrics.Progress)
	monitor.Start(ctx)
	err := c.strategy.Run(ctx, c, ln)
	monitor.Stop()

	version, _ := c.state.Snapshot()
	done := DoneReport{Version: version, Progress: c.progress.Report()}
	if err != nil {
		done.Error = err.Error()
	}
	if nerr := c.notifier.Notify(context.Background(), EventDone, done); nerr != nil {
		c.logger.Warn("failed to publish completion", slog.Any("error", nerr))
	}

	return err
}

func (c *Coordinator) Progress() ProgressReport {
	return c.progress.Report()
}

func (c *Coordinator) StateInfo() StateInfo {
	version, blob := c.state.Snapshot()

	return StateInfo{Version: version, Size: len(blob), Mode: c.strategy.Mode()}
}

// Checkpoint captures the current global state for persistence.
func (c *Coordinator) Checkpoint() fl.Checkpoint {
	version, blob := c.state.Snapshot()

	return fl.Checkpoint{
		Version: version,
		Mode:    c.strategy.Mode(),
		Config:  c.cfg.ModelConfig,
		Params:  blob,
		Meta: map[string]string{
			"rule":       c.cfg.Rule,
			"aggregator": c.cfg.Aggregator,
		},
		SavedAt: time.Now().UTC(),
	}
}

// Persist saves the current checkpoint through the configured storage.
func (c *Coordinator) Persist() (fl.Checkpoint, error) {
	cp := c.Checkpoint()
	if c.storage == nil {
		return cp, errors.New("no storage configured")
	}
	if err := c.storage.SaveModel(cp); err != nil {
		return cp, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	return cp, nil
}

// accept waits up to AcceptTimeout for one connection. It returns a nil conn
// without error when the deadline passes.
func (c *Coordinator) accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		if err := dl.SetDeadline(time.Now().Add(c.cfg.AcceptTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set accept deadline: %w", err)
		}
	}

	conn, err := ln.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ctx.Err()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("failed to accept connection: %w", err)
	}

	return conn, nil
}

func (c *Coordinator) wrap(conn net.Conn) *wire.Conn {
	return wire.NewConn(conn,
		wire.WithMaxFrameSize(c.cfg.MaxFrameSize),
		wire.WithReadTimeout(c.cfg.SessionReadTimeout),
	)
}

// spawn runs fn on its own goroutine and tracks conn until fn returns.
func (c *Coordinator) spawn(conn net.Conn, fn func(id string)) {
	id := uuid.NewString()

	c.mu.Lock()
	c.conns[id] = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.conns, id)
			c.mu.Unlock()
			conn.Close()
		}()
		fn(id)
	}()
}

func (c *Coordinator) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.conns)
}

func (c *Coordinator) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, conn := range c.conns {
		conn.Close()
	}
}

// drain waits for every spawned session. Cancelling ctx or exceeding
// ShutdownTimeout force-closes the remaining connections.
func (c *Coordinator) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.closeAll()
		<-done

		return ctx.Err()
	case <-timer.C:
		c.logger.Error("sessions did not finish in time", slog.Int("active", c.active()), slog.Duration("timeout", c.cfg.ShutdownTimeout))
		c.closeAll()
		<-done

		return fmt.Errorf("%w after %s", pkgerrors.ErrCoordinatorTimeout, c.cfg.ShutdownTimeout)
	}
}
