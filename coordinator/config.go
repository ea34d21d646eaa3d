package coordinator

import (
	"fmt"
	"time"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/wire"
)

const (
	DefaultAcceptTimeout     = time.Second
	DefaultHeartbeatInterval = time.Second
	DefaultShutdownTimeout   = time.Hour
)

// Config holds the training hyperparameters sent to every worker and the
// timings of the accept loop.
type Config struct {
	Mode         fl.Mode
	ModelConfig  string
	LocalEpochs  int
	BatchSize    int
	GlobalEpochs int

	Rule         string
	LearningRate float64
	Aggregator   string

	AcceptTimeout      time.Duration
	HeartbeatInterval  time.Duration
	ShutdownTimeout    time.Duration
	SessionReadTimeout time.Duration
	MaxFrameSize       int

	// RequeueOnFailure returns the in-flight shard of a failed async session to
	// the queue. Off, a failed shard is never trained.
	RequeueOnFailure bool
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = fl.ModeAsync
	}
	if c.Rule == "" {
		c.Rule = fl.RuleGradientStep
	}
	if c.GlobalEpochs == 0 {
		c.GlobalEpochs = 1
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}

	return c
}

func (c Config) Validate() error {
	switch {
	case c.LocalEpochs <= 0:
		return fmt.Errorf("%w: local epochs must be positive, got %d", pkgerrors.ErrInvalidData, c.LocalEpochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", pkgerrors.ErrInvalidData, c.BatchSize)
	case c.GlobalEpochs <= 0:
		return fmt.Errorf("%w: global epochs must be positive, got %d", pkgerrors.ErrInvalidData, c.GlobalEpochs)
	case c.Mode != fl.ModeAsync && c.Mode != fl.ModeRounds:
		return fmt.Errorf("%w: unknown mode %q", pkgerrors.ErrInvalidData, c.Mode)
	}

	return nil
}

func (c Config) Handshake() wire.Handshake {
	return wire.Handshake{
		Config:      c.ModelConfig,
		LocalEpochs: c.LocalEpochs,
		BatchSize:   c.BatchSize,
	}
}
