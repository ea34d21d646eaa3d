// Package trainer defines the local training capability used by workers and
// ships a reference softmax regression model.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/shard"
)

// Trainer runs local optimisation over one shard and returns the parameter blob
// the coordinator's update rule expects.
type Trainer interface {
	Train(ctx context.Context, params []byte, s shard.Shard, epochs, batchSize int) ([]byte, error)
}

// Model builds the initial parameter blob from the model configuration text.
type Model interface {
	Init(config string) ([]byte, error)
}

// Factory builds a trainer from the configuration text a worker receives in the
// handshake.
type Factory func(config string) (Trainer, error)

const (
	defaultLearningRate = 0.1
	defaultInitScale    = 0.01
)

// Config is the JSON model configuration shared by the coordinator and workers.
type Config struct {
	Inputs       int     `json:"inputs" toml:"inputs"`
	Classes      int     `json:"classes" toml:"classes"`
	Seed         int64   `json:"seed" toml:"seed"`
	LearningRate float64 `json:"learning_rate" toml:"learning_rate"`
	InitScale    float64 `json:"init_scale" toml:"init_scale"`
}

func ParseConfig(text string) (Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: model config: %w", pkgerrors.ErrInvalidData, err)
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = defaultLearningRate
	}
	if cfg.InitScale == 0 {
		cfg.InitScale = defaultInitScale
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Inputs <= 0:
		return fmt.Errorf("%w: inputs must be positive, got %d", pkgerrors.ErrInvalidData, c.Inputs)
	case c.Classes < 2:
		return fmt.Errorf("%w: at least two classes are required, got %d", pkgerrors.ErrInvalidData, c.Classes)
	case c.LearningRate < 0:
		return fmt.Errorf("%w: negative learning rate %g", pkgerrors.ErrInvalidData, c.LearningRate)
	}

	return nil
}

// String renders the configuration as the JSON text sent in the handshake.
func (c Config) String() string {
	b, _ := json.Marshal(c)

	return string(b)
}

// NumParams is the length of the flat parameter vector: a classes-by-inputs
// weight matrix followed by one bias per class.
func (c Config) NumParams() int {
	return (c.Inputs + 1) * c.Classes
}
