package trainer

import (
	"context"
	"fmt"

	"github.com/absmach/paramserver/pkg/dataset"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
)

var _ Trainer = (*GradientTrainer)(nil)

// GradientTrainer turns a parameter-returning trainer into one that returns the
// average per-step gradient, g = (θ_start − θ_end) / (η·steps). A gradient-step
// rule with rate η·steps reproduces the local result.
type GradientTrainer struct {
	Inner        Trainer
	LearningRate float64
}

// NewGradientTrainer is a Factory wrapping Softmax.
func NewGradientTrainer(config string) (Trainer, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}

	return &GradientTrainer{Inner: NewSoftmax(cfg), LearningRate: cfg.LearningRate}, nil
}

func (g *GradientTrainer) Train(ctx context.Context, params []byte, s shard.Shard, epochs, batchSize int) ([]byte, error) {
	start, err := fl.DecodeVector(params)
	if err != nil {
		return nil, err
	}
	out, err := g.Inner.Train(ctx, params, s, epochs, batchSize)
	if err != nil {
		return nil, err
	}
	end, err := fl.DecodeVector(out)
	if err != nil {
		return nil, err
	}
	if len(end) != len(start) {
		return nil, fmt.Errorf("%w: trainer returned %d parameters for %d", fl.ErrDimensionMismatch, len(end), len(start))
	}

	rows := s.Rows
	if rows == 0 {
		if rows, err = dataset.RowCount(s.Features); err != nil {
			return nil, err
		}
	}
	steps := Steps(rows, epochs, batchSize)
	if steps == 0 || g.LearningRate == 0 {
		return fl.EncodeVector(make([]float64, len(start))), nil
	}
	scale := 1 / (g.LearningRate * float64(steps))
	for i := range start {
		start[i] = (start[i] - end[i]) * scale
	}

	return fl.EncodeVector(start), nil
}

// Steps is the number of SGD steps taken over rows samples.
func Steps(rows, epochs, batchSize int) int {
	if rows <= 0 || epochs <= 0 {
		return 0
	}
	if batchSize <= 0 || batchSize > rows {
		batchSize = rows
	}

	return epochs * ((rows + batchSize - 1) / batchSize)
}
