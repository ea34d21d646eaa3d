package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/absmach/paramserver/pkg/dataset"
	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
)

var (
	_ Trainer = (*Softmax)(nil)
	_ Model   = (*Softmax)(nil)
)

// Softmax is multinomial logistic regression trained with mini-batch SGD. Train
// returns the fully updated parameters.
type Softmax struct {
	cfg Config
}

func NewSoftmax(cfg Config) *Softmax {
	return &Softmax{cfg: cfg}
}

// NewSoftmaxTrainer is a Factory for Softmax.
func NewSoftmaxTrainer(config string) (Trainer, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}

	return NewSoftmax(cfg), nil
}

func (m *Softmax) Config() Config {
	return m.cfg
}

// Init draws the weights from N(0, init_scale²) with the configured seed. Biases start at zero.
func (m *Softmax) Init(config string) ([]byte, error) {
	if config != "" {
		cfg, err := ParseConfig(config)
		if err != nil {
			return nil, err
		}
		m.cfg = cfg
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(m.cfg.Seed))
	params := make([]float64, m.cfg.NumParams())
	for i := 0; i < m.cfg.Inputs*m.cfg.Classes; i++ {
		params[i] = rng.NormFloat64() * m.cfg.InitScale
	}

	return fl.EncodeVector(params), nil
}

func (m *Softmax) Train(ctx context.Context, params []byte, s shard.Shard, epochs, batchSize int) ([]byte, error) {
	theta, features, labels, err := m.decode(params, s)
	if err != nil {
		return nil, err
	}
	if features.Rows == 0 {
		return fl.EncodeVector(theta), nil
	}
	if batchSize <= 0 {
		batchSize = features.Rows
	}

	order := make([]int, features.Rows)
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewSource(m.cfg.Seed + int64(s.ID)))
	grad := make([]float64, len(theta))
	probs := make([]float64, m.cfg.Classes)

	for epoch := 0; epoch < epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		for start := 0; start < len(order); start += batchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := min(start+batchSize, len(order))
			clear(grad)
			for _, row := range order[start:end] {
				m.accumulate(grad, probs, theta, features.Row(row), labels.Row(row))
			}
			scale := m.cfg.LearningRate / float64(end-start)
			for i, g := range grad {
				theta[i] -= scale * g
			}
		}
	}

	return fl.EncodeVector(theta), nil
}

// Metrics summarises a model over a labelled dataset.
type Metrics struct {
	Samples  int     `json:"samples"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
	Loss     float64 `json:"loss"`
}

// Evaluate returns accuracy and mean cross-entropy of params over the dataset.
func (m *Softmax) Evaluate(params []byte, features, labels dataset.Matrix) (Metrics, error) {
	theta, err := fl.DecodeVector(params)
	if err != nil {
		return Metrics{}, err
	}
	if err := m.check(theta, features, labels); err != nil {
		return Metrics{}, err
	}

	res := Metrics{Samples: features.Rows}
	probs := make([]float64, m.cfg.Classes)
	for i := 0; i < features.Rows; i++ {
		y := labels.Row(i)
		m.forward(probs, theta, features.Row(i))
		if argmax(probs) == argmax(y) {
			res.Correct++
		}
		res.Loss += crossEntropy(probs, y)
	}
	if res.Samples > 0 {
		res.Accuracy = float64(res.Correct) / float64(res.Samples)
		res.Loss /= float64(res.Samples)
	}

	return res, nil
}

func (m *Softmax) decode(params []byte, s shard.Shard) ([]float64, dataset.Matrix, dataset.Matrix, error) {
	theta, err := fl.DecodeVector(params)
	if err != nil {
		return nil, dataset.Matrix{}, dataset.Matrix{}, err
	}
	var features, labels dataset.Matrix
	if err := features.UnmarshalBinary(s.Features); err != nil {
		return nil, dataset.Matrix{}, dataset.Matrix{}, fmt.Errorf("failed to decode features of shard %d: %w", s.ID, err)
	}
	if err := labels.UnmarshalBinary(s.Labels); err != nil {
		return nil, dataset.Matrix{}, dataset.Matrix{}, fmt.Errorf("failed to decode labels of shard %d: %w", s.ID, err)
	}
	if err := m.check(theta, features, labels); err != nil {
		return nil, dataset.Matrix{}, dataset.Matrix{}, err
	}

	return theta, features, labels, nil
}

func (m *Softmax) check(theta []float64, features, labels dataset.Matrix) error {
	switch {
	case len(theta) != m.cfg.NumParams():
		return fmt.Errorf("%w: %d parameters, model needs %d", fl.ErrDimensionMismatch, len(theta), m.cfg.NumParams())
	case features.Rows != labels.Rows:
		return fmt.Errorf("%w: %d feature rows, %d label rows", pkgerrors.ErrInvalidData, features.Rows, labels.Rows)
	case features.Rows > 0 && features.Cols != m.cfg.Inputs:
		return fmt.Errorf("%w: %d feature columns, model has %d inputs", pkgerrors.ErrInvalidData, features.Cols, m.cfg.Inputs)
	case labels.Rows > 0 && labels.Cols != m.cfg.Classes:
		return fmt.Errorf("%w: %d label columns, model has %d classes", pkgerrors.ErrInvalidData, labels.Cols, m.cfg.Classes)
	}

	return nil
}

// forward fills probs with the class probabilities of x.
func (m *Softmax) forward(probs, theta, x []float64) {
	in, bias := m.cfg.Inputs, m.cfg.Inputs*m.cfg.Classes
	maxLogit := math.Inf(-1)
	for k := range probs {
		z := theta[bias+k]
		w := theta[k*in : (k+1)*in]
		for j, v := range x {
			z += w[j] * v
		}
		probs[k] = z
		maxLogit = math.Max(maxLogit, z)
	}
	var sum float64
	for k, z := range probs {
		probs[k] = math.Exp(z - maxLogit)
		sum += probs[k]
	}
	for k := range probs {
		probs[k] /= sum
	}
}

// accumulate adds the cross-entropy gradient of one sample to grad.
func (m *Softmax) accumulate(grad, probs, theta, x, y []float64) {
	m.forward(probs, theta, x)
	in, bias := m.cfg.Inputs, m.cfg.Inputs*m.cfg.Classes
	for k, p := range probs {
		d := p - y[k]
		if d == 0 {
			continue
		}
		g := grad[k*in : (k+1)*in]
		for j, v := range x {
			g[j] += d * v
		}
		grad[bias+k] += d
	}
}

func crossEntropy(probs, y []float64) float64 {
	var loss float64
	for k, t := range y {
		if t == 0 {
			continue
		}
		loss -= t * math.Log(math.Max(probs[k], math.SmallestNonzeroFloat64))
	}

	return loss
}

func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}

	return best
}
