package fl

import "fmt"

const (
	RuleGradientStep  = "gradient"
	RuleFederatedDiff = "fedavg-diff"
)

// UpdateRule merges one worker result into the global vector in place.
type UpdateRule interface {
	Name() string
	Apply(global, update []float64) error
}

// GradientStep treats the update as an averaged gradient: θ ← θ − η·g.
type GradientStep struct {
	LearningRate float64
}

func (GradientStep) Name() string {
	return RuleGradientStep
}

func (r GradientStep) Apply(global, grad []float64) error {
	if len(global) != len(grad) {
		return fmt.Errorf("%w: global %d, gradient %d", ErrDimensionMismatch, len(global), len(grad))
	}
	for i, g := range grad {
		global[i] -= r.LearningRate * g
	}

	return nil
}

// FederatedDiff treats the update as the client's trained parameters and moves
// the global vector a fraction η toward them: θ ← θ − η·(θ − θ_client).
type FederatedDiff struct {
	LearningRate float64
}

func (FederatedDiff) Name() string {
	return RuleFederatedDiff
}

func (r FederatedDiff) Apply(global, client []float64) error {
	if len(global) != len(client) {
		return fmt.Errorf("%w: global %d, client %d", ErrDimensionMismatch, len(global), len(client))
	}
	if r.LearningRate == 1 {
		copy(global, client)

		return nil
	}
	for i, c := range client {
		global[i] -= r.LearningRate * (global[i] - c)
	}

	return nil
}

func NewUpdateRule(name string, learningRate float64) (UpdateRule, error) {
	switch name {
	case RuleGradientStep:
		return GradientStep{LearningRate: learningRate}, nil
	case RuleFederatedDiff:
		return FederatedDiff{LearningRate: learningRate}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, name)
	}
}

// Merger applies a rule to encoded blobs.
type Merger struct {
	Rule  UpdateRule
	Codec Codec
}

func NewMerger(rule UpdateRule) Merger {
	return Merger{Rule: rule, Codec: VectorCodec{}}
}

// Merge returns the new global blob. cur is never modified.
func (m Merger) Merge(cur, update []byte) ([]byte, error) {
	global, err := m.Codec.Decode(cur)
	if err != nil {
		return nil, fmt.Errorf("failed to decode global parameters: %w", err)
	}
	u, err := m.Codec.Decode(update)
	if err != nil {
		return nil, fmt.Errorf("failed to decode update: %w", err)
	}
	if err := m.Rule.Apply(global, u); err != nil {
		return nil, err
	}

	return m.Codec.Encode(global), nil
}
