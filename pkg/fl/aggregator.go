package fl

import "fmt"

const (
	AggregatorMean     = "mean"
	AggregatorWeighted = "weighted"
)

// Mean returns the component-wise arithmetic mean of the vectors.
func Mean(vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, ErrNoUpdates
	}
	out := make([]float64, len(vectors[0]))
	for i, v := range vectors {
		if len(v) != len(out) {
			return nil, fmt.Errorf("%w: vector %d has %d values, want %d", ErrDimensionMismatch, i, len(v), len(out))
		}
		for j, x := range v {
			out[j] += x
		}
	}
	if len(vectors) == 1 {
		return out, nil
	}
	n := float64(len(vectors))
	for j := range out {
		out[j] /= n
	}

	return out, nil
}

type MeanAggregator struct {
	Codec Codec
}

func NewMeanAggregator() Aggregator {
	return &MeanAggregator{Codec: VectorCodec{}}
}

func (a *MeanAggregator) Aggregate(updates []Update) ([]byte, error) {
	vectors, err := decodeAll(a.Codec, updates)
	if err != nil {
		return nil, err
	}
	mean, err := Mean(vectors)
	if err != nil {
		return nil, err
	}

	return a.Codec.Encode(mean), nil
}

// FedAvgAggregator weights each update by the number of samples it trained on.
// Updates without a sample count fall back to weight one.
type FedAvgAggregator struct {
	Codec Codec
}

func NewFedAvgAggregator() Aggregator {
	return &FedAvgAggregator{Codec: VectorCodec{}}
}

func (f *FedAvgAggregator) Aggregate(updates []Update) ([]byte, error) {
	vectors, err := decodeAll(f.Codec, updates)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, ErrNoUpdates
	}

	aggregated := make([]float64, len(vectors[0]))
	var totalSamples float64
	for i, v := range vectors {
		if len(v) != len(aggregated) {
			return nil, fmt.Errorf("%w: update %d has %d values, want %d", ErrDimensionMismatch, i, len(v), len(aggregated))
		}
		weight := float64(updates[i].NumSamples)
		if weight <= 0 {
			weight = 1
		}
		totalSamples += weight
		for j, x := range v {
			aggregated[j] += x * weight
		}
	}
	for j := range aggregated {
		aggregated[j] /= totalSamples
	}

	return f.Codec.Encode(aggregated), nil
}

func NewAggregator(name string) (Aggregator, error) {
	switch name {
	case AggregatorMean, "":
		return NewMeanAggregator(), nil
	case AggregatorWeighted:
		return NewFedAvgAggregator(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAggregator, name)
	}
}

func decodeAll(codec Codec, updates []Update) ([][]float64, error) {
	vectors := make([][]float64, 0, len(updates))
	for i, u := range updates {
		v, err := codec.Decode(u.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to decode update %d: %w", i, err)
		}
		vectors = append(vectors, v)
	}

	return vectors, nil
}
