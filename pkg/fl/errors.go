package fl

import "errors"

var (
	ErrNoUpdates         = errors.New("no updates provided for aggregation")
	ErrDimensionMismatch = errors.New("parameter vector dimensions do not match")
	ErrUnknownRule       = errors.New("unknown update rule")
	ErrUnknownAggregator = errors.New("unknown aggregator")
	ErrInvalidVector     = errors.New("invalid parameter vector encoding")
)
