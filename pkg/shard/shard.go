// Package shard holds the immutable dataset partitions handed out to workers and
// the queue the coordinator dispatches them from.
package shard

import (
	"fmt"

	"github.com/absmach/paramserver/pkg/dataset"
	pkgerrors "github.com/absmach/paramserver/pkg/errors"
)

// Shard is one unit of work. Features and Labels are opaque encoded blobs and
// must not be modified once the shard is built.
type Shard struct {
	ID       int
	Rows     int
	Features []byte
	Labels   []byte
}

// Store owns the full ordered set of shards for the lifetime of a coordinator.
type Store struct {
	shards []Shard
}

func NewStore(shards []Shard) *Store {
	cp := make([]Shard, len(shards))
	copy(cp, shards)

	return &Store{shards: cp}
}

func (s *Store) Len() int {
	return len(s.shards)
}

func (s *Store) Get(id int) (Shard, error) {
	if id < 0 || id >= len(s.shards) {
		return Shard{}, fmt.Errorf("%w: shard %d, must be in range [0, %d)", pkgerrors.ErrNotFound, id, len(s.shards))
	}

	return s.shards[id], nil
}

// All returns the shards in ID order.
func (s *Store) All() []Shard {
	cp := make([]Shard, len(s.shards))
	copy(cp, s.shards)

	return cp
}

// Bounds returns the [start, end) row ranges for n shards over total rows. Every
// shard gets total/n rows and the last one absorbs the remainder.
func Bounds(total, n int) [][2]int {
	per := total / n
	out := make([][2]int, n)
	for i := range out {
		start := i * per
		end := start + per
		if i == n-1 {
			end = total
		}
		out[i] = [2]int{start, end}
	}

	return out
}

// Split partitions a decoded dataset into n shards with matrix-encoded blobs.
func Split(features, labels dataset.Matrix, n int) ([]Shard, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: shard count %d", pkgerrors.ErrInvalidData, n)
	}
	if features.Rows != labels.Rows {
		return nil, fmt.Errorf("%w: %d feature rows but %d label rows", pkgerrors.ErrInvalidData, features.Rows, labels.Rows)
	}

	shards := make([]Shard, 0, n)
	for i, b := range Bounds(features.Rows, n) {
		x, err := features.Slice(b[0], b[1]).MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode features of shard %d: %w", i, err)
		}
		y, err := labels.Slice(b[0], b[1]).MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode labels of shard %d: %w", i, err)
		}
		shards = append(shards, Shard{
			ID:       i,
			Rows:     b[1] - b[0],
			Features: x,
			Labels:   y,
		})
	}

	return shards, nil
}
