package fl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec maps opaque parameter blobs to numeric vectors. Only the update rules
// and aggregators look inside a blob; everything else moves bytes.
type Codec interface {
	Decode(blob []byte) ([]float64, error)
	Encode(v []float64) []byte
}

// VectorCodec is a flat sequence of big-endian IEEE-754 float64 values.
type VectorCodec struct{}

func (VectorCodec) Decode(blob []byte) ([]float64, error) {
	return DecodeVector(blob)
}

func (VectorCodec) Encode(v []float64) []byte {
	return EncodeVector(v)
}

func EncodeVector(v []float64) []byte {
	buf := make([]byte, 0, 8*len(v))
	for _, x := range v {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(x))
	}

	return buf
}

func DecodeVector(blob []byte) ([]float64, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 8", ErrInvalidVector, len(blob))
	}
	v := make([]float64, len(blob)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.BigEndian.Uint64(blob[8*i:]))
	}

	return v, nil
}
