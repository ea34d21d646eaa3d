package dataset

import (
	"encoding/binary"
	"fmt"
	"math"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
)

const matrixHeaderSize = 8

// Matrix is a dense row-major float64 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

func NewMatrix(rows, cols int) Matrix {
	return Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

// Row returns a view of row i.
func (m Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Slice returns a copy of rows [start, end).
func (m Matrix) Slice(start, end int) Matrix {
	out := NewMatrix(end-start, m.Cols)
	copy(out.Data, m.Data[start*m.Cols:end*m.Cols])

	return out
}

// MarshalBinary encodes the matrix as [rows][cols] uint32 followed by big-endian float64s.
func (m Matrix) MarshalBinary() ([]byte, error) {
	if len(m.Data) != m.Rows*m.Cols {
		return nil, fmt.Errorf("%w: matrix %dx%d holds %d values", pkgerrors.ErrInvalidData, m.Rows, m.Cols, len(m.Data))
	}
	buf := make([]byte, matrixHeaderSize, matrixHeaderSize+8*len(m.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Rows))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Cols))
	for _, v := range m.Data {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
	}

	return buf, nil
}

// RowCount reads the row count from an encoded matrix without decoding it.
func RowCount(data []byte) (int, error) {
	if len(data) < matrixHeaderSize {
		return 0, fmt.Errorf("%w: matrix blob of %d bytes", pkgerrors.ErrInvalidData, len(data))
	}

	return int(binary.BigEndian.Uint32(data[0:4])), nil
}

func (m *Matrix) UnmarshalBinary(data []byte) error {
	if len(data) < matrixHeaderSize {
		return fmt.Errorf("%w: matrix blob of %d bytes", pkgerrors.ErrInvalidData, len(data))
	}
	rows := int(binary.BigEndian.Uint32(data[0:4]))
	cols := int(binary.BigEndian.Uint32(data[4:8]))
	body := data[matrixHeaderSize:]
	if uint64(len(body)) != 8*uint64(rows)*uint64(cols) {
		return fmt.Errorf("%w: matrix %dx%d does not match %d payload bytes", pkgerrors.ErrInvalidData, rows, cols, len(body))
	}

	m.Rows, m.Cols = rows, cols
	m.Data = make([]float64, rows*cols)
	for i := range m.Data {
		m.Data[i] = math.Float64frombits(binary.BigEndian.Uint64(body[8*i:]))
	}

	return nil
}
