// Package dataset decodes IDX image and label files into normalized matrices.
package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
)

const (
	ImagesMagic = 0x00000803
	LabelsMagic = 0x00000801

	// DefaultClasses is the label width used for digit datasets.
	DefaultClasses = 10

	maxPixel = 255.0
)

// DecodeImages reads an IDX3 image stream. Each image becomes one row with pixel
// values scaled into [0, 1].
func DecodeImages(r io.Reader) (Matrix, error) {
	var hdr struct {
		Magic, Count, Rows, Cols uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return Matrix{}, fmt.Errorf("failed to read image header: %w", err)
	}
	if hdr.Magic != ImagesMagic {
		return Matrix{}, fmt.Errorf("%w: image magic %#x", pkgerrors.ErrInvalidData, hdr.Magic)
	}

	size := int(hdr.Rows * hdr.Cols)
	m := NewMatrix(int(hdr.Count), size)
	buf := make([]byte, size)
	for i := 0; i < m.Rows; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Matrix{}, fmt.Errorf("failed to read image %d: %w", i, err)
		}
		row := m.Row(i)
		for j, px := range buf {
			row[j] = float64(px) / maxPixel
		}
	}

	return m, nil
}

// DecodeLabels reads an IDX1 label stream into one-hot rows of width classes.
func DecodeLabels(r io.Reader, classes int) (Matrix, error) {
	var hdr struct {
		Magic, Count uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return Matrix{}, fmt.Errorf("failed to read label header: %w", err)
	}
	if hdr.Magic != LabelsMagic {
		return Matrix{}, fmt.Errorf("%w: label magic %#x", pkgerrors.ErrInvalidData, hdr.Magic)
	}

	raw := make([]byte, hdr.Count)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Matrix{}, fmt.Errorf("failed to read labels: %w", err)
	}

	m := NewMatrix(int(hdr.Count), classes)
	for i, lbl := range raw {
		if int(lbl) >= classes {
			return Matrix{}, fmt.Errorf("%w: label %d at row %d outside %d classes", pkgerrors.ErrInvalidData, lbl, i, classes)
		}
		m.Row(i)[lbl] = 1
	}

	return m, nil
}

// Load decodes an image file and its label file and checks they agree on row count.
func Load(imagesPath, labelsPath string, classes int) (Matrix, Matrix, error) {
	features, err := decodeFile(imagesPath, DecodeImages)
	if err != nil {
		return Matrix{}, Matrix{}, err
	}
	labels, err := decodeFile(labelsPath, func(r io.Reader) (Matrix, error) {
		return DecodeLabels(r, classes)
	})
	if err != nil {
		return Matrix{}, Matrix{}, err
	}
	if features.Rows != labels.Rows {
		return Matrix{}, Matrix{}, fmt.Errorf("%w: %d images but %d labels", pkgerrors.ErrInvalidData, features.Rows, labels.Rows)
	}

	return features, labels, nil
}

func decodeFile(path string, decode func(io.Reader) (Matrix, error)) (Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return Matrix{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	m, err := decode(bufio.NewReader(f))
	if err != nil {
		return Matrix{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return m, nil
}
