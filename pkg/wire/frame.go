package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
)

const (
	// DefaultMaxFrameSize bounds the allocation made for a single incoming frame.
	DefaultMaxFrameSize = 256 << 20

	headerSize = 4
)

// Control is a standalone 4-byte code sent by the coordinator before shard traffic.
type Control int32

const (
	ShardData    Control = 1
	NoMoreShards Control = 2
)

func (c Control) String() string {
	switch c {
	case ShardData:
		return "SHARD_DATA"
	case NoMoreShards:
		return "NO_MORE_SHARDS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(c))
	}
}

// AppendFrame appends the length-prefixed encoding of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))

	return append(dst, payload...)
}

// WriteFrame writes the length prefix and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxInt32 {
		return fmt.Errorf("%w: frame of %d bytes exceeds int32 length", pkgerrors.ErrProtocol, len(payload))
	}
	buf := AppendFrame(make([]byte, 0, headerSize+len(payload)), payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// ReadFrame blocks until a complete frame is read. Lengths that are negative as
// int32 or larger than maxSize fail with ErrProtocol before any allocation.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	n, err := ReadInt(r)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative frame length %d", pkgerrors.ErrProtocol, n)
	}
	if maxSize > 0 && int64(n) > int64(maxSize) {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit %d", pkgerrors.ErrProtocol, n, maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, mapReadErr(err)
	}

	return payload, nil
}

// WriteInt writes v as a raw 4-byte big-endian integer.
func WriteInt(w io.Writer, v int32) error {
	var buf [headerSize]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write int: %w", err)
	}

	return nil
}

// ReadInt reads a raw 4-byte big-endian integer.
func ReadInt(r io.Reader) (int32, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, mapReadErr(err)
	}

	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// ReadControl reads a control code and rejects anything but the two known codes.
func ReadControl(r io.Reader) (Control, error) {
	v, err := ReadInt(r)
	if err != nil {
		return 0, err
	}
	switch c := Control(v); c {
	case ShardData, NoMoreShards:
		return c, nil
	default:
		return 0, fmt.Errorf("%w: unexpected control code %d", pkgerrors.ErrProtocol, v)
	}
}

func mapReadErr(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", pkgerrors.ErrConnectionClosed, err)
	default:
		return fmt.Errorf("failed to read from stream: %w", err)
	}
}
