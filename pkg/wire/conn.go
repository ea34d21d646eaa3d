package wire

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
)

const bufferSize = 64 << 10

// Handshake is the fixed exchange that opens every connection.
type Handshake struct {
	Config      string `json:"config"`
	LocalEpochs int    `json:"local_epochs"`
	BatchSize   int    `json:"batch_size"`
}

type Option func(*Conn)

// WithMaxFrameSize overrides DefaultMaxFrameSize for incoming frames.
func WithMaxFrameSize(n int) Option {
	return func(c *Conn) {
		c.maxFrame = n
	}
}

// WithReadTimeout arms a read deadline before every blocking read. Zero disables it.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.readTimeout = d
	}
}

// Conn is a buffered framed stream. Writes are serialized by an internal mutex so a
// message built with Send or WriteHandshake never interleaves with another writer.
// Reads are expected to come from a single goroutine.
type Conn struct {
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	wmu         sync.Mutex
	maxFrame    int
	readTimeout time.Duration
}

func NewConn(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:     conn,
		r:        bufio.NewReaderSize(conn, bufferSize),
		w:        bufio.NewWriterSize(conn, bufferSize),
		maxFrame: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Send writes an optional control code followed by the given frames and flushes once.
func (c *Conn) Send(ctl Control, frames ...[]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if ctl != 0 {
		if err := WriteInt(c.w, int32(ctl)); err != nil {
			return err
		}
	}
	for _, f := range frames {
		if err := WriteFrame(c.w, f); err != nil {
			return err
		}
	}

	return c.flush()
}

// SendControl writes a standalone control code and flushes.
func (c *Conn) SendControl(ctl Control) error {
	return c.Send(ctl)
}

// SendFrame writes one frame and flushes.
func (c *Conn) SendFrame(payload []byte) error {
	return c.Send(0, payload)
}

func (c *Conn) WriteHandshake(h Handshake) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := WriteFrame(c.w, []byte(h.Config)); err != nil {
		return err
	}
	if err := WriteInt(c.w, int32(h.LocalEpochs)); err != nil {
		return err
	}
	if err := WriteInt(c.w, int32(h.BatchSize)); err != nil {
		return err
	}

	return c.flush()
}

func (c *Conn) ReadHandshake() (Handshake, error) {
	cfg, err := c.ReadFrame()
	if err != nil {
		return Handshake{}, err
	}
	if !utf8.Valid(cfg) {
		return Handshake{}, fmt.Errorf("%w: model configuration is not valid UTF-8", pkgerrors.ErrProtocol)
	}
	epochs, err := c.ReadInt()
	if err != nil {
		return Handshake{}, err
	}
	batch, err := c.ReadInt()
	if err != nil {
		return Handshake{}, err
	}
	if epochs <= 0 || batch <= 0 {
		return Handshake{}, fmt.Errorf("%w: invalid hyperparameters epochs=%d batch=%d", pkgerrors.ErrProtocol, epochs, batch)
	}

	return Handshake{
		Config:      string(cfg),
		LocalEpochs: int(epochs),
		BatchSize:   int(batch),
	}, nil
}

func (c *Conn) ReadFrame() ([]byte, error) {
	if err := c.armDeadline(); err != nil {
		return nil, err
	}

	return ReadFrame(c.r, c.maxFrame)
}

func (c *Conn) ReadInt() (int32, error) {
	if err := c.armDeadline(); err != nil {
		return 0, err
	}

	return ReadInt(c.r)
}

func (c *Conn) ReadControl() (Control, error) {
	if err := c.armDeadline(); err != nil {
		return 0, err
	}

	return ReadControl(c.r)
}

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) flush() error {
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush stream: %w", err)
	}

	return nil
}

func (c *Conn) armDeadline() error {
	if c.readTimeout <= 0 {
		return nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}

	return nil
}
