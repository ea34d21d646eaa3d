package wire_test

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	const maxSize = 1 << 16

	cases := []struct {
		desc string
		size int
	}{
		{desc: "empty payload", size: 0},
		{desc: "single byte", size: 1},
		{desc: "odd size", size: 1021},
		{desc: "exactly the limit", size: maxSize},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			payload := make([]byte, tc.size)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			var buf bytes.Buffer
			require.NoError(t, wire.WriteFrame(&buf, payload))
			assert.Equal(t, 4+tc.size, buf.Len())

			got, err := wire.ReadFrame(&buf, maxSize)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
			assert.Zero(t, buf.Len())
		})
	}
}

func TestFrameWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, []byte("abc")))
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, buf.Bytes())

	buf.Reset()
	require.NoError(t, wire.WriteInt(&buf, int32(wire.NoMoreShards)))
	assert.Equal(t, []byte{0, 0, 0, 2}, buf.Bytes())
}

func TestReadFrameErrors(t *testing.T) {
	header := func(n uint32) []byte {
		return binary.BigEndian.AppendUint32(nil, n)
	}

	cases := []struct {
		desc  string
		input []byte
		max   int
		err   error
	}{
		{desc: "oversized length", input: header(1025), max: 1024, err: pkgerrors.ErrProtocol},
		{desc: "negative length", input: header(0xFFFFFFFF), max: 1024, err: pkgerrors.ErrProtocol},
		{desc: "closed before header", input: nil, max: 1024, err: pkgerrors.ErrConnectionClosed},
		{desc: "closed mid header", input: []byte{0, 0}, max: 1024, err: pkgerrors.ErrConnectionClosed},
		{desc: "closed mid payload", input: append(header(8), 1, 2, 3), max: 1024, err: pkgerrors.ErrConnectionClosed},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := wire.ReadFrame(bytes.NewReader(tc.input), tc.max)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestReadControl(t *testing.T) {
	cases := []struct {
		desc string
		code int32
		want wire.Control
		err  error
	}{
		{desc: "shard data", code: 1, want: wire.ShardData},
		{desc: "no more shards", code: 2, want: wire.NoMoreShards},
		{desc: "unknown code", code: 3, err: pkgerrors.ErrProtocol},
		{desc: "zero code", code: 0, err: pkgerrors.ErrProtocol},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, wire.WriteInt(&buf, tc.code))

			got, err := wire.ReadControl(&buf)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConnHandshake(t *testing.T) {
	cases := []struct {
		desc      string
		handshake wire.Handshake
		err       error
	}{
		{
			desc:      "valid handshake",
			handshake: wire.Handshake{Config: `{"inputs":4,"classes":2}`, LocalEpochs: 3, BatchSize: 16},
		},
		{
			desc:      "zero epochs",
			handshake: wire.Handshake{Config: "{}", LocalEpochs: 0, BatchSize: 16},
			err:       pkgerrors.ErrProtocol,
		},
		{
			desc:      "negative batch size",
			handshake: wire.Handshake{Config: "{}", LocalEpochs: 1, BatchSize: -1},
			err:       pkgerrors.ErrProtocol,
		},
		{
			desc:      "invalid utf-8 config",
			handshake: wire.Handshake{Config: string([]byte{0xff, 0xfe}), LocalEpochs: 1, BatchSize: 1},
			err:       pkgerrors.ErrProtocol,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			server, client := net.Pipe()
			defer server.Close()
			defer client.Close()

			sc := wire.NewConn(server)
			cc := wire.NewConn(client)

			errCh := make(chan error, 1)
			go func() {
				errCh <- sc.WriteHandshake(tc.handshake)
			}()

			got, err := cc.ReadHandshake()
			client.Close()
			werr := <-errCh
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			require.NoError(t, werr)
			require.NoError(t, err)
			assert.Equal(t, tc.handshake, got)
		})
	}
}

func TestConnSendShardMessage(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := wire.NewConn(server)
	cc := wire.NewConn(client)

	params, features, labels := []byte("params"), []byte("features"), []byte{}
	go func() {
		_ = sc.Send(wire.ShardData, params, features, labels)
		_ = sc.SendControl(wire.NoMoreShards)
	}()

	ctl, err := cc.ReadControl()
	require.NoError(t, err)
	assert.Equal(t, wire.ShardData, ctl)

	for _, want := range [][]byte{params, features, labels} {
		got, err := cc.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	ctl, err = cc.ReadControl()
	require.NoError(t, err)
	assert.Equal(t, wire.NoMoreShards, ctl)
}

func TestConnConcurrentSendsDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sc := wire.NewConn(server)
	cc := wire.NewConn(client)

	const (
		writers = 8
		perW    = 20
		size    = 4096
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{b}, size)
			for i := 0; i < perW; i++ {
				assert.NoError(t, sc.SendFrame(payload))
			}
		}(byte(w + 1))
	}
	go func() {
		wg.Wait()
		server.Close()
	}()

	counts := make(map[byte]int)
	for {
		frame, err := cc.ReadFrame()
		if err != nil {
			assert.ErrorIs(t, err, pkgerrors.ErrConnectionClosed)

			break
		}
		require.Len(t, frame, size)
		first := frame[0]
		assert.Equal(t, bytes.Repeat([]byte{first}, size), frame)
		counts[first]++
	}

	assert.Len(t, counts, writers)
	for b, n := range counts {
		assert.Equal(t, perW, n, "writer %d", b)
	}
}

func TestConnMaxFrameSize(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := wire.NewConn(server)
	cc := wire.NewConn(client, wire.WithMaxFrameSize(8))

	go func() {
		_ = sc.SendFrame(make([]byte, 9))
	}()

	_, err := cc.ReadFrame()
	assert.ErrorIs(t, err, pkgerrors.ErrProtocol)
}

func TestControlString(t *testing.T) {
	assert.Equal(t, "SHARD_DATA", wire.ShardData.String())
	assert.Equal(t, "NO_MORE_SHARDS", wire.NoMoreShards.String())
	assert.Equal(t, "UNKNOWN(9)", wire.Control(9).String())
}
