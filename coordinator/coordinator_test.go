package coordinator_test

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/absmach/paramserver/coordinator"
	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelConfig = `{"inputs":2,"classes":2}`

type replyFunc func(params, features []byte) []byte

func testConfig(mode fl.Mode) coordinator.Config {
	return coordinator.Config{
		Mode:              mode,
		ModelConfig:       modelConfig,
		LocalEpochs:       2,
		BatchSize:         8,
		GlobalEpochs:      1,
		Rule:              fl.RuleGradientStep,
		LearningRate:      0.1,
		AcceptTimeout:     20 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
	}
}

// testShards returns n shards whose feature blob is the shard index.
func testShards(n int) []shard.Shard {
	shards := make([]shard.Shard, n)
	for i := range shards {
		shards[i] = shard.Shard{ID: i, Rows: 1, Features: []byte{byte(i)}, Labels: []byte{}}
	}

	return shards
}

func start(t *testing.T, ctx context.Context, cfg coordinator.Config, shards []shard.Shard, init []float64, opts ...coordinator.Option) (*coordinator.Coordinator, string, <-chan error) {
	t.Helper()

	strategy, err := coordinator.NewStrategy(cfg)
	require.NoError(t, err)
	c, err := coordinator.New(cfg, fl.NewState(fl.EncodeVector(init)), shard.NewStore(shards), strategy, slog.New(slog.DiscardHandler), opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Serve(ctx, ln)
	}()

	return c, ln.Addr().String(), errCh
}

func wait(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not finish")

		return nil
	}
}

func handshake(t *testing.T, wc *wire.Conn) {
	t.Helper()

	h, err := wc.ReadHandshake()
	require.NoError(t, err)
	assert.Equal(t, wire.Handshake{Config: modelConfig, LocalEpochs: 2, BatchSize: 8}, h)
}

// pullWorker speaks the continuous protocol and returns the number of shards it answered.
func pullWorker(t *testing.T, addr string, reply replyFunc) (int, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	wc := wire.NewConn(conn)
	if _, err := wc.ReadHandshake(); err != nil {
		return 0, err
	}

	served := 0
	for {
		ctl, err := wc.ReadControl()
		if err != nil {
			return served, err
		}
		if ctl == wire.NoMoreShards {
			return served, nil
		}
		params, err := wc.ReadFrame()
		if err != nil {
			return served, err
		}
		features, err := wc.ReadFrame()
		if err != nil {
			return served, err
		}
		if _, err := wc.ReadFrame(); err != nil {
			return served, err
		}
		if err := wc.SendFrame(reply(params, features)); err != nil {
			return served, err
		}
		served++
	}
}

func constGradient(v ...float64) replyFunc {
	return func([]byte, []byte) []byte {
		time.Sleep(5 * time.Millisecond)

		return fl.EncodeVector(v)
	}
}

func params(t *testing.T, c *coordinator.Coordinator) []float64 {
	t.Helper()

	v, err := fl.DecodeVector(c.Checkpoint().Params)
	require.NoError(t, err)

	return v
}

func TestAsyncTwoWorkers(t *testing.T) {
	c, addr, errCh := start(t, context.Background(), testConfig(fl.ModeAsync), testShards(4), []float64{0, 0, 0})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		served int
	)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := pullWorker(t, addr, constGradient(1, 2, -1))
			mu.Lock()
			served += n
			mu.Unlock()
		}()
	}

	require.NoError(t, wait(t, errCh))
	wg.Wait()

	assert.Equal(t, coordinator.ProgressReport{Completed: 4, Total: 4, Percent: 100, Remaining: 0}, c.Progress())
	assert.Equal(t, 4, served)
	assert.Equal(t, uint64(4), c.StateInfo().Version)
	assert.Equal(t, 24, c.StateInfo().Size)
	assert.InDeltaSlice(t, []float64{-0.4, -0.8, 0.4}, params(t, c), 1e-12)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed once training completes")
}

func TestAsyncSessionFailures(t *testing.T) {
	cases := []struct {
		desc        string
		reply       replyFunc
		requeue     bool
		wantDone    int
		wantVersion uint64
	}{
		{
			desc:  "empty update is a trainer failure and the shard is lost",
			reply: func([]byte, []byte) []byte { return nil },
		},
		{
			desc:  "wrong dimension is a protocol error and the shard is lost",
			reply: func([]byte, []byte) []byte { return fl.EncodeVector([]float64{1}) },
		},
		{
			desc:  "ragged update is a protocol error",
			reply: func([]byte, []byte) []byte { return []byte{1, 2, 3} },
		},
		{
			desc:        "requeued shard is served to the next worker",
			reply:       func([]byte, []byte) []byte { return nil },
			requeue:     true,
			wantDone:    1,
			wantVersion: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := testConfig(fl.ModeAsync)
			cfg.RequeueOnFailure = tc.requeue
			c, addr, errCh := start(t, context.Background(), cfg, testShards(1), []float64{1, 1})

			served, err := pullWorker(t, addr, tc.reply)
			assert.Equal(t, 1, served)
			assert.ErrorIs(t, err, pkgerrors.ErrConnectionClosed, "coordinator drops the failed session")

			if tc.requeue {
				served, err = pullWorker(t, addr, constGradient(10, 10))
				require.NoError(t, err)
				assert.Equal(t, 1, served)
			}

			require.NoError(t, wait(t, errCh))
			assert.Equal(t, tc.wantDone, c.Progress().Completed)
			assert.Equal(t, 1, c.Progress().Total)
			assert.Equal(t, tc.wantVersion, c.StateInfo().Version)
			if !tc.requeue {
				assert.Equal(t, []float64{1, 1}, params(t, c), "failed updates never touch the state")
			}
		})
	}
}

func TestAsyncShutdownTimeout(t *testing.T) {
	cfg := testConfig(fl.ModeAsync)
	cfg.ShutdownTimeout = 100 * time.Millisecond
	c, addr, errCh := start(t, context.Background(), cfg, testShards(1), []float64{0})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	wc := wire.NewConn(conn)
	handshake(t, wc)
	ctl, err := wc.ReadControl()
	require.NoError(t, err)
	require.Equal(t, wire.ShardData, ctl)

	err = wait(t, errCh)
	assert.ErrorIs(t, err, pkgerrors.ErrCoordinatorTimeout)
	assert.Equal(t, 0, c.Progress().Completed)

	for i := 0; i < 3; i++ {
		if _, err = wc.ReadFrame(); err != nil {
			break
		}
	}
	_, err = wc.ReadFrame()
	assert.ErrorIs(t, err, pkgerrors.ErrConnectionClosed, "live connections are force-closed")
}

func TestServeCancelled(t *testing.T) {
	for _, mode := range []fl.Mode{fl.ModeAsync, fl.ModeRounds} {
		t.Run(string(mode), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			_, _, errCh := start(t, ctx, testConfig(mode), testShards(2), []float64{0})

			time.Sleep(50 * time.Millisecond)
			cancel()
			assert.ErrorIs(t, wait(t, errCh), context.Canceled)
		})
	}
}

// roundWorker dials once per call, trains the single shard it receives and
// waits for the coordinator to close the connection.
func roundWorker(t *testing.T, addr string, reply replyFunc) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	wc := wire.NewConn(conn)
	handshake(t, wc)
	ctl, err := wc.ReadControl()
	require.NoError(t, err)
	require.Equal(t, wire.ShardData, ctl)

	frames := make([][]byte, 3)
	for i := range frames {
		frames[i], err = wc.ReadFrame()
		require.NoError(t, err)
	}
	require.NoError(t, wc.SendFrame(reply(frames[0], frames[1])))

	_, err = wc.ReadControl()
	assert.ErrorIs(t, err, pkgerrors.ErrConnectionClosed)

	return frames[0]
}

// shiftByShard adds shard index + 1 to every parameter.
func shiftByShard(t *testing.T) replyFunc {
	return func(p, features []byte) []byte {
		v, err := fl.DecodeVector(p)
		require.NoError(t, err)
		for i := range v {
			v[i] += float64(features[0]) + 1
		}

		return fl.EncodeVector(v)
	}
}

func TestRoundsAverageOncePerRound(t *testing.T) {
	dir := t.TempDir()
	storage, err := fl.NewPersistentStorage(filepath.Join(dir, "rounds"), filepath.Join(dir, "models"))
	require.NoError(t, err)

	cfg := testConfig(fl.ModeRounds)
	cfg.GlobalEpochs = 2
	c, addr, errCh := start(t, context.Background(), cfg, testShards(3), []float64{0, 10}, coordinator.WithStorage(storage))

	var received [][]float64
	for i := 0; i < 6; i++ {
		p, err := fl.DecodeVector(roundWorker(t, addr, shiftByShard(t)))
		require.NoError(t, err)
		received = append(received, p)
	}
	require.NoError(t, wait(t, errCh))

	for i := 0; i < 3; i++ {
		assert.Equal(t, []float64{0, 10}, received[i], "round 1 connection %d", i)
		assert.Equal(t, []float64{2, 12}, received[3+i], "round 2 starts from the round 1 mean")
	}
	assert.Equal(t, uint64(2), c.StateInfo().Version, "one state update per round")
	assert.Equal(t, []float64{4, 14}, params(t, c))
	assert.Equal(t, coordinator.ProgressReport{Completed: 6, Total: 6, Percent: 100}, c.Progress())

	ids, err := storage.ListRounds()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	rs, err := storage.LoadRound(ids[1])
	require.NoError(t, err)
	assert.True(t, rs.Completed)
	assert.Equal(t, 2, rs.Round)
	assert.Equal(t, uint64(1), rs.StartVersion)
	assert.Equal(t, uint64(2), rs.EndVersion)
	require.Len(t, rs.Updates, 3)
	for i, u := range rs.Updates {
		assert.Equal(t, i, u.ShardID)
	}

	cp, err := c.Persist()
	require.NoError(t, err)
	loaded, err := storage.LoadModel(cp.Version)
	require.NoError(t, err)
	assert.Equal(t, fl.ModeRounds, loaded.Mode)
	assert.Equal(t, modelConfig, loaded.Config)
	assert.Equal(t, cp.Params, loaded.Params)
}

func TestRoundsFailedConnectionRetriesShard(t *testing.T) {
	c, addr, errCh := start(t, context.Background(), testConfig(fl.ModeRounds), testShards(2), []float64{0})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	wc := wire.NewConn(conn)
	handshake(t, wc)
	conn.Close()

	var order []byte
	for i := 0; i < 2; i++ {
		roundWorker(t, addr, func(_, features []byte) []byte {
			order = append(order, features[0])

			return fl.EncodeVector([]float64{float64(features[0]) * 10})
		})
	}
	require.NoError(t, wait(t, errCh))

	assert.Equal(t, []byte{0, 1}, order, "the failed shard is offered again")
	assert.Equal(t, []float64{5}, params(t, c))
	assert.Equal(t, 2, c.Progress().Completed)
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []struct {
		desc   string
		mutate func(*coordinator.Config)
	}{
		{desc: "zero local epochs", mutate: func(c *coordinator.Config) { c.LocalEpochs = 0 }},
		{desc: "negative batch size", mutate: func(c *coordinator.Config) { c.BatchSize = -1 }},
		{desc: "negative global epochs", mutate: func(c *coordinator.Config) { c.GlobalEpochs = -2 }},
		{desc: "unknown mode", mutate: func(c *coordinator.Config) { c.Mode = "gossip" }},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := testConfig(fl.ModeAsync)
			tc.mutate(&cfg)
			_, err := coordinator.New(cfg, fl.NewState(nil), shard.NewStore(nil), coordinator.NewAsync(fl.GradientStep{}), slog.New(slog.DiscardHandler))
			assert.ErrorIs(t, err, pkgerrors.ErrInvalidData)
		})
	}

	cfg := testConfig(fl.ModeAsync)
	cfg.Rule = "adam"
	_, err := coordinator.NewStrategy(cfg)
	assert.ErrorIs(t, err, fl.ErrUnknownRule)

	cfg = testConfig(fl.ModeRounds)
	cfg.Aggregator = "median"
	_, err = coordinator.NewStrategy(cfg)
	assert.ErrorIs(t, err, fl.ErrUnknownAggregator)
}

func TestNewRejectsOversizedFrames(t *testing.T) {
	cases := []struct {
		desc   string
		params []float64
		shards []shard.Shard
		err    error
	}{
		{desc: "within limit", params: []float64{1}, shards: testShards(2)},
		{desc: "parameters too large", params: make([]float64, 16), shards: testShards(1), err: pkgerrors.ErrInvalidData},
		{desc: "features too large", params: []float64{1}, shards: []shard.Shard{{ID: 4, Rows: 1, Features: make([]byte, 65)}}, err: pkgerrors.ErrInvalidData},
		{desc: "labels too large", params: []float64{1}, shards: []shard.Shard{{ID: 5, Rows: 1, Labels: make([]byte, 65)}}, err: pkgerrors.ErrInvalidData},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := testConfig(fl.ModeAsync)
			cfg.MaxFrameSize = 64
			_, err := coordinator.New(cfg, fl.NewState(fl.EncodeVector(tc.params)), shard.NewStore(tc.shards), coordinator.NewAsync(fl.GradientStep{}), slog.New(slog.DiscardHandler))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPersistWithoutStorage(t *testing.T) {
	strategy := coordinator.NewAsync(fl.GradientStep{LearningRate: 1})
	c, err := coordinator.New(testConfig(fl.ModeAsync), fl.NewState(fl.EncodeVector([]float64{3})), shard.NewStore(nil), strategy, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	cp, err := c.Persist()
	assert.Error(t, err)
	assert.Equal(t, fl.EncodeVector([]float64{3}), cp.Params)
	assert.Equal(t, fl.ModeAsync, cp.Mode)
}
