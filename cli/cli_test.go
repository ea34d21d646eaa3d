package cli_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/absmach/paramserver/cli"
	"github.com/absmach/paramserver/coordinator"
	"github.com/absmach/paramserver/pkg/dataset"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/mqtt"
	"github.com/absmach/paramserver/pkg/mqtt/mocks"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, string) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())

	return ansi.ReplaceAllString(out.String(), ""), ansi.ReplaceAllString(errOut.String(), "")
}

// writeDataset writes n 1x2 images whose label is the brighter pixel.
func writeDataset(t *testing.T, dir string, n int) (string, string) {
	t.Helper()

	var images, labels bytes.Buffer
	_ = binary.Write(&images, binary.BigEndian, []uint32{dataset.ImagesMagic, uint32(n), 1, 2})
	_ = binary.Write(&labels, binary.BigEndian, []uint32{dataset.LabelsMagic, uint32(n)})
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			images.Write([]byte{255, 0})
			labels.WriteByte(0)
		} else {
			images.Write([]byte{0, 255})
			labels.WriteByte(1)
		}
	}

	imagesPath := filepath.Join(dir, "images.idx")
	labelsPath := filepath.Join(dir, "labels.idx")
	require.NoError(t, os.WriteFile(imagesPath, images.Bytes(), 0o600))
	require.NoError(t, os.WriteFile(labelsPath, labels.Bytes(), 0o600))

	return imagesPath, labelsPath
}

func saveCheckpoint(t *testing.T, dir string, cp fl.Checkpoint) string {
	t.Helper()

	ps, err := fl.NewPersistentStorage(filepath.Join(dir, "rounds"), filepath.Join(dir, "models"))
	require.NoError(t, err)
	require.NoError(t, ps.SaveModel(cp))

	return filepath.Join(dir, "models", "model_v"+strconv.FormatUint(cp.Version, 10)+".cbor")
}

func TestEvaluate(t *testing.T) {
	dir := t.TempDir()
	images, labels := writeDataset(t, dir, 6)

	cfg := trainer.Config{Inputs: 2, Classes: 2, LearningRate: 0.1, InitScale: 0.01}
	// Weights favour class 0 for pixel 0 and class 1 for pixel 1.
	params := fl.EncodeVector([]float64{5, -5, -5, 5, 0, 0})
	path := saveCheckpoint(t, dir, fl.Checkpoint{Version: 3, Mode: fl.ModeAsync, Config: cfg.String(), Params: params})

	out, errOut := execute(t, cli.NewEvaluateCmd(), path, images, labels)
	assert.Empty(t, errOut)
	assert.Contains(t, out, `"version": 3`)
	assert.Contains(t, out, `"samples": 6`)
	assert.Contains(t, out, `"correct": 6`)
	assert.Contains(t, out, `"accuracy": 1`)
}

func TestEvaluateErrors(t *testing.T) {
	dir := t.TempDir()
	images, labels := writeDataset(t, dir, 2)

	wrongShape := trainer.Config{Inputs: 3, Classes: 2}
	mismatched := saveCheckpoint(t, dir, fl.Checkpoint{
		Version: 1,
		Config:  wrongShape.String(),
		Params:  fl.EncodeVector(make([]float64, wrongShape.NumParams())),
	})

	cases := []struct {
		desc string
		args []string
		out  string
		err  string
	}{
		{desc: "missing arguments", args: []string{mismatched}, out: "usage: evaluate"},
		{desc: "missing checkpoint", args: []string{filepath.Join(dir, "absent.cbor"), images, labels}, err: "error:"},
		{desc: "model does not fit dataset", args: []string{mismatched, images, labels}, err: "error:"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			out, errOut := execute(t, cli.NewEvaluateCmd(), tc.args...)
			if tc.out != "" {
				assert.Contains(t, out, tc.out)
			}
			if tc.err != "" {
				assert.Contains(t, errOut, tc.err)
			}
		})
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	path := saveCheckpoint(t, dir, fl.Checkpoint{
		Version: 7,
		Mode:    fl.ModeRounds,
		Params:  fl.EncodeVector([]float64{3, -4}),
		Meta:    map[string]string{"aggregator": "mean"},
		SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	out, errOut := execute(t, cli.NewInspectCmd(), path)
	assert.Empty(t, errOut)
	assert.Contains(t, out, `"version": 7`)
	assert.Contains(t, out, `"mode": "rounds"`)
	assert.Contains(t, out, `"params": 2`)
	assert.Contains(t, out, `"l2_norm": 5`)
	assert.Contains(t, out, `"min": -4`)
	assert.Contains(t, out, `"max": 3`)
	assert.Contains(t, out, `"aggregator": "mean"`)
}

func TestSplit(t *testing.T) {
	dir := t.TempDir()
	images, labels := writeDataset(t, dir, 5)

	cases := []struct {
		desc string
		args []string
		out  []string
		err  string
	}{
		{
			desc: "two shards",
			args: []string{images, labels, "2", "--classes", "2"},
			out:  []string{`"samples": 5`, `"features": 2`, `"classes": 2`, `"rows": 2`, `"rows": 3`, `"end": 5`},
		},
		{desc: "zero shards", args: []string{images, labels, "0"}, err: "positive integer"},
		{desc: "not a number", args: []string{images, labels, "many"}, err: "positive integer"},
		{desc: "too few arguments", args: []string{images}, out: []string{"usage: split"}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			out, errOut := execute(t, cli.NewSplitCmd(), tc.args...)
			for _, want := range tc.out {
				assert.Contains(t, out, want)
			}
			if tc.err != "" {
				assert.Contains(t, errOut, tc.err)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	for _, v := range []uint64{2, 1} {
		saveCheckpoint(t, dir, fl.Checkpoint{Version: v, Params: fl.EncodeVector([]float64{1})})
	}
	ps, err := fl.NewPersistentStorage(filepath.Join(dir, "rounds"), filepath.Join(dir, "models"))
	require.NoError(t, err)
	require.NoError(t, ps.SaveRound("abc-0001", &fl.RoundState{RoundID: "abc-0001", Round: 1, KOfN: 3, Completed: true}))

	out, errOut := execute(t, cli.NewHistoryCmd(), "models", dir)
	assert.Empty(t, errOut)
	assert.Regexp(t, `"versions": \[\s*1,\s*2\s*\]`, out)

	out, errOut = execute(t, cli.NewHistoryCmd(), "rounds", dir)
	assert.Empty(t, errOut)
	assert.Contains(t, out, `"round_id": "abc-0001"`)
	assert.Contains(t, out, `"k_of_n": 3`)
}

func TestWatch(t *testing.T) {
	b := new(mocks.MockBroker)
	cli.SetBroker(b)
	defer cli.SetBroker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publish := func(deliver mqtt.MessageHandler, kind string, payload any) {
		ev, err := mqtt.NewEvent("c1", kind, payload, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
		require.NoError(t, err)
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		deliver(mqtt.Topic("c1", kind), data)
	}

	topic := mqtt.Topic("c1", "+")
	b.On("Subscribe", mock.Anything, topic, mock.Anything).
		Run(func(args mock.Arguments) {
			deliver := args.Get(2).(mqtt.MessageHandler)
			publish(deliver, coordinator.EventProgress, coordinator.ProgressReport{Completed: 2, Total: 4, Percent: 50, Remaining: 2})
			publish(deliver, coordinator.EventDone, coordinator.DoneReport{Version: 7})
			publish(deliver, mqtt.EventAlive, mqtt.Presence{Status: mqtt.StatusOffline})
			cancel()
		}).
		Return(nil)
	b.On("Unsubscribe", mock.Anything, topic).Return(nil)
	b.On("Disconnect", mock.Anything).Return(nil)

	cmd := cli.NewWatchCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--instance", "c1"})
	require.NoError(t, cmd.ExecuteContext(ctx))

	got := ansi.ReplaceAllString(out.String(), "")
	assert.Contains(t, got, `"instance_id": "c1"`)
	assert.Contains(t, got, `"event": "progress"`)
	assert.Contains(t, got, `"completed": 2`)
	assert.Contains(t, got, `"version": 7`)
	assert.Contains(t, got, `"status": "offline"`)
	assert.Contains(t, got, `"time": "2026-01-02T03:04:05Z"`)
	b.AssertExpectations(t)
}
