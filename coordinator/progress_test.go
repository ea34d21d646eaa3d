package coordinator_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/paramserver/coordinator"
	"github.com/absmach/paramserver/pkg/mqtt"
	"github.com/absmach/paramserver/pkg/mqtt/mocks"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestProgressReport(t *testing.T) {
	cases := []struct {
		desc      string
		total     int
		completed int
		want      coordinator.ProgressReport
	}{
		{desc: "nothing to do", want: coordinator.ProgressReport{}},
		{desc: "half way", total: 4, completed: 2, want: coordinator.ProgressReport{Completed: 2, Total: 4, Percent: 50, Remaining: 2}},
		{desc: "finished", total: 3, completed: 3, want: coordinator.ProgressReport{Completed: 3, Total: 3, Percent: 100}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			var p coordinator.Progress
			p.SetTotal(tc.total)
			for i := 0; i < tc.completed; i++ {
				p.Inc()
			}
			assert.Equal(t, tc.want, p.Report())
		})
	}
}

func TestProgressConcurrentIncrements(t *testing.T) {
	var p coordinator.Progress
	p.SetTotal(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, p.Report().Completed)
}

func TestProgressMonitorPublishes(t *testing.T) {
	b := new(mocks.MockBroker)
	var (
		mu      sync.Mutex
		reports []coordinator.ProgressReport
	)
	b.On("Publish", mock.Anything, mqtt.Topic("c1", coordinator.EventProgress), mock.Anything).
		Run(func(args mock.Arguments) {
			var ev mqtt.Event
			assert.NoError(t, json.Unmarshal(args.Get(2).([]byte), &ev))
			var r coordinator.ProgressReport
			assert.NoError(t, ev.Decode(&r))
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}).
		Return(nil)

	var p coordinator.Progress
	p.SetTotal(2)
	m := coordinator.NewProgressMonitor(&p, 5*time.Millisecond, slog.New(slog.DiscardHandler), mqtt.NewBus(b, "c1", slog.New(slog.DiscardHandler)), discard.NewGauge())
	m.Start(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(reports) >= 2
	}, time.Second, 5*time.Millisecond)

	p.Inc()
	p.Inc()
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, coordinator.ProgressReport{Completed: 2, Total: 2, Percent: 100}, reports[len(reports)-1], "stop emits a final report")
}
