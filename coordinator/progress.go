package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/metrics"
)

// Progress counts merged updates. It never goes backwards.
type Progress struct {
	completed atomic.Int64
	total     atomic.Int64
}

// ProgressReport is a point-in-time view of Progress.
type ProgressReport struct {
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
	Remaining int     `json:"remaining"`
}

func (p *Progress) SetTotal(total int) {
	p.total.Store(int64(total))
}

func (p *Progress) Inc() {
	p.completed.Add(1)
}

func (p *Progress) Report() ProgressReport {
	completed, total := int(p.completed.Load()), int(p.total.Load())
	r := ProgressReport{
		Completed: completed,
		Total:     total,
		Remaining: max(total-completed, 0),
	}
	if total > 0 {
		r.Percent = 100 * float64(completed) / float64(total)
	}

	return r
}

// ProgressMonitor reports Progress on a fixed interval until stopped.
type ProgressMonitor struct {
	progress *Progress
	interval time.Duration
	logger   *slog.Logger
	notifier Notifier
	gauge    metrics.Gauge

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProgressMonitor(p *Progress, interval time.Duration, logger *slog.Logger, notifier Notifier, gauge metrics.Gauge) *ProgressMonitor {
	return &ProgressMonitor{
		progress: p,
		interval: interval,
		logger:   logger,
		notifier: notifier,
		gauge:    gauge,
	}
}

func (m *ProgressMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop ends the loop and emits one final report.
func (m *ProgressMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.report(context.Background())
}

func (m *ProgressMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report(ctx)
		}
	}
}

func (m *ProgressMonitor) report(ctx context.Context) {
	r := m.progress.Report()
	m.gauge.Set(r.Percent)
	m.logger.Info("training progress",
		slog.Int("completed", r.Completed),
		slog.Int("total", r.Total),
		slog.Float64("percent", r.Percent),
		slog.Int("remaining", r.Remaining),
	)
	if err := m.notifier.Notify(ctx, EventProgress, r); err != nil {
		m.logger.Warn("failed to publish progress", slog.Any("error", err))
	}
}
