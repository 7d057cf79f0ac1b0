package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
)

// Recent-window width for the responsive rate and ETA. The overall
// average goes stale when the corpus slows down; the window does not.
const recentWindow = 5 * time.Minute

// Monitor aggregates completion events from the worker pool into running
// counters and periodic throughput samples. Updates are serialized; it is
// safe under concurrent completions from every worker.
type Monitor struct {
	mu        sync.Mutex
	startTime time.Time
	total     int
	succeeded int
	failed    int
	samples   []models.ThroughputSample

	bar      *progressbar.ProgressBar
	speedLog *zap.SugaredLogger
	interval time.Duration
}

// Summary is a point-in-time view of batch progress
type Summary struct {
	Elapsed     time.Duration
	Completed   int
	Succeeded   int
	Failed      int
	Remaining   int
	OverallRate float64 // jobs per second since start
	RecentRate  float64 // jobs per second over the recent window
	ETA         time.Duration
}

// New creates a monitor for a run of total jobs. speedLog receives one
// line per throughput sample; pass showBar false for non-interactive runs.
func New(total int, interval time.Duration, speedLog *zap.SugaredLogger, showBar bool) *Monitor {
	m := &Monitor{
		startTime: time.Now(),
		total:     total,
		speedLog:  speedLog,
		interval:  interval,
	}
	if showBar && total > 0 {
		m.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Converting"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
	return m
}

// Start emits throughput samples at the configured wall-clock interval
// until ctx is cancelled. Samples are emitted regardless of event arrival,
// so a stalled pool shows up as zero-rate lines rather than silence.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.TakeSample()
			}
		}
	}()
}

// Record consumes one completion event
func (m *Monitor) Record(update models.StatusUpdate) {
	m.mu.Lock()
	switch update.Status {
	case models.StatusSucceeded:
		m.succeeded++
	case models.StatusFailed:
		m.failed++
	}
	bar := m.bar
	m.mu.Unlock()

	if bar != nil {
		_ = bar.Add(1)
	}
}

// TakeSample appends one throughput sample and writes it to the speed
// log. Exposed so the self-test mode and tests can drive sampling.
func (m *Monitor) TakeSample() models.ThroughputSample {
	m.mu.Lock()
	now := time.Now()
	sample := models.ThroughputSample{
		Timestamp:      now,
		Completed:      m.succeeded + m.failed,
		ElapsedSeconds: now.Sub(m.startTime).Seconds(),
	}
	m.samples = append(m.samples, sample)
	summary := m.summaryLocked(now)
	m.mu.Unlock()

	if m.speedLog != nil {
		m.speedLog.Infow("throughput",
			"completed", sample.Completed,
			"total", m.total,
			"elapsed_seconds", sample.ElapsedSeconds,
			"jobs_per_sec", summary.OverallRate,
			"recent_jobs_per_sec", summary.RecentRate,
			"remaining", summary.Remaining,
			"eta_seconds", summary.ETA.Seconds(),
		)
	}
	return sample
}

// Snapshot returns the current progress summary. ETA is computed from
// the recent-window rate so it stays responsive to slowdowns.
func (m *Monitor) Snapshot() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaryLocked(time.Now())
}

// summaryLocked builds the progress summary. Caller must hold the mutex.
func (m *Monitor) summaryLocked(now time.Time) Summary {
	elapsed := now.Sub(m.startTime)
	completed := m.succeeded + m.failed

	s := Summary{
		Elapsed:   elapsed,
		Completed: completed,
		Succeeded: m.succeeded,
		Failed:    m.failed,
		Remaining: m.total - completed,
	}
	if elapsed.Seconds() > 0 {
		s.OverallRate = float64(completed) / elapsed.Seconds()
	}
	s.RecentRate = m.recentRateLocked(now)

	rate := s.RecentRate
	if rate == 0 {
		rate = s.OverallRate
	}
	if rate > 0 && s.Remaining > 0 {
		s.ETA = time.Duration(float64(s.Remaining)/rate) * time.Second
	}
	return s
}

// Samples returns a copy of the append-only sample sequence
func (m *Monitor) Samples() []models.ThroughputSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ThroughputSample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Finish renders the bar complete
func (m *Monitor) Finish() {
	m.mu.Lock()
	bar := m.bar
	m.mu.Unlock()
	if bar != nil {
		_ = bar.Finish()
	}
}

// recentRateLocked computes jobs/sec over the trailing window from the
// oldest sample still inside it. Caller must hold the mutex.
func (m *Monitor) recentRateLocked(now time.Time) float64 {
	completed := m.succeeded + m.failed
	cutoff := now.Add(-recentWindow)

	baseTime := m.startTime
	baseCompleted := 0
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			baseTime = s.Timestamp
			baseCompleted = s.Completed
			continue
		}
		break
	}

	span := now.Sub(baseTime).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(completed-baseCompleted) / span
}
