package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChenglinPoly/arxiv2markdown/internal/config"
	"github.com/ChenglinPoly/arxiv2markdown/internal/logging"
	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
	"github.com/ChenglinPoly/arxiv2markdown/internal/monitor"
	"github.com/ChenglinPoly/arxiv2markdown/internal/scanner"
	"github.com/ChenglinPoly/arxiv2markdown/internal/state"
	"github.com/ChenglinPoly/arxiv2markdown/internal/worker"
)

// How often the watchdog looks for jobs running suspiciously long.
const stuckCheckInterval = 30 * time.Second

// Manager is the batch orchestrator: it owns state reconciliation, job
// discovery, dispatch over the worker pool, and the run's final report.
type Manager struct {
	cfg     *config.Config
	store   *state.Store
	run     worker.ConvertFunc
	logs    *logging.Set
	monitor *monitor.Monitor

	statsLock sync.RWMutex
	stats     models.Stats

	stuckLock    sync.Mutex
	runningSince map[string]time.Time

	cancel context.CancelFunc
}

// New creates a manager over an already-loaded state store.
func New(cfg *config.Config, store *state.Store, run worker.ConvertFunc, logs *logging.Set) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		run:   run,
		logs:  logs,
		stats: models.Stats{
			RunID:       uuid.NewString(),
			StartTime:   time.Now(),
			WorkerCount: cfg.WorkerCount,
		},
		runningSince: make(map[string]time.Time),
	}
}

// Run executes one batch invocation to completion or cancellation and
// returns the run stats. Job failures are not errors; only orchestration
// problems (state persistence) surface here.
func (m *Manager) Run(ctx context.Context) (models.Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer cancel()

	log := m.logs.Console

	// 1. Reconcile jobs orphaned by a prior crashed run.
	orphans, err := m.store.ReconcileOrphans()
	if err != nil {
		return m.Stats(), err
	}
	if len(orphans) > 0 {
		log.Warnw("reset orphaned running jobs to pending", "count", len(orphans), "job_ids", orphans)
	}

	// 2. Scan the source directory and register unseen archives.
	candidates, err := scanner.Scan(m.cfg)
	if err != nil {
		return m.Stats(), err
	}
	inserted, err := m.store.InsertNew(candidates)
	if err != nil {
		return m.Stats(), err
	}

	// 3. Dispatch list: everything pending. Succeeded jobs are skipped so
	// re-runs over an unchanged directory process nothing.
	pending := m.store.Pending()

	m.statsLock.Lock()
	m.stats.Reconciled = len(orphans)
	m.stats.NewlyScanned = inserted
	m.stats.TotalJobs = len(m.store.Snapshot())
	m.stats.Dispatched = len(pending)
	m.statsLock.Unlock()

	log.Infow("batch run starting",
		"run_id", m.stats.RunID,
		"candidates", len(candidates),
		"new", inserted,
		"pending", len(pending),
		"workers", m.cfg.WorkerCount)

	if len(pending) == 0 {
		log.Infow("nothing to do, all discovered jobs already processed")
		m.finish()
		return m.Stats(), nil
	}

	m.monitor = monitor.New(len(pending), m.cfg.SampleInterval, m.logs.Speed, m.cfg.ShowProgress)
	m.monitor.Start(ctx)
	go m.watchStuckJobs(ctx)
	go m.reportProgress(ctx)

	// 4. Run the fixed-size pool over the dispatch list, FIFO.
	jobs := make(chan models.Job, len(pending))
	updates := make(chan models.StatusUpdate, m.cfg.WorkerCount*4)

	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		for update := range updates {
			m.handleUpdate(update)
		}
	}()

	workers := make([]*worker.Worker, m.cfg.WorkerCount)
	for i := range workers {
		workers[i] = worker.New(i, jobs, updates, m.store, m.run, m.cfg.JobTimeout, log)
		workers[i].Start(ctx)
	}

	for _, job := range pending {
		jobs <- job
	}
	close(jobs)

	for _, w := range workers {
		<-w.Done()
	}
	close(updates)
	consumer.Wait()

	m.monitor.TakeSample()
	m.monitor.Finish()
	m.finish()

	if ctx.Err() != nil {
		log.Warnw("run interrupted, unfinished jobs will be reconciled on next start",
			"run_id", m.stats.RunID,
			"unfinished", m.Stats().Remaining())
	}
	return m.Stats(), nil
}

// Stop cancels the run; in-flight jobs get the grace period built into
// the conversion's process handling.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Stats returns a copy of the current run statistics
func (m *Manager) Stats() models.Stats {
	m.statsLock.RLock()
	defer m.statsLock.RUnlock()
	return m.stats
}

// Report builds the final report from persisted job records.
func (m *Manager) Report() Report {
	return BuildReport(m.store.Snapshot(), m.Stats())
}

func (m *Manager) finish() {
	m.statsLock.Lock()
	m.stats.EndTime = time.Now()
	m.statsLock.Unlock()
}

func (m *Manager) handleUpdate(update models.StatusUpdate) {
	switch update.Status {
	case models.StatusRunning:
		m.stuckLock.Lock()
		m.runningSince[update.JobID] = time.Now()
		m.stuckLock.Unlock()
		return
	case models.StatusSucceeded:
		m.statsLock.Lock()
		m.stats.Succeeded++
		m.statsLock.Unlock()
	case models.StatusFailed:
		m.statsLock.Lock()
		m.stats.Failed++
		m.statsLock.Unlock()
		if update.Error != nil {
			m.logs.Failure.Infow("job failed",
				"job_id", update.JobID,
				"kind", update.Error.Kind,
				"message", update.Error.Message)
		}
	}

	m.stuckLock.Lock()
	delete(m.runningSince, update.JobID)
	m.stuckLock.Unlock()

	if m.monitor != nil {
		m.monitor.Record(update)
	}
}

// reportProgress writes a periodic progress line to the console with the
// recent-window rate and ETA, so a headless run is not silent between
// the start banner and the final report.
func (m *Manager) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.monitor.Snapshot()
			m.logs.Console.Infow("progress",
				"completed", s.Completed,
				"remaining", s.Remaining,
				"failed", s.Failed,
				"recent_jobs_per_sec", s.RecentRate,
				"eta", s.ETA.Round(time.Second).String())
		}
	}
}

// watchStuckJobs warns about jobs that have been running past the job
// timeout plus slack; that means the external process kill did not take.
func (m *Manager) watchStuckJobs(ctx context.Context) {
	threshold := m.cfg.JobTimeout + time.Minute
	ticker := time.NewTicker(stuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.stuckLock.Lock()
			for jobID, since := range m.runningSince {
				if now.Sub(since) > threshold {
					m.logs.Console.Warnw("job appears stuck",
						"job_id", jobID,
						"running_for", now.Sub(since).Round(time.Second))
					// reset so the warning does not repeat every tick
					m.runningSince[jobID] = now.Add(-threshold / 2)
				}
			}
			m.stuckLock.Unlock()
		}
	}
}
